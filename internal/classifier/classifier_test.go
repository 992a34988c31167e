package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/expert"
)

func ptr(v float64) *float64 { return &v }

func testRuleset() *domain.Ruleset {
	return &domain.Ruleset{
		Version: "EUCAST-2025",
		Rules: []domain.Rule{
			{
				Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC,
				MIC: &domain.MICBreakpoints{SusceptibleMax: ptr(8), ResistantMin: ptr(16)},
			},
			{
				Organism: "Escherichia coli", Antibiotic: "Ciprofloxacin", Method: domain.MethodMIC,
				MIC: &domain.MICBreakpoints{
					SusceptibleMax:    ptr(0.25),
					IntermediateRange: &domain.Range{Low: 0.5, High: 0.5},
					ResistantMin:      ptr(1),
				},
				Version: "EUCAST-2025.1",
				Exceptions: []domain.Exception{{
					When:       "features.pmqr == true",
					Conditions: []domain.Condition{domain.FeatureIs("pmqr", true)},
					Action:     domain.DecisionReview,
				}},
			},
			{
				Organism: "Escherichia coli", Antibiotic: "Ceftriaxone", Method: domain.MethodMIC,
				MIC: &domain.MICBreakpoints{SusceptibleMax: ptr(1), IntermediateRange: &domain.Range{Low: 2, High: 2}, ResistantMin: ptr(4)},
			},
			{
				Organism: "Staphylococcus aureus", Antibiotic: "Ciprofloxacin", Method: domain.MethodDisc,
				Disc: &domain.DiscBreakpoints{SusceptibleMinZoneMM: ptr(21), ResistantMaxZoneMM: ptr(20)},
			},
			{
				Organism: "Escherichia coli", Antibiotic: "Ciprofloxacin", Method: domain.MethodDisc,
				Disc: &domain.DiscBreakpoints{
					SusceptibleMinZoneMM:    ptr(25),
					IntermediateRangeZoneMM: &domain.Range{Low: 22, High: 24},
					ResistantMaxZoneMM:      ptr(21),
				},
			},
			{
				Organism: "Escherichia coli", Antibiotic: "Gentamicin", Method: domain.MethodMIC,
				MIC: &domain.MICBreakpoints{SusceptibleMax: ptr(2), ResistantMin: ptr(8)},
			},
			{
				Organism: "Pseudomonas aeruginosa", Antibiotic: "Ampicillin", Method: domain.MethodMIC,
				MIC: &domain.MICBreakpoints{SusceptibleMax: ptr(8), ResistantMin: ptr(16)},
			},
		},
	}
}

func TestScenarioSusceptibleMIC(t *testing.T) {
	got := Classify(testRuleset(), expert.NewDefault(), domain.ClassificationInput{
		Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC, MIC: ptr(4),
	})

	if got.Decision != domain.DecisionSusceptible {
		t.Errorf("decision = %s, want S", got.Decision)
	}
	for _, frag := range []string{"MIC 4.0", "<= susceptible_max 8.0", ">= resistant_min 16.0", "(EUCAST-2025)", "; Warnings: ESBL status not reported"} {
		if !strings.Contains(got.Reason, frag) {
			t.Errorf("reason %q missing %q", got.Reason, frag)
		}
	}
	if got.RuleVersion != "EUCAST-2025" {
		t.Errorf("rule version = %s", got.RuleVersion)
	}
}

func TestScenarioResistantDisc(t *testing.T) {
	got := Classify(testRuleset(), expert.NewDefault(), domain.ClassificationInput{
		Organism: "Staphylococcus aureus", Antibiotic: "Ciprofloxacin", Method: domain.MethodDisc, DiscZone: ptr(15),
	})

	if got.Decision != domain.DecisionResistant {
		t.Errorf("decision = %s, want R", got.Decision)
	}
	want := "Zone 15.0 mm >= susceptible_min 21.0 <= resistant_max 20.0 (EUCAST-2025); Warnings: MRSA status not reported for Staphylococcus aureus"
	if got.Reason != want {
		t.Errorf("reason mismatch:\n got %q\nwant %q", got.Reason, want)
	}
}

func TestScenarioESBLOverride(t *testing.T) {
	got := Classify(testRuleset(), expert.NewDefault(), domain.ClassificationInput{
		Organism: "Escherichia coli", Antibiotic: "Ceftriaxone", Method: domain.MethodMIC, MIC: ptr(0.5),
		Features: domain.Features{"esbl": true},
	})

	if got.Decision != domain.DecisionResistant {
		t.Errorf("decision = %s, want R", got.Decision)
	}
	if !strings.HasPrefix(got.Reason, "Expert rule: ESBL producer") {
		t.Errorf("unexpected reason %q", got.Reason)
	}
}

func TestClassifyDecisions(t *testing.T) {
	rs := testRuleset()
	experts := expert.NewDefault()
	// esbl reported so advisory warnings stay out of the reason
	quiet := domain.Features{"esbl": false}

	tests := []struct {
		name       string
		input      domain.ClassificationInput
		want       domain.Decision
		wantReason string
		wantVer    string
	}{
		{
			name:       "mic intermediate inclusive",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Ciprofloxacin", Method: domain.MethodMIC, MIC: ptr(0.5), Features: quiet},
			want:       domain.DecisionIntermediate,
			wantReason: "MIC 0.5 <= susceptible_max 0.25 I range 0.5–0.5 >= resistant_min 1.0 (EUCAST-2025.1)",
			wantVer:    "EUCAST-2025.1",
		},
		{
			name:       "mic gap is review",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Gentamicin", Method: domain.MethodMIC, MIC: ptr(4), Features: quiet},
			want:       domain.DecisionReview,
			wantReason: "MIC 4.0 <= susceptible_max 2.0 >= resistant_min 8.0 (EUCAST-2025); value falls between breakpoints",
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "disc intermediate",
			input:      domain.ClassificationInput{Organism: "escherichia coli", Antibiotic: "CIPROFLOXACIN", Method: domain.MethodDisc, DiscZone: ptr(23), Features: quiet},
			want:       domain.DecisionIntermediate,
			wantReason: "Zone 23.0 mm >= susceptible_min 25.0 I range 22.0–24.0 <= resistant_max 21.0 (EUCAST-2025)",
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "exception uses rule version",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Ciprofloxacin", Method: domain.MethodMIC, MIC: ptr(0.1), Features: domain.Features{"esbl": false, "pmqr": true}},
			want:       domain.DecisionReview,
			wantReason: ReasonException,
			wantVer:    "EUCAST-2025.1",
		},
		{
			name:       "missing mic",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC, Features: quiet},
			want:       domain.DecisionReview,
			wantReason: ReasonMissingMIC,
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "missing disc",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Ciprofloxacin", Method: domain.MethodDisc, Features: quiet},
			want:       domain.DecisionReview,
			wantReason: ReasonMissingDisc,
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "no rule",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Nitrofurantoin", Method: domain.MethodMIC, MIC: ptr(16), Features: quiet},
			want:       domain.DecisionReview,
			wantReason: ReasonNoRule,
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "missing organism",
			input:      domain.ClassificationInput{Antibiotic: "Amoxicillin", Method: domain.MethodMIC, MIC: ptr(1)},
			want:       domain.DecisionReview,
			wantReason: ReasonMissingOrganism,
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "missing antibiotic",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Method: domain.MethodMIC, MIC: ptr(1), Features: quiet},
			want:       domain.DecisionReview,
			wantReason: ReasonMissingAntibiotic,
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "intrinsic resistance beats a susceptible breakpoint",
			input:      domain.ClassificationInput{Organism: "Pseudomonas aeruginosa", Antibiotic: "Ampicillin", Method: domain.MethodMIC, MIC: ptr(1)},
			want:       domain.DecisionResistant,
			wantReason: "Expert rule: Intrinsic resistance: Pseudomonas aeruginosa",
			wantVer:    "EUCAST-2025",
		},
		{
			name:       "parse warnings are carried",
			input:      domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC, MIC: ptr(16), Features: quiet, ParseWarnings: []string{"non-standard unit ug/mL"}},
			want:       domain.DecisionResistant,
			wantReason: "MIC 16.0 <= susceptible_max 8.0 >= resistant_min 16.0 (EUCAST-2025); Warnings: non-standard unit ug/mL",
			wantVer:    "EUCAST-2025",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(rs, experts, tt.input)
			if got.Decision != tt.want {
				t.Errorf("decision = %s, want %s", got.Decision, tt.want)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("reason mismatch:\n got %q\nwant %q", got.Reason, tt.wantReason)
			}
			if got.RuleVersion != tt.wantVer {
				t.Errorf("rule version = %s, want %s", got.RuleVersion, tt.wantVer)
			}
		})
	}
}

func TestBreakpointProperties(t *testing.T) {
	rs := testRuleset()
	experts := expert.New()

	for _, mic := range []float64{0, 0.001, 0.5, 1, 2, 4, 7.99, 8} {
		got := Classify(rs, experts, domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC, MIC: ptr(mic)})
		if got.Decision != domain.DecisionSusceptible {
			t.Errorf("MIC %v <= susceptible_max should be S, got %s", mic, got.Decision)
		}
	}
	for _, mic := range []float64{16, 16.01, 32, 256} {
		got := Classify(rs, experts, domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC, MIC: ptr(mic)})
		if got.Decision != domain.DecisionResistant {
			t.Errorf("MIC %v >= resistant_min should be R, got %s", mic, got.Decision)
		}
	}
	for _, zone := range []float64{25, 26, 40} {
		got := Classify(rs, experts, domain.ClassificationInput{Organism: "Escherichia coli", Antibiotic: "Ciprofloxacin", Method: domain.MethodDisc, DiscZone: ptr(zone)})
		if got.Decision != domain.DecisionSusceptible {
			t.Errorf("zone %v >= susceptible_min should be S, got %s", zone, got.Decision)
		}
	}
}

func TestClassifyIdempotent(t *testing.T) {
	rs := testRuleset()
	experts := expert.NewDefault()
	in := domain.ClassificationInput{
		Organism: "Escherichia coli", Antibiotic: "Ceftriaxone", Method: domain.MethodMIC, MIC: ptr(2),
		SpecimenID: "SPM-1", Features: domain.Features{"esbl": false},
	}

	first := Classify(rs, experts, in)
	second := Classify(rs, experts, in)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("classification is not idempotent (-first +second):\n%s", diff)
	}
	if first.SpecimenID != "SPM-1" || first.Input.MIC == nil || *first.Input.MIC != 2 {
		t.Errorf("input not echoed: %+v", first)
	}
}

type staticRules struct {
	rs  *domain.Ruleset
	err error
}

func (s staticRules) Current(context.Context) (*domain.Ruleset, error) { return s.rs, s.err }

func TestServiceClassifyAll(t *testing.T) {
	svc := New(staticRules{rs: testRuleset()}, expert.NewDefault())

	results, err := svc.ClassifyAll(context.Background(), []domain.ClassificationInput{
		{Organism: "Escherichia coli", Antibiotic: "Amoxicillin", Method: domain.MethodMIC, MIC: ptr(32)},
		{Organism: "Staphylococcus aureus", Antibiotic: "Ciprofloxacin", Method: domain.MethodDisc, DiscZone: ptr(30)},
	})
	if err != nil {
		t.Fatalf("ClassifyAll failed: %v", err)
	}
	got := []domain.Decision{results[0].Decision, results[1].Decision}
	if diff := cmp.Diff([]domain.Decision{domain.DecisionResistant, domain.DecisionSusceptible}, got); diff != "" {
		t.Errorf("decisions mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceRulesetUnavailable(t *testing.T) {
	loadErr := errors.New("disk gone")
	svc := New(staticRules{err: loadErr}, expert.NewDefault())

	_, err := svc.Classify(context.Background(), domain.ClassificationInput{Organism: "x", Antibiotic: "y", Method: domain.MethodMIC})
	if !errors.Is(err, loadErr) {
		t.Fatalf("expected wrapped load error, got %v", err)
	}
}

func TestFormatNumber(t *testing.T) {
	tests := map[float64]string{4: "4.0", 0.25: "0.25", 16: "16.0", 0.125: "0.125", 0: "0.0"}
	for in, want := range tests {
		if got := formatNumber(in); got != want {
			t.Errorf("formatNumber(%v) = %q, want %q", in, got, want)
		}
	}
}
