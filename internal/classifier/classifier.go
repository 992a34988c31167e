// Package classifier turns a ClassificationInput into an S, I, R or RR
// decision using the active breakpoint ruleset and the expert rules.
package classifier

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/expert"
)

// RulesetProvider returns the active ruleset. *rules.Store implements it.
type RulesetProvider interface {
	Current(ctx context.Context) (*domain.Ruleset, error)
}

// Service classifies inputs against the current ruleset snapshot.
type Service struct {
	rules   RulesetProvider
	experts *expert.Engine
	tracer  trace.Tracer
}

// New creates a classification service.
func New(rules RulesetProvider, experts *expert.Engine) *Service {
	return &Service{
		rules:   rules,
		experts: experts,
		tracer:  otel.Tracer("amrclass/classifier"),
	}
}

// Experts exposes the expert engine for listing.
func (s *Service) Experts() *expert.Engine {
	return s.experts
}

// Classify classifies one input. The only error is an unavailable ruleset.
func (s *Service) Classify(ctx context.Context, in domain.ClassificationInput) (domain.ClassificationResult, error) {
	results, err := s.ClassifyAll(ctx, []domain.ClassificationInput{in})
	if err != nil {
		return domain.ClassificationResult{}, err
	}
	return results[0], nil
}

// ClassifyAll classifies inputs in order against a single ruleset snapshot,
// so a concurrent reload never splits a batch across versions.
func (s *Service) ClassifyAll(ctx context.Context, inputs []domain.ClassificationInput) ([]domain.ClassificationResult, error) {
	rs, err := s.rules.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("ruleset unavailable: %w", err)
	}

	results := make([]domain.ClassificationResult, len(inputs))
	for i, in := range inputs {
		_, span := s.tracer.Start(ctx, "classify",
			trace.WithAttributes(
				attribute.String("amr.organism", in.Organism),
				attribute.String("amr.antibiotic", in.Antibiotic),
				attribute.String("amr.method", string(in.Method)),
			),
		)
		results[i] = Classify(rs, s.experts, in)
		span.SetAttributes(
			attribute.String("amr.decision", string(results[i].Decision)),
			attribute.String("amr.rule_version", results[i].RuleVersion),
		)
		span.End()
	}
	return results, nil
}

// Classify is the pure classification function. It never fails: every
// unresolvable situation is a review (RR) result with an explaining reason.
func Classify(rs *domain.Ruleset, experts *expert.Engine, in domain.ClassificationInput) domain.ClassificationResult {
	version := rs.VersionFor(nil)

	warnings := append(experts.ValidateFeaturesForRules(in), in.ParseWarnings...)

	switch {
	case in.Organism == "":
		return assemble(in, domain.DecisionReview, ReasonMissingOrganism, warnings, version)
	case in.Antibiotic == "":
		return assemble(in, domain.DecisionReview, ReasonMissingAntibiotic, warnings, version)
	}

	rule, found := rs.Find(in.Organism, in.Antibiotic, in.Method)

	// Expert knowledge takes precedence over breakpoints.
	if decision, notes := experts.ApplyRules(in, domain.DecisionReview); len(notes) > 0 {
		return assemble(in, decision, "Expert rule: "+notes[0], warnings, version)
	}

	if !found {
		return assemble(in, domain.DecisionReview, ReasonNoRule, warnings, version)
	}

	version = rs.VersionFor(rule)
	for _, ex := range rule.Exceptions {
		if ex.Matches(in) {
			return assemble(in, domain.DecisionReview, ReasonException, warnings, version)
		}
	}

	var (
		baseline domain.Decision
		reason   string
	)
	switch in.Method {
	case domain.MethodMIC:
		if in.MIC == nil {
			return assemble(in, domain.DecisionReview, ReasonMissingMIC, warnings, version)
		}
		if rule.MIC == nil {
			return assemble(in, domain.DecisionReview, ReasonNoBreakpoints, warnings, version)
		}
		baseline = micDecision(*in.MIC, rule.MIC)
		reason = micReason(*in.MIC, rule.MIC, version)

	case domain.MethodDisc:
		if in.DiscZone == nil {
			return assemble(in, domain.DecisionReview, ReasonMissingDisc, warnings, version)
		}
		if rule.Disc == nil {
			return assemble(in, domain.DecisionReview, ReasonNoBreakpoints, warnings, version)
		}
		baseline = discDecision(*in.DiscZone, rule.Disc)
		reason = discReason(*in.DiscZone, rule.Disc, version)

	default:
		return assemble(in, domain.DecisionReview, ReasonUnsupportedMethod, warnings, version)
	}

	if baseline == domain.DecisionReview {
		reason += "; " + ReasonBreakpointGap
	}

	decision := baseline
	if final, notes := experts.ApplyRules(in, baseline); len(notes) > 0 {
		decision = final
		reason += "; Expert override: " + notes[0]
	}

	return assemble(in, decision, reason, warnings, version)
}

// micDecision: S at or below susceptible_max, I inside the inclusive
// intermediate range, R at or above resistant_min, RR otherwise.
func micDecision(v float64, bp *domain.MICBreakpoints) domain.Decision {
	switch {
	case bp.SusceptibleMax != nil && v <= *bp.SusceptibleMax:
		return domain.DecisionSusceptible
	case bp.IntermediateRange != nil && bp.IntermediateRange.Contains(v):
		return domain.DecisionIntermediate
	case bp.ResistantMin != nil && v >= *bp.ResistantMin:
		return domain.DecisionResistant
	default:
		return domain.DecisionReview
	}
}

// discDecision: larger zones mean more susceptible.
func discDecision(v float64, bp *domain.DiscBreakpoints) domain.Decision {
	switch {
	case bp.SusceptibleMinZoneMM != nil && v >= *bp.SusceptibleMinZoneMM:
		return domain.DecisionSusceptible
	case bp.ResistantMaxZoneMM != nil && v <= *bp.ResistantMaxZoneMM:
		return domain.DecisionResistant
	case bp.IntermediateRangeZoneMM != nil && bp.IntermediateRangeZoneMM.Contains(v):
		return domain.DecisionIntermediate
	default:
		return domain.DecisionReview
	}
}
