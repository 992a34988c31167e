package classifier

import (
	"strconv"
	"strings"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// Fixed reason texts.
const (
	ReasonMissingOrganism   = "Missing organism"
	ReasonMissingAntibiotic = "Missing antibiotic"
	ReasonNoRule            = "No matching rule found"
	ReasonException         = "Exception matched (requires review)"
	ReasonMissingMIC        = "Missing MIC value"
	ReasonMissingDisc       = "Missing disc zone value"
	ReasonUnsupportedMethod = "Unsupported method"
	ReasonNoBreakpoints     = "Rule defines no breakpoints for method"
	ReasonBreakpointGap     = "value falls between breakpoints"
)

// formatNumber renders v with at least one decimal place: 4 -> "4.0", 0.25 -> "0.25".
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// micReason describes the value against every defined MIC clause.
func micReason(v float64, bp *domain.MICBreakpoints, version string) string {
	parts := []string{"MIC " + formatNumber(v)}
	if bp.SusceptibleMax != nil {
		parts = append(parts, "<= susceptible_max "+formatNumber(*bp.SusceptibleMax))
	}
	if r := bp.IntermediateRange; r != nil {
		parts = append(parts, "I range "+formatNumber(r.Low)+"–"+formatNumber(r.High))
	}
	if bp.ResistantMin != nil {
		parts = append(parts, ">= resistant_min "+formatNumber(*bp.ResistantMin))
	}
	parts = append(parts, "("+version+")")
	return strings.Join(parts, " ")
}

// discReason describes the zone against every defined disc clause.
func discReason(v float64, bp *domain.DiscBreakpoints, version string) string {
	parts := []string{"Zone " + formatNumber(v) + " mm"}
	if bp.SusceptibleMinZoneMM != nil {
		parts = append(parts, ">= susceptible_min "+formatNumber(*bp.SusceptibleMinZoneMM))
	}
	if r := bp.IntermediateRangeZoneMM; r != nil {
		parts = append(parts, "I range "+formatNumber(r.Low)+"–"+formatNumber(r.High))
	}
	if bp.ResistantMaxZoneMM != nil {
		parts = append(parts, "<= resistant_max "+formatNumber(*bp.ResistantMaxZoneMM))
	}
	parts = append(parts, "("+version+")")
	return strings.Join(parts, " ")
}

// assemble builds the final result. It is the only place results are created.
func assemble(in domain.ClassificationInput, decision domain.Decision, reason string, warnings []string, version string) domain.ClassificationResult {
	if len(warnings) > 0 {
		reason += "; Warnings: " + strings.Join(warnings, "; ")
	}
	return domain.ClassificationResult{
		SpecimenID:  in.SpecimenID,
		Organism:    in.Organism,
		Antibiotic:  in.Antibiotic,
		Method:      in.Method,
		Input:       in,
		Decision:    decision,
		Reason:      reason,
		RuleVersion: version,
	}
}
