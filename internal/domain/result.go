package domain

// Decision is the categorical susceptibility outcome.
type Decision string

const (
	DecisionSusceptible  Decision = "S"
	DecisionIntermediate Decision = "I"
	DecisionResistant    Decision = "R"

	// DecisionReview means manual review is required.
	DecisionReview Decision = "RR"
)

// Valid reports whether d is one of the four decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionSusceptible, DecisionIntermediate, DecisionResistant, DecisionReview:
		return true
	}
	return false
}

// ClassificationResult is the outcome for one input. It is never mutated
// after the classifier returns it.
type ClassificationResult struct {
	SpecimenID  string              `json:"specimen_id,omitempty"`
	Organism    string              `json:"organism"`
	Antibiotic  string              `json:"antibiotic"`
	Method      Method              `json:"method"`
	Input       ClassificationInput `json:"input"`
	Decision    Decision            `json:"decision"`
	Reason      string              `json:"reason"`
	RuleVersion string              `json:"rule_version"`
}
