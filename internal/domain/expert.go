package domain

// ExpertRule overrides a breakpoint decision from organism-level knowledge.
// Lower Priority is evaluated first.
type ExpertRule struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	OrganismPatterns   []string    `json:"organism_patterns"`
	AntibioticPatterns []string    `json:"antibiotic_patterns"`
	Conditions         []Condition `json:"conditions,omitempty"`
	Action             Decision    `json:"action"`
	Priority           int         `json:"priority"`
	Note               string      `json:"note"`
}
