package domain

import (
	"strings"
	"time"
)

// Range is an inclusive numeric interval.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Contains reports whether v lies within the closed interval.
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// MICBreakpoints are concentration thresholds in mg/L.
type MICBreakpoints struct {
	SusceptibleMax    *float64 `json:"susceptible_max,omitempty"`
	IntermediateRange *Range   `json:"intermediate_range,omitempty"`
	ResistantMin      *float64 `json:"resistant_min,omitempty"`
}

// DiscBreakpoints are inhibition zone thresholds in mm.
type DiscBreakpoints struct {
	SusceptibleMinZoneMM    *float64 `json:"susceptible_min_zone_mm,omitempty"`
	IntermediateRangeZoneMM *Range   `json:"intermediate_range_zone_mm,omitempty"`
	ResistantMaxZoneMM      *float64 `json:"resistant_max_zone_mm,omitempty"`
}

// Exception forces a decision when all of its conditions hold.
type Exception struct {
	// When is the expression as written in the rule file.
	When       string      `json:"when"`
	Conditions []Condition `json:"conditions"`
	Action     Decision    `json:"action"`
}

// Matches reports whether every condition holds for the input.
func (e Exception) Matches(in ClassificationInput) bool {
	return AllMatch(e.Conditions, in)
}

// Rule defines breakpoints for one organism, antibiotic and method.
type Rule struct {
	Organism       string           `json:"organism"`
	OrganismCode   string           `json:"organism_code,omitempty"`
	Antibiotic     string           `json:"antibiotic"`
	AntibioticCode string           `json:"antibiotic_code,omitempty"`
	Method         Method           `json:"method"`
	MIC            *MICBreakpoints  `json:"mic,omitempty"`
	Disc           *DiscBreakpoints `json:"disc,omitempty"`
	Version        string           `json:"version,omitempty"`
	Exceptions     []Exception      `json:"exceptions,omitempty"`

	// Source and Index locate the rule in its file.
	Source string `json:"source"`
	Index  int    `json:"index"`
}

// Key identifies the (organism, antibiotic, method) triple case-insensitively.
func (r Rule) Key() string {
	return RuleKey(r.Organism, r.Antibiotic, r.Method)
}

// RuleKey builds the lookup key used for duplicate detection.
func RuleKey(organism, antibiotic string, method Method) string {
	return strings.ToLower(organism) + "|" + strings.ToLower(antibiotic) + "|" + string(method)
}

// Ruleset is an immutable, versioned collection of rules.
type Ruleset struct {
	Version  string    `json:"version"`
	Sources  []string  `json:"sources"`
	Rules    []Rule    `json:"rules"`
	Warnings []string  `json:"warnings,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Find returns the first rule, in declaration order, whose organism and
// antibiotic equal the arguments case-insensitively and whose method is
// identical. Later duplicates are never consulted.
func (rs *Ruleset) Find(organism, antibiotic string, method Method) (*Rule, bool) {
	if rs == nil {
		return nil, false
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Method == method &&
			strings.EqualFold(r.Organism, organism) &&
			strings.EqualFold(r.Antibiotic, antibiotic) {
			return r, true
		}
	}
	return nil, false
}

// VersionFor returns the rule's own version, falling back to the ruleset's.
func (rs *Ruleset) VersionFor(r *Rule) string {
	if r != nil && r.Version != "" {
		return r.Version
	}
	if rs == nil {
		return ""
	}
	return rs.Version
}
