package domain

import (
	"fmt"
	"strings"
)

// ConditionKind tags the variant held by a Condition.
type ConditionKind string

const (
	// CondFeatureEquals holds when a feature is present and equal to Value.
	CondFeatureEquals ConditionKind = "feature_equals"

	// CondMethodEquals holds when the input method equals Method.
	CondMethodEquals ConditionKind = "method_equals"

	// CondValueRange holds when the measurement named by Field lies within bounds.
	CondValueRange ConditionKind = "value_range"
)

// Measurement fields addressable by a value range condition.
const (
	FieldMIC  = "mic"
	FieldDisc = "disc"
)

// Condition is a typed predicate over a ClassificationInput.
// Exactly the fields relevant to Kind are set.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// feature_equals
	Feature string `json:"feature,omitempty"`
	Value   any    `json:"value,omitempty"`

	// method_equals
	Method Method `json:"method,omitempty"`

	// value_range; bounds are inclusive unless the matching Exclusive flag is set.
	Field        string   `json:"field,omitempty"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	MinExclusive bool     `json:"min_exclusive,omitempty"`
	MaxExclusive bool     `json:"max_exclusive,omitempty"`
}

// FeatureIs builds a feature_equals condition.
func FeatureIs(feature string, value any) Condition {
	return Condition{Kind: CondFeatureEquals, Feature: feature, Value: value}
}

// MethodIs builds a method_equals condition.
func MethodIs(m Method) Condition {
	return Condition{Kind: CondMethodEquals, Method: m}
}

// DiscAtMost builds an inclusive upper bound on the disc zone.
func DiscAtMost(mm float64) Condition {
	return Condition{Kind: CondValueRange, Field: FieldDisc, Max: &mm}
}

// Matches evaluates the condition. Missing features and missing
// measurements never match.
func (c Condition) Matches(in ClassificationInput) bool {
	switch c.Kind {
	case CondFeatureEquals:
		v, ok := in.Features[c.Feature]
		if !ok {
			return false
		}
		return valuesEqual(v, c.Value)

	case CondMethodEquals:
		return in.Method == c.Method

	case CondValueRange:
		var v *float64
		switch c.Field {
		case FieldMIC:
			v = in.MIC
		case FieldDisc:
			v = in.DiscZone
		}
		if v == nil {
			return false
		}
		if c.Min != nil && (*v < *c.Min || (c.MinExclusive && *v == *c.Min)) {
			return false
		}
		if c.Max != nil && (*v > *c.Max || (c.MaxExclusive && *v == *c.Max)) {
			return false
		}
		return true

	default:
		return false
	}
}

// String renders the condition for logs and listings.
func (c Condition) String() string {
	switch c.Kind {
	case CondFeatureEquals:
		return fmt.Sprintf("features.%s == %v", c.Feature, c.Value)
	case CondMethodEquals:
		return fmt.Sprintf("method == %s", c.Method)
	case CondValueRange:
		var parts []string
		if c.Min != nil {
			op := ">="
			if c.MinExclusive {
				op = ">"
			}
			parts = append(parts, fmt.Sprintf("%s %s %g", c.Field, op, *c.Min))
		}
		if c.Max != nil {
			op := "<="
			if c.MaxExclusive {
				op = "<"
			}
			parts = append(parts, fmt.Sprintf("%s %s %g", c.Field, op, *c.Max))
		}
		return strings.Join(parts, " && ")
	default:
		return string(c.Kind)
	}
}

// AllMatch reports whether every condition holds. An empty list holds.
func AllMatch(conds []Condition, in ClassificationInput) bool {
	for _, c := range conds {
		if !c.Matches(in) {
			return false
		}
	}
	return true
}

func valuesEqual(got, want any) bool {
	switch w := want.(type) {
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case string:
		g, ok := got.(string)
		return ok && strings.EqualFold(g, w)
	case float64:
		switch g := got.(type) {
		case float64:
			return g == w
		case int:
			return float64(g) == w
		}
		return false
	default:
		return false
	}
}
