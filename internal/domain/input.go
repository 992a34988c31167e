// Package domain defines the core types and interfaces for amrclass.
package domain

import (
	"fmt"
	"math"
	"strings"
)

// Method is the laboratory technique used to measure susceptibility.
type Method string

const (
	// MethodMIC is minimum inhibitory concentration in mg/L.
	MethodMIC Method = "MIC"

	// MethodDisc is disc diffusion, measured as inhibition zone diameter in mm.
	MethodDisc Method = "DISC"
)

// ParseMethod maps MIC, DISC and DISK (any case) to a canonical Method.
func ParseMethod(s string) (Method, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MIC":
		return MethodMIC, true
	case "DISC", "DISK":
		return MethodDisc, true
	default:
		return "", false
	}
}

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	return m == MethodMIC || m == MethodDisc
}

// Well-known feature flags. Their values must be booleans.
const (
	FeatureESBL          = "esbl"
	FeatureMRSA          = "mrsa"
	FeatureVRE           = "vre"
	FeatureCarbapenemase = "carbapenemase"
	FeatureDTestPositive = "d_test_positive"
)

// KnownFeatures lists the feature keys the expert rules read.
var KnownFeatures = []string{
	FeatureESBL,
	FeatureMRSA,
	FeatureVRE,
	FeatureCarbapenemase,
	FeatureDTestPositive,
}

// Features is an open map of resistance-mechanism flags and other
// organism-level attributes. Values are bool, string or float64.
type Features map[string]any

// Bool returns the boolean value of key and whether it is present as a bool.
func (f Features) Bool(key string) (value bool, ok bool) {
	v, present := f[key]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// Normalized returns a copy with lower-cased, trimmed keys. Nil stays nil.
func (f Features) Normalized() Features {
	if f == nil {
		return nil
	}
	out := make(Features, len(f))
	for k, v := range f {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// Has reports whether key is present, regardless of type.
func (f Features) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Validate checks that every known feature key holds a boolean.
func (f Features) Validate(path string) []Issue {
	var issues []Issue
	for _, key := range KnownFeatures {
		v, ok := f[key]
		if !ok {
			continue
		}
		if _, isBool := v.(bool); !isBool {
			issues = append(issues, Issue{
				Path:    JoinPath(path, key),
				Message: fmt.Sprintf("must be a boolean, got %T", v),
			})
		}
	}
	return issues
}

// ClassificationInput is the canonical record every parser produces.
type ClassificationInput struct {
	Organism       string   `json:"organism"`
	OrganismCode   string   `json:"organism_code,omitempty"`
	Antibiotic     string   `json:"antibiotic"`
	AntibioticCode string   `json:"antibiotic_code,omitempty"`
	Method         Method   `json:"method"`
	MIC            *float64 `json:"mic_mg_L,omitempty"`
	DiscZone       *float64 `json:"disc_zone_mm,omitempty"`
	SpecimenID     string   `json:"specimen_id,omitempty"`
	PatientID      string   `json:"patient_id,omitempty"`
	Features       Features `json:"features,omitempty"`

	// ParseWarnings are data-quality notes produced during ingestion.
	ParseWarnings []string `json:"parse_warnings,omitempty"`
}

// Value returns the measurement matching the input's method.
func (in ClassificationInput) Value() *float64 {
	switch in.Method {
	case MethodMIC:
		return in.MIC
	case MethodDisc:
		return in.DiscZone
	default:
		return nil
	}
}

// Validate performs structural checks on a directly submitted input.
// Absent values are allowed; they classify to RR downstream.
func (in ClassificationInput) Validate(path string) []Issue {
	var issues []Issue
	add := func(field, msg string) {
		issues = append(issues, Issue{Path: JoinPath(path, field), Message: msg})
	}

	switch {
	case in.Method == "":
		add("method", "is required")
	case !in.Method.Valid():
		add("method", fmt.Sprintf("must be MIC or DISC, got %q", in.Method))
	}

	if in.MIC != nil && in.DiscZone != nil {
		add("", "only one of mic_mg_L and disc_zone_mm may be set")
	}
	if in.Method == MethodMIC && in.MIC == nil && in.DiscZone != nil {
		add("disc_zone_mm", "is not valid for method MIC")
	}
	if in.Method == MethodDisc && in.DiscZone == nil && in.MIC != nil {
		add("mic_mg_L", "is not valid for method DISC")
	}
	if in.MIC != nil && !validMeasurement(*in.MIC) {
		add("mic_mg_L", "must be a finite non-negative number")
	}
	if in.DiscZone != nil && !validMeasurement(*in.DiscZone) {
		add("disc_zone_mm", "must be a finite non-negative number")
	}

	issues = append(issues, in.Features.Validate(JoinPath(path, "features"))...)
	return issues
}

func validMeasurement(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
