// Package fhir reads and writes the subset of FHIR R4 JSON used for
// antimicrobial susceptibility reporting.
package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Resource carries the fields common to every resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

// Bundle is a container for a collection of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource. The resource is kept raw and decoded by
// type once the resourceType is known.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// Coding is a code from a code system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a set of codings plus free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// CodeIn returns the first code from system.
func (c *CodeableConcept) CodeIn(system string) (Coding, bool) {
	if c == nil {
		return Coding{}, false
	}
	for _, coding := range c.Coding {
		if coding.System == system && coding.Code != "" {
			return coding, true
		}
	}
	return Coding{}, false
}

// Reference points at another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Identifier is a business identifier.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Quantity is a measured amount. Value is raw so a non-numeric value can be
// reported as a validation issue instead of a decode failure.
type Quantity struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Unit   string          `json:"unit,omitempty"`
	System string          `json:"system,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// NewQuantity builds a UCUM quantity.
func NewQuantity(value float64, unit string) *Quantity {
	return &Quantity{
		Value:  json.RawMessage(strconv.FormatFloat(value, 'f', -1, 64)),
		Unit:   unit,
		System: "http://unitsofmeasure.org",
		Code:   unit,
	}
}

// HasValue reports whether a value was given.
func (q *Quantity) HasValue() bool {
	return q != nil && len(bytes.TrimSpace(q.Value)) > 0 && string(bytes.TrimSpace(q.Value)) != "null"
}

// Number decodes the value. Only JSON numbers are accepted.
func (q *Quantity) Number() (float64, error) {
	var n json.Number
	raw := bytes.TrimSpace(q.Value)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, fmt.Errorf("must be numeric, got %s", raw)
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("must be numeric, got %s", raw)
	}
	return n.Float64()
}

// UnitText returns the unit, preferring the coded form.
func (q *Quantity) UnitText() string {
	if q == nil {
		return ""
	}
	if q.Code != "" {
		return q.Code
	}
	return q.Unit
}

// Annotation is a text note.
type Annotation struct {
	Text string `json:"text"`
}

// Observation is a measurement or assertion about a subject.
type Observation struct {
	ResourceType         string            `json:"resourceType"`
	ID                   string            `json:"id,omitempty"`
	Status               string            `json:"status,omitempty"`
	Category             []CodeableConcept `json:"category,omitempty"`
	Code                 *CodeableConcept  `json:"code,omitempty"`
	Subject              *Reference        `json:"subject,omitempty"`
	Specimen             *Reference        `json:"specimen,omitempty"`
	Method               *CodeableConcept  `json:"method,omitempty"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	ValueString          string            `json:"valueString,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
	Note                 []Annotation      `json:"note,omitempty"`
	DerivedFrom          []Reference       `json:"derivedFrom,omitempty"`
	HasMember            []Reference       `json:"hasMember,omitempty"`
}

// Specimen is the sample an observation was made on.
type Specimen struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Subject      *Reference       `json:"subject,omitempty"`
}

// Code systems and codes used when reading and writing observations.
const (
	SystemLOINC  = "http://loinc.org"
	SystemSNOMED = "http://snomed.info/sct"
	SystemATC    = "http://www.whocc.no/atc"
	SystemUCUM   = "http://unitsofmeasure.org"
	SystemMethod = "http://terminology.hl7.org/CodeSystem/v3-ObservationMethod"

	LOINCBacteriaIdentified = "634-6"
)

// organismCodes are LOINC codes for organism identification results.
var organismCodes = map[string]bool{
	LOINCBacteriaIdentified: true,
	"11475-1":               true,
	"43409-2":               true,
}

// observationStatuses are the R4 ObservationStatus values.
var observationStatuses = map[string]bool{
	"registered":       true,
	"preliminary":      true,
	"final":            true,
	"amended":          true,
	"corrected":        true,
	"cancelled":        true,
	"entered-in-error": true,
	"unknown":          true,
}

// bundleTypes are the R4 BundleType values.
var bundleTypes = map[string]bool{
	"document":             true,
	"message":              true,
	"transaction":          true,
	"transaction-response": true,
	"batch":                true,
	"batch-response":       true,
	"history":              true,
	"searchset":            true,
	"collection":           true,
}
