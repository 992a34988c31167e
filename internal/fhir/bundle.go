package fhir

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/terminology"
)

// BuildBundle renders inputs as a collection Bundle with one organism
// identification and one susceptibility Observation per input. Parsing the
// result yields the same inputs.
func BuildBundle(inputs []domain.ClassificationInput) (*Bundle, error) {
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "collection",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	for _, in := range inputs {
		orgID := uuid.NewString()
		astID := uuid.NewString()

		org := organismObservation(orgID, in)
		ast := susceptibilityObservation(astID, "urn:uuid:"+orgID, in)

		for _, item := range []struct {
			id  string
			res any
		}{{orgID, org}, {astID, ast}} {
			raw, err := json.Marshal(item.res)
			if err != nil {
				return nil, fmt.Errorf("encode observation: %w", err)
			}
			b.Entry = append(b.Entry, BundleEntry{FullURL: "urn:uuid:" + item.id, Resource: raw})
		}
	}
	return b, nil
}

func organismObservation(id string, in domain.ClassificationInput) *Observation {
	value := &CodeableConcept{Text: in.Organism}
	code := in.OrganismCode
	if code == "" {
		code, _ = terminology.OrganismCode(in.Organism)
	}
	if code != "" {
		value.Coding = []Coding{{System: SystemSNOMED, Code: code, Display: in.Organism}}
	}

	obs := &Observation{
		ResourceType: "Observation",
		ID:           id,
		Status:       "final",
		Code: &CodeableConcept{
			Coding: []Coding{{System: SystemLOINC, Code: LOINCBacteriaIdentified, Display: "Bacteria identified in Specimen by Culture"}},
		},
		ValueCodeableConcept: value,
	}
	if note := featureNote(in.Features); note != "" {
		obs.Note = []Annotation{{Text: note}}
	}
	setContext(obs, in)
	return obs
}

func susceptibilityObservation(id, organismRef string, in domain.ClassificationInput) *Observation {
	code := &CodeableConcept{Text: in.Antibiotic}
	atc := in.AntibioticCode
	if atc == "" {
		atc, _ = terminology.AntibioticCode(in.Antibiotic)
	}
	display := in.Antibiotic + " [Susceptibility]"
	if atc != "" {
		code.Coding = []Coding{{System: SystemATC, Code: atc, Display: display}}
	} else {
		code.Coding = []Coding{{Display: display}}
	}

	obs := &Observation{
		ResourceType: "Observation",
		ID:           id,
		Status:       "final",
		Code:         code,
		Method: &CodeableConcept{
			Coding: []Coding{{System: SystemMethod, Code: string(in.Method)}},
		},
		DerivedFrom: []Reference{{Reference: organismRef}},
	}
	if v := in.Value(); v != nil {
		unit := "mg/L"
		if in.Method == domain.MethodDisc {
			unit = "mm"
		}
		obs.ValueQuantity = NewQuantity(*v, unit)
	}
	setContext(obs, in)
	return obs
}

func setContext(obs *Observation, in domain.ClassificationInput) {
	if in.PatientID != "" {
		obs.Subject = &Reference{Reference: "Patient/" + in.PatientID}
	}
	if in.SpecimenID != "" {
		obs.Specimen = &Reference{Reference: "Specimen/" + in.SpecimenID}
	}
}

// featureNote renders features as "key=value; key=value" in key order.
func featureNote(f domain.Features) string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := f[k].(type) {
		case bool:
			v = strconv.FormatBool(val)
		case float64:
			v = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}
