package fhir

import (
	"fmt"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// issues collects validation problems for one payload.
type issues []domain.Issue

func (is *issues) add(path, format string, args ...any) {
	*is = append(*is, domain.Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is issues) err() error {
	if len(is) == 0 {
		return nil
	}
	return &domain.ValidationError{Kind: string(domain.FormatFHIR), Issues: is}
}

func validateBundle(b *Bundle, out *issues) {
	switch {
	case b.Type == "":
		out.add("type", "is required")
	case !bundleTypes[b.Type]:
		out.add("type", "unknown bundle type %q", b.Type)
	}
}

func validateObservation(path string, obs *Observation, out *issues) {
	switch {
	case obs.Status == "":
		out.add(domain.JoinPath(path, "status"), "is required")
	case !observationStatuses[obs.Status]:
		out.add(domain.JoinPath(path, "status"), "unknown observation status %q", obs.Status)
	}
	if obs.Code == nil || (len(obs.Code.Coding) == 0 && obs.Code.Text == "") {
		out.add(domain.JoinPath(path, "code"), "is required")
	}
	if obs.ValueQuantity.HasValue() {
		if _, err := obs.ValueQuantity.Number(); err != nil {
			out.add(domain.JoinPath(path, "valueQuantity.value"), "%s", err.Error())
		}
	}
}
