package fhir

import (
	"time"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// AuditEvent is the FHIR R4 AuditEvent subset recorded per classification.
type AuditEvent struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Type         Coding        `json:"type"`
	Subtype      []Coding      `json:"subtype,omitempty"`
	Action       string        `json:"action"`
	Recorded     string        `json:"recorded"`
	Outcome      string        `json:"outcome"`
	OutcomeDesc  string        `json:"outcomeDesc,omitempty"`
	Agent        []AuditAgent  `json:"agent"`
	Source       AuditSource   `json:"source"`
	Entity       []AuditEntity `json:"entity,omitempty"`
}

// AuditAgent is an actor taking part in the event.
type AuditAgent struct {
	Who       *Reference `json:"who,omitempty"`
	Requestor bool       `json:"requestor"`
}

// AuditSource names the system reporting the event.
type AuditSource struct {
	Observer Reference `json:"observer"`
}

// AuditEntity is data involved in the event.
type AuditEntity struct {
	What   *Reference    `json:"what,omitempty"`
	Type   *Coding       `json:"type,omitempty"`
	Detail []AuditDetail `json:"detail,omitempty"`
}

// AuditDetail is a tagged value.
type AuditDetail struct {
	Type        string `json:"type"`
	ValueString string `json:"valueString"`
}

// Entity detail keys.
const (
	DetailOrganism    = "organism"
	DetailAntibiotic  = "antibiotic"
	DetailMethod      = "method"
	DetailDecision    = "decision"
	DetailRuleVersion = "rule_version"
	DetailRequestID   = "request_id"
)

// NewClassificationAuditEvent records one classification result as a
// RESTful query event with a successful outcome.
func NewClassificationAuditEvent(id, requestID, source string, recorded time.Time, r domain.ClassificationResult) AuditEvent {
	ev := AuditEvent{
		ResourceType: "AuditEvent",
		ID:           id,
		Type: Coding{
			System:  "http://terminology.hl7.org/CodeSystem/audit-event-type",
			Code:    "rest",
			Display: "RESTful Operation",
		},
		Subtype: []Coding{{
			System:  "http://dicom.nema.org/resources/ontology/DCM",
			Code:    "110112",
			Display: "Query",
		}},
		Action:      "E",
		Recorded:    recorded.UTC().Format(time.RFC3339Nano),
		Outcome:     "0",
		OutcomeDesc: r.Reason,
		Agent:       []AuditAgent{{Who: &Reference{Display: source}, Requestor: true}},
		Source:      AuditSource{Observer: Reference{Display: source}},
	}

	detail := []AuditDetail{
		{Type: DetailOrganism, ValueString: r.Organism},
		{Type: DetailAntibiotic, ValueString: r.Antibiotic},
		{Type: DetailMethod, ValueString: string(r.Method)},
		{Type: DetailDecision, ValueString: string(r.Decision)},
		{Type: DetailRuleVersion, ValueString: r.RuleVersion},
	}
	if requestID != "" {
		detail = append(detail, AuditDetail{Type: DetailRequestID, ValueString: requestID})
	}
	ev.Entity = append(ev.Entity, AuditEntity{
		Type:   &Coding{System: "http://terminology.hl7.org/CodeSystem/audit-entity-type", Code: "2", Display: "System Object"},
		Detail: detail,
	})

	if r.Input.PatientID != "" {
		ev.Entity = append(ev.Entity, AuditEntity{
			What: &Reference{Reference: "Patient/" + r.Input.PatientID},
			Type: &Coding{System: "http://terminology.hl7.org/CodeSystem/audit-entity-type", Code: "1", Display: "Person"},
		})
	}
	if r.SpecimenID != "" {
		ev.Entity = append(ev.Entity, AuditEntity{
			What: &Reference{Reference: "Specimen/" + r.SpecimenID},
		})
	}
	return ev
}

// DetailValue returns the first entity detail with the given type.
func (ev AuditEvent) DetailValue(key string) string {
	for _, e := range ev.Entity {
		for _, d := range e.Detail {
			if d.Type == key {
				return d.ValueString
			}
		}
	}
	return ""
}
