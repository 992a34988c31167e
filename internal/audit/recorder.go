// Package audit publishes classification and reload audit events and
// converts them to repository records.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/fhir"
	"github.com/opensource-finance/amrclass/internal/rules"
)

// FHIR AuditEvent outcome codes.
const (
	OutcomeSuccess        = "0"
	OutcomeSeriousFailure = "8"
)

// ReloadEvent describes one ruleset reload attempt.
type ReloadEvent struct {
	ID              string   `json:"id"`
	Recorded        string   `json:"recorded"`
	Source          string   `json:"source"`
	Outcome         string   `json:"outcome"`
	Version         string   `json:"version,omitempty"`
	PreviousVersion string   `json:"previous_version,omitempty"`
	Rules           int      `json:"rules"`
	Warnings        []string `json:"warnings,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Recorder publishes audit events to the bus. A disabled recorder is a
// no-op.
type Recorder struct {
	bus     domain.EventBus
	source  string
	enabled bool
	now     func() time.Time
}

// NewRecorder creates a recorder. A nil bus disables recording.
func NewRecorder(bus domain.EventBus, cfg domain.AuditConfig) *Recorder {
	source := cfg.Source
	if source == "" {
		source = "amrclass"
	}
	return &Recorder{
		bus:     bus,
		source:  source,
		enabled: cfg.Enabled && bus != nil,
		now:     time.Now,
	}
}

// Enabled reports whether events are published.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// Record publishes one AuditEvent per result on the classification topic.
func (r *Recorder) Record(ctx context.Context, requestID string, results []domain.ClassificationResult) error {
	if !r.Enabled() {
		return nil
	}

	var errs []error
	recorded := r.now()
	for _, res := range results {
		ev := fhir.NewClassificationAuditEvent(uuid.NewString(), requestID, r.source, recorded, res)
		payload, err := json.Marshal(ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode audit event: %w", err))
			continue
		}
		if err := r.bus.Publish(ctx, domain.TopicAuditClassification, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish audit event %s: %w", ev.ID, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		slog.WarnContext(ctx, "audit publish failed",
			"request_id", requestID,
			"results", len(results),
			"error", err,
		)
	}
	return err
}

// RecordReload publishes the outcome of a reload. active is the version
// still serving when the reload failed.
func (r *Recorder) RecordReload(ctx context.Context, res *rules.ReloadResult, active string, reloadErr error) error {
	if !r.Enabled() {
		return nil
	}

	ev := ReloadEvent{
		ID:       uuid.NewString(),
		Recorded: r.now().UTC().Format(time.RFC3339Nano),
		Source:   r.source,
		Outcome:  OutcomeSuccess,
	}
	if reloadErr != nil {
		ev.Outcome = OutcomeSeriousFailure
		ev.Version = active
		ev.Error = reloadErr.Error()
	}
	if res != nil {
		ev.Version = res.Version
		ev.PreviousVersion = res.Previous
		ev.Rules = res.Rules
		ev.Warnings = res.Warnings
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode reload event: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.TopicRulesetReloaded, payload); err != nil {
		slog.WarnContext(ctx, "reload audit publish failed", "error", err)
		return fmt.Errorf("publish reload event: %w", err)
	}
	return nil
}

// ClassificationRecord flattens a published AuditEvent into a record.
func ClassificationRecord(payload []byte) (*domain.AuditRecord, error) {
	var ev fhir.AuditEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode audit event: %w", err)
	}
	if ev.ResourceType != "AuditEvent" || ev.ID == "" {
		return nil, fmt.Errorf("not an AuditEvent: resourceType=%q id=%q", ev.ResourceType, ev.ID)
	}

	rec := &domain.AuditRecord{
		ID:          ev.ID,
		RequestID:   ev.DetailValue(fhir.DetailRequestID),
		Type:        domain.AuditClassification,
		Outcome:     ev.Outcome,
		Organism:    ev.DetailValue(fhir.DetailOrganism),
		Antibiotic:  ev.DetailValue(fhir.DetailAntibiotic),
		Method:      ev.DetailValue(fhir.DetailMethod),
		Decision:    ev.DetailValue(fhir.DetailDecision),
		RuleVersion: ev.DetailValue(fhir.DetailRuleVersion),
		Event:       json.RawMessage(payload),
	}
	if t, err := time.Parse(time.RFC3339Nano, ev.Recorded); err == nil {
		rec.Recorded = t
	}
	for _, e := range ev.Entity {
		if e.What == nil {
			continue
		}
		switch {
		case strings.HasPrefix(e.What.Reference, "Patient/"):
			rec.PatientID = strings.TrimPrefix(e.What.Reference, "Patient/")
		case strings.HasPrefix(e.What.Reference, "Specimen/"):
			rec.SpecimenID = strings.TrimPrefix(e.What.Reference, "Specimen/")
		}
	}
	return rec, nil
}

// ReloadRecord flattens a published ReloadEvent into a record.
func ReloadRecord(payload []byte) (*domain.AuditRecord, error) {
	var ev ReloadEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode reload event: %w", err)
	}
	if ev.ID == "" {
		return nil, errors.New("reload event has no id")
	}

	rec := &domain.AuditRecord{
		ID:          ev.ID,
		Type:        domain.AuditRulesetReload,
		Outcome:     ev.Outcome,
		RuleVersion: ev.Version,
		Event:       json.RawMessage(payload),
	}
	if t, err := time.Parse(time.RFC3339Nano, ev.Recorded); err == nil {
		rec.Recorded = t
	}
	return rec, nil
}
