// Package repository persists audit records with database/sql.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/amrclass/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Page size limits for ListAuditRecords.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// SQLRepository implements domain.AuditRepository on SQLite or PostgreSQL.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, stmt := range AllSchemas() {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveAuditRecord inserts rec. Saving an id twice is a no-op, so
// redelivered events are harmless.
func (r *SQLRepository) SaveAuditRecord(ctx context.Context, rec *domain.AuditRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: audit record id is required", ErrInvalidInput)
	}
	if rec.Type == "" {
		return fmt.Errorf("%w: audit record type is required", ErrInvalidInput)
	}

	recorded := rec.Recorded
	if recorded.IsZero() {
		recorded = time.Now()
	}

	query := `
		INSERT INTO audit_records (
			id, request_id, type, recorded_at, outcome,
			specimen_id, patient_id, organism, antibiotic, method,
			decision, rule_version, event
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.RequestID, rec.Type, recorded.UTC().UnixNano(), rec.Outcome,
		rec.SpecimenID, rec.PatientID, rec.Organism, rec.Antibiotic, rec.Method,
		rec.Decision, rec.RuleVersion, string(rec.Event),
	)
	if err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	return nil
}

const selectAudit = `
	SELECT id, request_id, type, recorded_at, outcome,
	       specimen_id, patient_id, organism, antibiotic, method,
	       decision, rule_version, event
	FROM audit_records
`

// GetAuditRecord returns the record with id or ErrNotFound.
func (r *SQLRepository) GetAuditRecord(ctx context.Context, id string) (*domain.AuditRecord, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectAudit+" WHERE id = ?"), id)
	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListAuditRecords returns records recorded at or after since, newest
// first. limit is clamped to [1, MaxListLimit].
func (r *SQLRepository) ListAuditRecords(ctx context.Context, since time.Time, limit int) ([]*domain.AuditRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	// A zero since lists everything; its UnixNano is out of range.
	var from int64
	if !since.IsZero() {
		from = since.UTC().UnixNano()
	}

	query := selectAudit + " WHERE recorded_at >= ? ORDER BY recorded_at DESC, id LIMIT ?"
	rows, err := r.db.QueryContext(ctx, r.rebind(query), from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(s scanner) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var recorded int64
	var event string

	if err := s.Scan(
		&rec.ID, &rec.RequestID, &rec.Type, &recorded, &rec.Outcome,
		&rec.SpecimenID, &rec.PatientID, &rec.Organism, &rec.Antibiotic, &rec.Method,
		&rec.Decision, &rec.RuleVersion, &event,
	); err != nil {
		return nil, err
	}

	rec.Recorded = time.Unix(0, recorded).UTC()
	if event != "" {
		rec.Event = []byte(event)
	}
	return &rec, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	result := make([]byte, 0, len(query)+8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
			continue
		}
		result = append(result, query[i])
	}
	return string(result)
}
