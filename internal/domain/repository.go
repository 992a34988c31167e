package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AuditRepository persists audit records emitted after classification
// and ruleset reloads.
type AuditRepository interface {
	SaveAuditRecord(ctx context.Context, rec *AuditRecord) error
	GetAuditRecord(ctx context.Context, id string) (*AuditRecord, error)

	// ListAuditRecords returns records recorded at or after since, newest first.
	ListAuditRecords(ctx context.Context, since time.Time, limit int) ([]*AuditRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// Audit record types.
const (
	AuditClassification = "classification"
	AuditRulesetReload  = "ruleset_reload"
)

// AuditRecord is the flattened, queryable form of an audit event. Event
// holds the full FHIR AuditEvent document.
type AuditRecord struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id,omitempty"`
	Type        string          `json:"type"`
	Recorded    time.Time       `json:"recorded"`
	Outcome     string          `json:"outcome"`
	SpecimenID  string          `json:"specimen_id,omitempty"`
	PatientID   string          `json:"patient_id,omitempty"`
	Organism    string          `json:"organism,omitempty"`
	Antibiotic  string          `json:"antibiotic,omitempty"`
	Method      string          `json:"method,omitempty"`
	Decision    string          `json:"decision,omitempty"`
	RuleVersion string          `json:"rule_version,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	SQLitePath string `mapstructure:"sqlite_path"`

	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
