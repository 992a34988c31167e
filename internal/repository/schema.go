package repository

// Statements run in order on every open. Both SQLite and PostgreSQL accept
// them. recorded_at is Unix nanoseconds so ordering is driver independent.

const schemaAuditRecords = `
CREATE TABLE IF NOT EXISTS audit_records (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    recorded_at BIGINT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    specimen_id TEXT NOT NULL DEFAULT '',
    patient_id TEXT NOT NULL DEFAULT '',
    organism TEXT NOT NULL DEFAULT '',
    antibiotic TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL DEFAULT '',
    rule_version TEXT NOT NULL DEFAULT '',
    event TEXT NOT NULL DEFAULT ''
);
`

const schemaAuditIndexes = `
CREATE INDEX IF NOT EXISTS idx_audit_records_recorded ON audit_records(recorded_at);
CREATE INDEX IF NOT EXISTS idx_audit_records_specimen ON audit_records(specimen_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_request ON audit_records(request_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAuditRecords,
		schemaAuditIndexes,
	}
}
