package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/dialect"
)

// LeadStore holds the leads and lead fields of one tenant.
type LeadStore struct {
	db      *sqlx.DB
	dialect dialect.Dialect

	// owned is set when the store opened db itself and must close it.
	owned bool
}

var _ storage.EntityStore = (*LeadStore)(nil)

// OpenLeadStore opens a dedicated tenant database and initializes its schema.
func OpenLeadStore(driver, dsn string) (*LeadStore, error) {
	db, d, err := open(driver, dsn)
	if err != nil {
		return nil, err
	}

	ls := &LeadStore{db: db, dialect: d, owned: true}
	if err := ls.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize lead schema: %w", err)
	}
	return ls, nil
}

// NewLeadStoreFromDB wraps an existing connection without touching its schema.
func NewLeadStoreFromDB(db *sqlx.DB, d dialect.Dialect) *LeadStore {
	return &LeadStore{db: db, dialect: d}
}

// Close closes the database if the store owns it.
func (s *LeadStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *LeadStore) initSchema() error {
	d := s.dialect
	statements := []string{
		`CREATE TABLE IF NOT EXISTS leads (
id ` + d.AutoIncrementClause() + `,
workflow_id BIGINT NOT NULL,
bitrix24_lead_id BIGINT NOT NULL,
status TEXT NOT NULL DEFAULT '',
status_semantic_id TEXT,
assigned_by_name TEXT,
created_at ` + d.TimestampType() + ` NOT NULL,
updated_at ` + d.TimestampType() + ` NOT NULL,
UNIQUE (workflow_id, bitrix24_lead_id)
)`,
		`CREATE TABLE IF NOT EXISTS lead_fields (
id ` + d.AutoIncrementClause() + `,
lead_id BIGINT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
field_name TEXT NOT NULL,
field_value TEXT NOT NULL,
created_at ` + d.TimestampType() + ` NOT NULL,
updated_at ` + d.TimestampType() + ` NOT NULL,
UNIQUE (lead_id, field_name)
)`,
		`CREATE INDEX IF NOT EXISTS idx_lead_fields_lead ON lead_fields(lead_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(d.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return runMigrations(s.db, d, []migration{
		{"leads", "assigned_by_name", "ALTER TABLE leads ADD COLUMN assigned_by_name TEXT"},
		{"leads", "status_semantic_id", "ALTER TABLE leads ADD COLUMN status_semantic_id TEXT"},
	})
}

// LeadByRemoteID returns the lead mirroring remoteID within a workflow.
func (s *LeadStore) LeadByRemoteID(ctx context.Context, workflowID, remoteID int64) (*domain.Lead, error) {
	query := s.dialect.Rebind(`SELECT id, workflow_id, bitrix24_lead_id, status, status_semantic_id,
	          assigned_by_name, created_at, updated_at
	          FROM leads WHERE workflow_id = ? AND bitrix24_lead_id = ?`)

	var lead domain.Lead
	err := s.db.GetContext(ctx, &lead, query, workflowID, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return &lead, nil
}

// CreateLead inserts lead and sets its ID and timestamps.
func (s *LeadStore) CreateLead(ctx context.Context, lead *domain.Lead) error {
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	query := s.dialect.Rebind(`INSERT INTO leads
	          (workflow_id, bitrix24_lead_id, status, status_semantic_id, assigned_by_name, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		lead.WorkflowID, lead.RemoteID, lead.Status, lead.StatusSemanticID, lead.AssignedByName,
		lead.CreatedAt, lead.UpdatedAt).Scan(&lead.ID)
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// LeadFields returns the stored field values of a lead.
func (s *LeadStore) LeadFields(ctx context.Context, leadID int64) (map[string]string, error) {
	query := s.dialect.Rebind(`SELECT id, lead_id, field_name, field_value
	          FROM lead_fields WHERE lead_id = ? ORDER BY id ASC`)

	var rows []domain.LeadField
	if err := s.db.SelectContext(ctx, &rows, query, leadID); err != nil {
		return nil, fmt.Errorf("failed to list lead fields: %w", err)
	}

	fields := make(map[string]string, len(rows))
	for _, f := range rows {
		fields[f.FieldName] = f.FieldValue
	}
	return fields, nil
}

// WithTx runs fn inside a transaction.
func (s *LeadStore) WithTx(ctx context.Context, fn func(storage.EntityTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&leadTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type leadTx struct {
	tx      *sqlx.Tx
	dialect dialect.Dialect
}

func (t *leadTx) UpdateLead(ctx context.Context, leadID int64, u domain.LeadUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.StatusSemanticID != nil {
		sets = append(sets, "status_semantic_id = ?")
		args = append(args, *u.StatusSemanticID)
	}
	switch {
	case u.AssignedByName != nil:
		sets = append(sets, "assigned_by_name = ?")
		args = append(args, *u.AssignedByName)
	case u.ClearAssignedByName:
		sets = append(sets, "assigned_by_name = NULL")
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), leadID)

	query := t.dialect.Rebind(`UPDATE leads SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *leadTx) UpsertLeadField(ctx context.Context, leadID int64, fieldName, value string) error {
	now := time.Now().UTC()
	query := t.dialect.Rebind(`INSERT INTO lead_fields (lead_id, field_name, field_value, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?) ` +
		t.dialect.UpsertClause([]string{"lead_id", "field_name"}, []string{"field_value", "updated_at"}))

	if _, err := t.tx.ExecContext(ctx, query, leadID, fieldName, value, now, now); err != nil {
		return fmt.Errorf("failed to upsert lead field %q: %w", fieldName, err)
	}
	return nil
}
