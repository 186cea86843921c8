// Package sqldb implements the storage ports on top of sqlx with pluggable
// SQL dialects (SQLite via modernc.org/sqlite, PostgreSQL via lib/pq).
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/dialect"
)

// Store is the main database: workflows and their field mappings. It also
// hands out the per-tenant lead stores.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect

	// tenantDSN is a DSN template containing {workflow_id}. Empty means
	// leads live in the main database.
	tenantDSN string

	mu      sync.Mutex
	shared  *LeadStore
	tenants map[int64]*LeadStore
}

var (
	_ storage.WorkflowStore       = (*Store)(nil)
	_ storage.WorkflowWriter      = (*Store)(nil)
	_ storage.EntityStoreProvider = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver    string // Driver name: sqlite, postgres
	DSN       string // Data source name / connection string
	TenantDSN string // Optional per-tenant DSN template with {workflow_id}
}

// New opens the main database and initializes its schema.
func New(cfg Config) (*Store, error) {
	db, d, err := open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:        db,
		dialect:   d,
		tenantDSN: cfg.TenantDSN,
		tenants:   make(map[int64]*LeadStore),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.TenantDSN == "" {
		shared := &LeadStore{db: db, dialect: d}
		if err := shared.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize lead schema: %w", err)
		}
		store.shared = shared
	}

	return store, nil
}

// NewSQLite creates a SQLite store that keeps leads in the same database.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

func open(driver, dsn string) (*sqlx.DB, dialect.Dialect, error) {
	d, err := dialect.FromDriverName(driver)
	if err != nil {
		return nil, nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	return db, d, nil
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes every opened tenant database and the main database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, ls := range s.tenants {
		if err := ls.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %d: %w", id, err))
		}
		delete(s.tenants, id)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
id ` + d.AutoIncrementClause() + `,
name TEXT NOT NULL,
bitrix24_domain TEXT NOT NULL,
bitrix24_webhook_url TEXT NOT NULL,
app_token TEXT,
user_id BIGINT NOT NULL DEFAULT 0,
created_at ` + d.TimestampType() + ` NOT NULL DEFAULT ` + d.CurrentTimestamp() + `
)`,
		`CREATE TABLE IF NOT EXISTS workflow_field_mappings (
id ` + d.AutoIncrementClause() + `,
workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
field_name TEXT NOT NULL,
bitrix24_field_id TEXT NOT NULL,
entity_type TEXT NOT NULL,
update_on_event ` + d.BooleanType() + ` NOT NULL DEFAULT ` + s.boolLiteral(false) + `,
created_at ` + d.TimestampType() + ` NOT NULL DEFAULT ` + d.CurrentTimestamp() + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_domain ON workflows(bitrix24_domain)`,
		`CREATE INDEX IF NOT EXISTS idx_field_mappings_workflow ON workflow_field_mappings(workflow_id, entity_type)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Databases created before token checks and event-driven updates
	// existed lack these columns.
	return runMigrations(s.db, s.dialect, []migration{
		{"workflows", "app_token", "ALTER TABLE workflows ADD COLUMN app_token TEXT"},
		{"workflow_field_mappings", "update_on_event",
			"ALTER TABLE workflow_field_mappings ADD COLUMN update_on_event " + d.BooleanType() + " NOT NULL DEFAULT " + s.boolLiteral(false)},
	})
}

func (s *Store) boolLiteral(v bool) string {
	if s.dialect.BooleanType() == "BOOLEAN" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

type migration struct {
	table  string
	column string
	ddl    string
}

func runMigrations(db *sqlx.DB, d dialect.Dialect, migrations []migration) error {
	for _, m := range migrations {
		exists, err := columnExists(db, d, m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := db.Exec(d.Rebind(m.ddl)); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func columnExists(db *sqlx.DB, d dialect.Dialect, table, column string) (bool, error) {
	var count int
	err := db.QueryRow(d.Rebind(d.ColumnExistsQuery()), table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// WorkflowByDomain returns the oldest workflow registered for domain.
func (s *Store) WorkflowByDomain(ctx context.Context, domainName string) (*domain.Workflow, error) {
	query := s.dialect.Rebind(`SELECT id, name, bitrix24_domain, bitrix24_webhook_url,
	          COALESCE(app_token, '') AS app_token, user_id
	          FROM workflows WHERE bitrix24_domain = ?
	          ORDER BY id ASC LIMIT 1`)

	var wf domain.Workflow
	err := s.db.GetContext(ctx, &wf, query, domainName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &wf, nil
}

// FieldMappings returns the mappings of a workflow for kind, ordered by id.
func (s *Store) FieldMappings(ctx context.Context, workflowID int64, kind domain.EntityKind, updateOnEventOnly bool) ([]domain.FieldMapping, error) {
	query := `SELECT id, workflow_id, entity_type, bitrix24_field_id, field_name, update_on_event
	          FROM workflow_field_mappings
	          WHERE workflow_id = ? AND entity_type = ?`
	args := []any{workflowID, string(kind)}
	if updateOnEventOnly {
		query += ` AND update_on_event = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id ASC`

	var mappings []domain.FieldMapping
	if err := s.db.SelectContext(ctx, &mappings, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list field mappings: %w", err)
	}
	return mappings, nil
}

// CreateWorkflow inserts wf and sets its ID.
func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	var token sql.NullString
	if wf.AppToken != "" {
		token = sql.NullString{String: wf.AppToken, Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO workflows (name, bitrix24_domain, bitrix24_webhook_url, app_token, user_id, created_at)
	          VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		wf.Name, wf.Domain, wf.WebhookURL, token, wf.OwnerID, time.Now().UTC()).Scan(&wf.ID)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// CreateFieldMapping inserts m and sets its ID.
func (s *Store) CreateFieldMapping(ctx context.Context, m *domain.FieldMapping) error {
	query := s.dialect.Rebind(`INSERT INTO workflow_field_mappings
	          (workflow_id, field_name, bitrix24_field_id, entity_type, update_on_event, created_at)
	          VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		m.WorkflowID, m.FieldName, m.RemoteFieldID, string(m.EntityType), m.UpdateOnEvent, time.Now().UTC()).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create field mapping: %w", err)
	}
	return nil
}
