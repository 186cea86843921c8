package sqldb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
)

// WorkflowIDPlaceholder is replaced by the workflow id in tenant DSN templates.
const WorkflowIDPlaceholder = "{workflow_id}"

// EntityStoreFor returns the lead store of wf, opening and caching it on
// first use. Without a tenant DSN template every workflow shares the main
// database.
func (s *Store) EntityStoreFor(ctx context.Context, wf *domain.Workflow) (storage.EntityStore, error) {
	if s.tenantDSN == "" {
		return s.shared, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ls, ok := s.tenants[wf.ID]; ok {
		return ls, nil
	}

	dsn := TenantDSN(s.tenantDSN, wf.ID)
	if s.dialect.Name() == "sqlite" {
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	}

	ls, err := OpenLeadStore(s.dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant store for workflow %d: %w", wf.ID, err)
	}
	s.tenants[wf.ID] = ls
	return ls, nil
}

// TenantDSN expands a tenant DSN template for workflowID.
func TenantDSN(template string, workflowID int64) string {
	return strings.ReplaceAll(template, WorkflowIDPlaceholder, strconv.FormatInt(workflowID, 10))
}

// ensureSQLiteDir creates the parent directory of a plain SQLite file path.
func ensureSQLiteDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tenant database directory: %w", err)
	}
	return nil
}
