package sqldb

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/dialect"
)

func newMockLeadStore(t *testing.T) (*LeadStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := dialect.New(dialect.Postgres)
	require.NoError(t, err)
	return NewLeadStoreFromDB(sqlx.NewDb(db, "postgres"), d), mock
}

func TestLeadStore_WithTxRollbackOnFieldFailure(t *testing.T) {
	ls, mock := newMockLeadStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3")).
		WithArgs("CONVERTED", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lead_fields")).
		WithArgs(int64(7), "phone", "+7 900", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	status := "CONVERTED"
	err := ls.WithTx(ctx, func(tx storage.EntityTx) error {
		if err := tx.UpdateLead(ctx, 7, domain.LeadUpdate{Status: &status}); err != nil {
			return err
		}
		return tx.UpsertLeadField(ctx, 7, "phone", "+7 900")
	})

	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadStore_WithTxCommits(t *testing.T) {
	ls, mock := newMockLeadStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO lead_fields (lead_id, field_name, field_value, created_at, updated_at)")).
		WithArgs(int64(3), "comment", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ls.WithTx(ctx, func(tx storage.EntityTx) error {
		return tx.UpsertLeadField(ctx, 3, "comment", "")
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadStore_UpdateLeadNoChanges(t *testing.T) {
	ls, mock := newMockLeadStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := ls.WithTx(ctx, func(tx storage.EntityTx) error {
		return tx.UpdateLead(ctx, 3, domain.LeadUpdate{})
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadStore_ClearAssignee(t *testing.T) {
	ls, mock := newMockLeadStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leads SET assigned_by_name = NULL, updated_at = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := ls.WithTx(ctx, func(tx storage.EntityTx) error {
		return tx.UpdateLead(ctx, 9, domain.LeadUpdate{ClearAssignedByName: true})
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
