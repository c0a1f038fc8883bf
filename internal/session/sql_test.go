package session

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/research"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func TestSQLStoreUpdateLocksRowOnPostgres(t *testing.T) {
	st, mock := newMockStore(t)
	sess := research.NewSession("s-1", "topic", "alice", time.Now())
	doc, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT document FROM research_sessions WHERE id = $1 FOR UPDATE`)).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_sessions SET document = $1, status = $2, updated_at = $3 WHERE id = $4`)).
		WithArgs(sqlmock.AnyArg(), "planning", sqlmock.AnyArg(), "s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := st.Update(context.Background(), "s-1", func(s *research.Session) error {
		return s.Transition(research.StatusPlanning, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, research.StatusPlanning, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpdateMissingRollsBack(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT document FROM research_sessions WHERE id = $1 FOR UPDATE`)).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))
	mock.ExpectRollback()

	_, err := st.Update(context.Background(), "gone", func(*research.Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRejectedMutationRollsBack(t *testing.T) {
	st, mock := newMockStore(t)
	sess := research.NewSession("s-2", "topic", "alice", time.Now())
	doc, _ := json.Marshal(sess)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT document FROM research_sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectRollback()

	_, err := st.Update(context.Background(), "s-2", func(s *research.Session) error {
		return s.Transition(research.StatusCompleted, time.Now())
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreDelete(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM research_sessions WHERE id = $1`)).
		WithArgs("s-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.Delete(context.Background(), "s-3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
