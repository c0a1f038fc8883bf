package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/research"
)

// SQLStore keeps sessions in the research_sessions table, one JSON document
// per row. It runs on Postgres (lib/pq) and SQLite (go-sqlite3); the driver
// name of db selects the placeholder style.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    Clock
}

// NewSQLStore returns a store over db. The schema is expected to exist
// (see db.Migrate), except for SQLite where EnsureSchema can create it.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger, now: time.Now}
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS research_sessions (
	id TEXT PRIMARY KEY,
	requester TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	document TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_sessions_requester ON research_sessions (requester, created_at DESC);`

// EnsureSchema creates the table on SQLite. Postgres schemas are managed by
// migrations and this is a no-op there.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if s.isPostgres() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// WithClock overrides the time source.
func (s *SQLStore) WithClock(c Clock) *SQLStore {
	s.now = c
	return s
}

// DB returns the underlying handle for health checks.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) isPostgres() bool {
	return strings.Contains(s.db.DriverName(), "postgres") || s.db.DriverName() == "pgx"
}

func (s *SQLStore) Create(ctx context.Context, topic, requester string) (*research.Session, error) {
	sess := research.NewSession(newID(), strings.TrimSpace(topic), requester, s.now())
	data, err := encode(sess)
	if err != nil {
		return nil, err
	}
	q := s.db.Rebind(`INSERT INTO research_sessions (id, requester, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, sess.ID, requester, string(sess.Status), string(data), sess.CreatedAt, sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return decode(data)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*research.Session, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, s.db.Rebind(`SELECT document FROM research_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decode(doc)
}

func (s *SQLStore) List(ctx context.Context, requester string, limit int) ([]*research.Session, error) {
	limit = normalizeLimit(limit)
	var (
		docs [][]byte
		err  error
	)
	if requester == "" {
		err = s.db.SelectContext(ctx, &docs, s.db.Rebind(
			`SELECT document FROM research_sessions ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &docs, s.db.Rebind(
			`SELECT document FROM research_sessions WHERE requester = ? ORDER BY created_at DESC, id DESC LIMIT ?`), requester, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return decodeAll(docs)
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*research.Session, error) {
	var docs [][]byte
	q := s.db.Rebind(`SELECT document FROM research_sessions WHERE status NOT IN (?, ?) ORDER BY created_at DESC, id DESC`)
	if err := s.db.SelectContext(ctx, &docs, q, string(research.StatusCompleted), string(research.StatusFailed)); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return decodeAll(docs)
}

func decodeAll(docs [][]byte) ([]*research.Session, error) {
	out := make([]*research.Session, 0, len(docs))
	for _, d := range docs {
		sess, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM research_sessions WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn MutateFunc) (*research.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := `SELECT document FROM research_sessions WHERE id = ?`
	if s.isPostgres() {
		q += ` FOR UPDATE`
	}
	var doc []byte
	err = tx.GetContext(ctx, &doc, tx.Rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	sess, err := decode(doc)
	if err != nil {
		return nil, err
	}
	if err := apply(sess, s.now(), fn); err != nil {
		return nil, err
	}
	out, err := encode(sess)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE research_sessions SET document = ?, status = ?, updated_at = ? WHERE id = ?`),
		string(out), string(sess.Status), sess.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return decode(out)
}

func (s *SQLStore) AppendUpdate(ctx context.Context, id string, u research.Update) (research.Update, error) {
	var stored research.Update
	if _, err := s.Update(ctx, id, appendFn(u, s.now(), &stored)); err != nil {
		return research.Update{}, err
	}
	return stored, nil
}

func (s *SQLStore) Updates(ctx context.Context, id string) ([]research.Update, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Updates, nil
}
