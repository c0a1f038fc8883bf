package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/research"
)

// steppingClock advances one second per call so creation order is unambiguous.
func steppingClock() Clock {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n int64
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Second)
	}
}

type storeFactory func(t *testing.T) Store

func newMemory(t *testing.T) Store {
	return NewMemoryStore().WithClock(steppingClock())
}

func newRedis(t *testing.T) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st, err := NewRedisStore(context.Background(), client, zap.NewNop())
	require.NoError(t, err)
	return st.WithClock(steppingClock())
}

func newSQLite(t *testing.T) Store {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	st := NewSQLStore(db, zap.NewNop()).WithClock(steppingClock())
	require.NoError(t, st.EnsureSchema(context.Background()))
	return st
}

func TestStores(t *testing.T) {
	factories := map[string]storeFactory{
		"memory": newMemory,
		"redis":  newRedis,
		"sqlite": newSQLite,
	}
	for name, f := range factories {
		f := f
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) { testCreateGet(t, f(t)) })
			t.Run("update validates", func(t *testing.T) { testUpdateValidates(t, f(t)) })
			t.Run("terminal is frozen", func(t *testing.T) { testTerminalFrozen(t, f(t)) })
			t.Run("concurrent appends", func(t *testing.T) { testConcurrentAppends(t, f(t)) })
			t.Run("delete", func(t *testing.T) { testDelete(t, f(t)) })
			t.Run("list", func(t *testing.T) { testList(t, f(t)) })
		})
	}
}

func testCreateGet(t *testing.T, st Store) {
	ctx := context.Background()
	s, err := st.Create(ctx, "  solid state batteries ", "alice")
	require.NoError(t, err)
	assert.Equal(t, "solid state batteries", s.Topic)
	assert.Equal(t, research.StatusPending, s.Status)
	assert.Empty(t, s.Sections)

	a, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	b, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.Equal(t, string(ja), string(jb), "reads without writes are identical")

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func testUpdateValidates(t *testing.T, st Store) {
	ctx := context.Background()
	s, err := st.Create(ctx, "topic", "u")
	require.NoError(t, err)

	_, err = st.Update(ctx, s.ID, func(s *research.Session) error {
		return s.Transition(research.StatusResearching, time.Now())
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// An invariant violation is rejected and nothing is persisted.
	_, err = st.Update(ctx, s.ID, func(s *research.Session) error {
		s.Status = research.StatusResearching
		return nil
	})
	assert.ErrorIs(t, err, research.ErrInvariant)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusPending, got.Status)

	updated, err := st.Update(ctx, s.ID, func(s *research.Session) error {
		if err := s.Transition(research.StatusPlanning, time.Now()); err != nil {
			return err
		}
		return s.SetPlan(research.Plan{Sections: []string{"A", "B"}, EstimatedSources: 15})
	})
	require.NoError(t, err)
	assert.Equal(t, research.StatusPlanning, updated.Status)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))
}

func testTerminalFrozen(t *testing.T, st Store) {
	ctx := context.Background()
	s, err := st.Create(ctx, "topic", "u")
	require.NoError(t, err)

	_, err = st.Update(ctx, s.ID, func(s *research.Session) error {
		return s.Fail("approval timeout", time.Now())
	})
	require.NoError(t, err)

	_, err = st.Update(ctx, s.ID, func(s *research.Session) error { return nil })
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = st.AppendUpdate(ctx, s.ID, research.Update{Agent: research.RoleSystem, Action: "late"})
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusFailed, got.Status)
	assert.Equal(t, "approval timeout", got.FailureReason)
	assert.NotNil(t, got.CompletedAt)
}

func testConcurrentAppends(t *testing.T, st Store) {
	ctx := context.Background()
	s, err := st.Create(ctx, "topic", "u")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	seqs := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := st.AppendUpdate(ctx, s.ID, research.Update{
				Agent:   research.RoleResearcher,
				Action:  "searching",
				Details: map[string]interface{}{"i": i},
			})
			assert.NoError(t, err)
			assert.NotEmpty(t, u.ID)
			seqs <- u.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[int]bool{}
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}

	updates, err := st.Updates(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, updates, n)
	for i, u := range updates {
		assert.Equal(t, i+1, u.Seq)
	}
}

func testDelete(t *testing.T, st Store) {
	ctx := context.Background()
	s, err := st.Create(ctx, "topic", "u")
	require.NoError(t, err)

	ok, err := st.Delete(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Delete(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.AppendUpdate(ctx, s.ID, research.Update{Action: "planning"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = st.Update(ctx, s.ID, func(*research.Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = st.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "writes never recreate a deleted session")
}

func testList(t *testing.T, st Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		s, err := st.Create(ctx, fmt.Sprintf("topic %d", i), "alice")
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	other, err := st.Create(ctx, "other", "bob")
	require.NoError(t, err)

	list, err := st.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID, "newest first")
	assert.Equal(t, ids[0], list[2].ID)

	list, err = st.List(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = st.Update(ctx, ids[1], func(s *research.Session) error {
		return s.Fail("cancelled", time.Now())
	})
	require.NoError(t, err)

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, s := range active {
		got[s.ID] = true
	}
	assert.True(t, got[ids[0]])
	assert.False(t, got[ids[1]])
	assert.True(t, got[other.ID])
}
