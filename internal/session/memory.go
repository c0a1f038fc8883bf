package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/insightengine/orchestrator/internal/research"
)

// MemoryStore keeps encoded sessions in process memory. Each read decodes a
// fresh copy, so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	now  Clock
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte), now: time.Now}
}

// WithClock overrides the time source.
func (m *MemoryStore) WithClock(c Clock) *MemoryStore {
	m.now = c
	return m
}

func (m *MemoryStore) Create(ctx context.Context, topic, requester string) (*research.Session, error) {
	s := research.NewSession(newID(), strings.TrimSpace(topic), requester, m.now())
	data, err := encode(s)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.docs[s.ID] = data
	m.mu.Unlock()
	return decode(data)
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*research.Session, error) {
	m.mu.RLock()
	data, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decode(data)
}

func (m *MemoryStore) List(ctx context.Context, requester string, limit int) ([]*research.Session, error) {
	all, err := m.filter(func(s *research.Session) bool {
		return requester == "" || s.Requester == requester
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(all)
	if limit = normalizeLimit(limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*research.Session, error) {
	all, err := m.filter(func(s *research.Session) bool { return !s.Status.IsTerminal() })
	if err != nil {
		return nil, err
	}
	sortNewestFirst(all)
	return all, nil
}

func (m *MemoryStore) filter(keep func(*research.Session) bool) ([]*research.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*research.Session, 0, len(m.docs))
	for _, data := range m.docs {
		s, err := decode(data)
		if err != nil {
			return nil, err
		}
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn MutateFunc) (*research.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.docs[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := apply(s, m.now(), fn); err != nil {
		return nil, err
	}
	out, err := encode(s)
	if err != nil {
		return nil, err
	}
	m.docs[id] = out
	return decode(out)
}

func (m *MemoryStore) AppendUpdate(ctx context.Context, id string, u research.Update) (research.Update, error) {
	var stored research.Update
	if _, err := m.Update(ctx, id, appendFn(u, m.now(), &stored)); err != nil {
		return research.Update{}, err
	}
	return stored, nil
}

func (m *MemoryStore) Updates(ctx context.Context, id string) ([]research.Update, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Updates, nil
}

func sortNewestFirst(list []*research.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
