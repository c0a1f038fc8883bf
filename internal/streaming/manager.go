// Package streaming is the per-session update bus: every update is appended
// to the durable session log first, then fanned out to live observers.
package streaming

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
)

// Log is the durable, ordered update history the bus writes through.
type Log interface {
	AppendUpdate(ctx context.Context, sessionID string, u research.Update) (research.Update, error)
	Updates(ctx context.Context, sessionID string) ([]research.Update, error)
}

// DefaultBuffer is the per-observer channel size.
const DefaultBuffer = 256

// Manager provides history-then-live pub/sub for session updates.
type Manager struct {
	log    Log
	logger *zap.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
}

// topic serialises publishes of one session and tracks its observers. refs
// counts publishers and subscriptions holding it; it is dropped at zero.
type topic struct {
	pubMu sync.Mutex

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	refs int
}

// NewManager returns a bus writing through log.
func NewManager(log Log, buffer int, logger *zap.Logger) *Manager {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Manager{
		log:    log,
		logger: logger,
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

func (m *Manager) acquire(sessionID string) *topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[sessionID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		m.topics[sessionID] = t
	}
	t.refs++
	return t
}

func (m *Manager) release(sessionID string, t *topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.refs--
	if t.refs == 0 && m.topics[sessionID] == t {
		delete(m.topics, sessionID)
	}
}

// Publish appends u to the session log and delivers the stored update to
// every observer, in append order. Delivery never blocks: an observer whose
// buffer is full is removed.
func (m *Manager) Publish(ctx context.Context, sessionID string, u research.Update) (research.Update, error) {
	t := m.acquire(sessionID)
	defer m.release(sessionID, t)

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	stored, err := m.log.AppendUpdate(ctx, sessionID, u)
	if err != nil {
		return research.Update{}, fmt.Errorf("failed to append update: %w", err)
	}
	metrics.BusPublishes.Inc()

	for _, sub := range t.snapshot() {
		if !sub.deliver(stored) {
			m.drop(sessionID, t, sub)
		}
	}
	return stored, nil
}

// Subscribe registers an observer. The returned subscription carries the
// full history at registration time; Events then yields every later update
// exactly once. The subscription ends when ctx is done or on Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	t := m.acquire(sessionID)

	// Holding pubMu makes the history read and the registration one step
	// with respect to publishes.
	t.pubMu.Lock()
	history, err := m.log.Updates(ctx, sessionID)
	if err != nil {
		t.pubMu.Unlock()
		m.release(sessionID, t)
		return nil, err
	}
	sub := &Subscription{
		SessionID: sessionID,
		History:   history,
		events:    make(chan research.Update, m.buffer),
		mgr:       m,
		topic:     t,
	}
	t.subsMu.Lock()
	t.subs[sub] = struct{}{}
	t.subsMu.Unlock()
	t.pubMu.Unlock()

	metrics.BusObservers.Inc()
	stop := context.AfterFunc(ctx, func() { m.Unsubscribe(sub) })
	sub.mu.Lock()
	if sub.closed {
		// Removed before the watch was attached.
		sub.mu.Unlock()
		stop()
		return sub, nil
	}
	sub.stopWatch = stop
	sub.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches sub. Safe to call more than once.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.remove(sub, false)
}

func (m *Manager) drop(sessionID string, t *topic, sub *Subscription) {
	m.logger.Warn("Dropping slow observer", zap.String("session_id", sessionID))
	metrics.BusObserversDropped.Inc()
	m.remove(sub, true)
}

func (m *Manager) remove(sub *Subscription, dropped bool) {
	sub.once.Do(func() {
		t := sub.topic
		t.subsMu.Lock()
		delete(t.subs, sub)
		t.subsMu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		sub.dropped = dropped
		close(sub.events)
		stop := sub.stopWatch
		sub.mu.Unlock()
		if stop != nil {
			stop()
		}

		metrics.BusObservers.Dec()
		m.release(sub.SessionID, t)
	})
}

// Observers returns the number of observers attached to a session.
func (m *Manager) Observers(sessionID string) int {
	m.mu.Lock()
	t := m.topics[sessionID]
	m.mu.Unlock()
	if t == nil {
		return 0
	}
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	return len(t.subs)
}

func (t *topic) snapshot() []*Subscription {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	out := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		out = append(out, s)
	}
	return out
}

// Subscription is one observer of a session.
type Subscription struct {
	SessionID string
	// History holds every update appended before the subscription was made.
	History []research.Update

	events chan research.Update
	mgr    *Manager
	topic  *topic

	once sync.Once
	// mu guards the fields below.
	mu        sync.Mutex
	closed    bool
	dropped   bool
	stopWatch func() bool
}

// Events yields live updates. The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan research.Update {
	return s.events
}

// Dropped reports whether the bus removed this observer for falling behind.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(u research.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- u:
		return true
	default:
		return false
	}
}
