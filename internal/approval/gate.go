// Package approval wakes a session task waiting for plan approval. The
// decision itself lives in the session store; a gate only signals that it
// is worth re-reading.
package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Gate delivers approval wake-ups for a session.
type Gate interface {
	// Notify wakes every listener of sessionID.
	Notify(ctx context.Context, sessionID string) error
	// Listen returns a channel that receives a value after each Notify, and a
	// stop function releasing the listener.
	Listen(ctx context.Context, sessionID string) (<-chan struct{}, func(), error)
}

// LocalGate wakes listeners in the same process.
type LocalGate struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

// NewLocalGate returns an in-process gate.
func NewLocalGate() *LocalGate {
	return &LocalGate{listeners: make(map[string]map[chan struct{}]struct{})}
}

func (g *LocalGate) Notify(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch := range g.listeners[sessionID] {
		signal(ch)
	}
	return nil
}

func (g *LocalGate) Listen(ctx context.Context, sessionID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	g.mu.Lock()
	set := g.listeners[sessionID]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		g.listeners[sessionID] = set
	}
	set[ch] = struct{}{}
	g.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.listeners[sessionID], ch)
			if len(g.listeners[sessionID]) == 0 {
				delete(g.listeners, sessionID)
			}
		})
	}
	return ch, stop, nil
}

// signal coalesces wake-ups; one pending signal is enough to trigger a re-read.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RedisGate wakes listeners across processes over Redis pub/sub.
type RedisGate struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisGate returns a gate publishing on research:approval:<id>.
func NewRedisGate(client redis.UniversalClient, logger *zap.Logger) *RedisGate {
	return &RedisGate{client: client, logger: logger}
}

func channelName(sessionID string) string {
	return "research:approval:" + sessionID
}

func (g *RedisGate) Notify(ctx context.Context, sessionID string) error {
	if err := g.client.Publish(ctx, channelName(sessionID), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to publish approval: %w", err)
	}
	return nil
}

func (g *RedisGate) Listen(ctx context.Context, sessionID string) (<-chan struct{}, func(), error) {
	ps := g.client.Subscribe(ctx, channelName(sessionID))
	// Wait for the subscription to be confirmed so no Notify is lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to approvals: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				g.logger.Debug("Closing approval subscription", zap.String("session_id", sessionID), zap.Error(err))
			}
		})
	}
	return out, stop, nil
}
