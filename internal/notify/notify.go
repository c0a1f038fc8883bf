// Package notify emits session lifecycle notifications to external systems.
// Notifications are advisory: a failed send is logged, never fatal.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/metrics"
)

// Kind is the type of lifecycle notification.
type Kind string

const (
	KindPlanReady       Kind = "plan_ready"
	KindStatusChanged   Kind = "status_changed"
	KindSectionApproved Kind = "section_approved"
	KindCompleted       Kind = "completed"
	KindFailed          Kind = "failed"
)

// Notification is one lifecycle event.
type Notification struct {
	SessionID string                 `json:"session_id"`
	Kind      Kind                   `json:"kind"`
	Status    string                 `json:"status,omitempty"`
	Section   string                 `json:"section,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier sends lifecycle notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisStreamNotifier appends notifications to a capped Redis stream.
type RedisStreamNotifier struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamNotifier returns a notifier writing to stream, trimmed to
// roughly maxLen entries.
func NewRedisStreamNotifier(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamNotifier {
	if stream == "" {
		stream = "research:lifecycle"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStreamNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"session_id": n.SessionID,
			"kind":       string(n.Kind),
			"payload":    string(payload),
		},
	}).Err()
	metrics.NotificationsSent.WithLabelValues("redis", metrics.StatusLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used for notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications on <prefix>.<kind>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATSNotifier connects to url and publishes under subjectPrefix.
func NewNATSNotifier(url, subjectPrefix string, logger *zap.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("research-orchestrator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n := NewNATSNotifierWithPublisher(nc, subjectPrefix)
	n.conn = nc
	return n, nil
}

// NewNATSNotifierWithPublisher uses an existing publisher.
func NewNATSNotifierWithPublisher(pub Publisher, subjectPrefix string) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = "research.lifecycle"
	}
	return &NATSNotifier{pub: pub, prefix: subjectPrefix}
}

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	err = n.pub.Publish(n.prefix+"."+string(note.Kind), data)
	metrics.NotificationsSent.WithLabelValues("nats", metrics.StatusLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}

// Close drains the NATS connection when this notifier owns one.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
