package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/approval"
	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/session"
	"github.com/insightengine/orchestrator/internal/streaming"
)

// ErrInvalidTopic is returned for an empty topic.
var ErrInvalidTopic = errors.New("topic must not be empty")

// Subscriber attaches observers to a session's update stream.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*streaming.Subscription, error)
	Unsubscribe(sub *streaming.Subscription)
}

// Service is the entry point used by the transport layer.
type Service struct {
	store  session.Store
	bus    Subscriber
	gate   approval.Gate
	runner *Runner
	logger *zap.Logger
}

// NewService wires the facade.
func NewService(store session.Store, bus Subscriber, gate approval.Gate, runner *Runner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, bus: bus, gate: gate, runner: runner, logger: logger}
}

// CreateSession stores a pending session and starts its task.
func (s *Service) CreateSession(ctx context.Context, topic, requester string) (*research.Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	sess, err := s.store.Create(ctx, topic, requester)
	if err != nil {
		return nil, err
	}
	metrics.SessionsStarted.Inc()
	s.runner.Start(sess.ID)
	s.logger.Info("Research session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", requester),
	)
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*research.Session, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, requester string, limit int) ([]*research.Session, error) {
	return s.store.List(ctx, requester, limit)
}

// DeleteSession stops the session's task, then removes it.
func (s *Service) DeleteSession(ctx context.Context, id string) (bool, error) {
	if _, err := s.runner.Cancel(ctx, id); err != nil {
		return false, fmt.Errorf("stop session task: %w", err)
	}
	return s.store.Delete(ctx, id)
}

// SubmitApproval records the reviewer's decision and wakes the waiting task.
func (s *Service) SubmitApproval(ctx context.Context, id string, approved bool, modifications string) error {
	_, err := s.store.Update(ctx, id, func(sess *research.Session) error {
		if sess.Status != research.StatusAwaitingApproval {
			return fmt.Errorf("%w: status is %s", ErrNotAwaitingApproval, sess.Status)
		}
		if sess.DecisionFinal {
			return fmt.Errorf("%w: rejection already acted on", ErrNotAwaitingApproval)
		}
		sess.PlanApproved = approved
		sess.PlanRejected = !approved
		sess.ApprovalNote = strings.TrimSpace(modifications)
		return nil
	})
	if errors.Is(err, session.ErrTerminal) {
		return fmt.Errorf("%w: %v", ErrNotAwaitingApproval, err)
	}
	if err != nil {
		return err
	}
	if s.gate != nil {
		if err := s.gate.Notify(ctx, id); err != nil {
			// The task still sees the decision on its next poll.
			s.logger.Warn("Approval wake-up failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// Subscribe attaches an observer with history replay.
func (s *Service) Subscribe(ctx context.Context, id string) (*streaming.Subscription, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(ctx, id)
}

func (s *Service) Unsubscribe(sub *streaming.Subscription) {
	s.bus.Unsubscribe(sub)
}

// Resume restarts the tasks of every non-terminal session, e.g. after a
// restart. It returns how many were started.
func (s *Service) Resume(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range active {
		if s.runner.Start(sess.ID) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("Resumed research sessions", zap.Int("count", n))
	}
	return n, nil
}
