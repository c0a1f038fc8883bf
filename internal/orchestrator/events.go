package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/notify"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/session"
)

// Update actions written to the session log.
const (
	ActionPlanning            = "planning"
	ActionPlanCreated         = "plan_created"
	ActionAwaitingApproval    = "awaiting_approval"
	ActionPlanApproved        = "plan_approved"
	ActionPlanRejected        = "plan_rejected"
	ActionSearching           = "searching"
	ActionSourcesFound        = "sources_found"
	ActionWriting             = "writing"
	ActionSectionDrafted      = "section_drafted"
	ActionReviewing           = "reviewing"
	ActionReviewComplete      = "review_complete"
	ActionRevisionRequested   = "revision_requested"
	ActionSectionApproved     = "section_approved"
	ActionMaxRevisionsReached = "max_revisions_reached"
	ActionRendering           = "rendering"
	ActionReportReady         = "report_ready"
	ActionRenderFailed        = "render_failed"
	ActionCompleted           = "completed"
	ActionFailed              = "failed"
	ActionStatusChanged       = "status_changed"
)

// Publisher appends an update to a session's log and relays it to observers.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, u research.Update) (research.Update, error)
}

type details = map[string]interface{}

// emit publishes one update. A failed append is returned: it means the
// session is gone, terminal or the store is unavailable.
func (o *Orchestrator) emit(ctx context.Context, sessionID string, agent research.AgentRole, action string, d details) error {
	_, err := o.bus.Publish(ctx, sessionID, research.Update{
		Agent:     agent,
		Action:    action,
		Details:   d,
		Timestamp: o.now(),
	})
	return err
}

// notify sends a lifecycle notification. Failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, n notify.Notification) {
	n.Timestamp = o.now().UTC()
	if err := o.notifier.Notify(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("Lifecycle notification failed",
			zap.String("session_id", n.SessionID),
			zap.String("kind", string(n.Kind)),
			zap.Error(err),
		)
	}
}

// transition moves the session to status to after applying mutate, then
// reports the change. Being in status to already is not an error. Terminal targets are reported by the caller before the
// transition since a terminal log accepts no more updates.
func (o *Orchestrator) transition(ctx context.Context, sessionID string, to research.Status, mutate session.MutateFunc) (*research.Session, error) {
	var changed bool
	sess, err := o.store.Update(ctx, sessionID, func(s *research.Session) error {
		changed = false
		if mutate != nil {
			if err := mutate(s); err != nil {
				return err
			}
		}
		if s.Status == to {
			return nil
		}
		changed = true
		return s.Transition(to, o.now())
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return sess, nil
	}
	if !to.IsTerminal() {
		if err := o.emit(ctx, sessionID, research.RoleSystem, ActionStatusChanged, details{"status": string(to)}); err != nil {
			return nil, err
		}
	}
	o.notify(ctx, notify.Notification{SessionID: sessionID, Kind: notify.KindStatusChanged, Status: string(to)})
	return sess, nil
}
