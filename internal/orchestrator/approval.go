package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/session"
)

// errDecisionChanged means the stored decision moved after the wait read it.
var errDecisionChanged = errors.New("approval decision changed")

// awaitApproval blocks until the stored plan is approved or rejected, the
// session disappears, or the approval timeout passes. Gate signals trigger
// an immediate re-read; the poll ticker covers lost signals. Nothing is held
// while waiting.
func (o *Orchestrator) awaitApproval(ctx context.Context, st runState) (runState, error) {
	cfg := o.Config()
	if err := o.emit(ctx, st.sessionID, research.RoleSystem, ActionAwaitingApproval, details{
		"message":         "Waiting for plan approval",
		"timeout_seconds": int(cfg.ApprovalTimeout.Seconds()),
	}); err != nil {
		return st, err
	}

	wake, stop, err := o.gate.Listen(ctx, st.sessionID)
	if err != nil {
		o.logger.Warn("Approval gate unavailable, polling only",
			zap.String("session_id", st.sessionID),
			zap.Error(err),
		)
		wake, stop = nil, func() {}
	}
	defer stop()

	start := time.Now()
	deadline := time.NewTimer(cfg.ApprovalTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(cfg.ApprovalPollInterval)
	defer poll.Stop()

	for {
		sess, err := o.store.Get(ctx, st.sessionID)
		if err != nil {
			return st, err
		}
		if sess.Status.IsTerminal() {
			st.phase = phaseDone
			return st, nil
		}

		switch {
		case sess.PlanApproved:
			// The decision is checked and consumed in one write.
			claimed, err := o.transition(ctx, st.sessionID, research.StatusResearching, expectDecision(true))
			if errors.Is(err, errDecisionChanged) {
				continue
			}
			if err != nil {
				return st, err
			}
			metrics.ApprovalWait.WithLabelValues("approved").Observe(time.Since(start).Seconds())
			if claimed.Plan != nil {
				st.plan = *claimed.Plan
			}
			d := details{"message": "Plan approved, starting research"}
			if claimed.ApprovalNote != "" {
				d["modifications"] = claimed.ApprovalNote
			}
			if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionPlanApproved, d); err != nil {
				return st, err
			}
			st.phase = phaseResearch
			return st, nil

		case sess.PlanRejected:
			replan := cfg.ReplanOnReject && sess.Replans < cfg.MaxReplans
			claimed, err := o.claimRejection(ctx, st.sessionID, replan)
			if errors.Is(err, errDecisionChanged) {
				continue
			}
			if err != nil {
				return st, err
			}
			metrics.ApprovalWait.WithLabelValues("rejected").Observe(time.Since(start).Seconds())
			if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionPlanRejected, details{
				"feedback": claimed.ApprovalNote,
				"replans":  claimed.Replans,
			}); err != nil {
				return st, err
			}
			if !replan {
				return st, ErrPlanRejected
			}
			st.feedback = claimed.ApprovalNote
			st.phase = phasePlan
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-deadline.C:
			metrics.ApprovalWait.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return st, ErrApprovalTimeout
		case <-wake:
		case <-poll.C:
		}
	}
}

// expectDecision guards a mutation on the decision still being the one the
// wait acted on.
func expectDecision(approved bool) session.MutateFunc {
	return func(s *research.Session) error {
		if s.Status != research.StatusAwaitingApproval {
			return nil
		}
		if approved != s.PlanApproved || approved == s.PlanRejected {
			return errDecisionChanged
		}
		return nil
	}
}

// claimRejection consumes a rejection. With replan the session goes back to
// planning and the replan is counted; otherwise the decision is locked so
// the failure that follows cannot race a new approval.
func (o *Orchestrator) claimRejection(ctx context.Context, sessionID string, replan bool) (*research.Session, error) {
	guard := expectDecision(false)
	if replan {
		return o.transition(ctx, sessionID, research.StatusPlanning, func(s *research.Session) error {
			if err := guard(s); err != nil {
				return err
			}
			s.Replans++
			return nil
		})
	}
	return o.store.Update(ctx, sessionID, func(s *research.Session) error {
		if err := guard(s); err != nil {
			return err
		}
		s.DecisionFinal = true
		return nil
	})
}
