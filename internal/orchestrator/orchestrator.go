// Package orchestrator drives a research session from topic to report:
// planning, the approval wait, the per-section research/draft/critique loop
// and rendering. One task runs per active session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/agents"
	"github.com/insightengine/orchestrator/internal/approval"
	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/notify"
	"github.com/insightengine/orchestrator/internal/render"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/session"
	"github.com/insightengine/orchestrator/internal/sources"
	"github.com/insightengine/orchestrator/internal/tracing"
)

var (
	// ErrApprovalTimeout is returned when no decision arrives in time.
	ErrApprovalTimeout = errors.New("approval timeout")
	// ErrPlanRejected is returned when the reviewer rejects the plan.
	ErrPlanRejected = errors.New("plan rejected")
	// ErrNotAwaitingApproval is returned for a decision on a session that is
	// not waiting for one.
	ErrNotAwaitingApproval = errors.New("session is not awaiting approval")
	// ErrPanic marks a recovered panic in a session task.
	ErrPanic = errors.New("session task panicked")
)

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Store    session.Store
	Bus      Publisher
	Gate     approval.Gate
	Agents   agents.Invoker
	Sources  sources.Collector
	Renderer render.Renderer
	Notifier notify.Notifier
	Logger   *zap.Logger
}

// Orchestrator runs session tasks. It holds no per-session state; every
// run carries its own runState.
type Orchestrator struct {
	store    session.Store
	bus      Publisher
	gate     approval.Gate
	agents   agents.Invoker
	sources  sources.Collector
	renderer render.Renderer
	notifier notify.Notifier
	logger   *zap.Logger

	cfg atomic.Pointer[Config]
	now func() time.Time
}

// New validates cfg and wires the collaborators.
func New(d Deps, cfg Config) (*Orchestrator, error) {
	if d.Store == nil || d.Bus == nil || d.Agents == nil || d.Sources == nil || d.Renderer == nil {
		return nil, errors.New("orchestrator: store, bus, agents, sources and renderer are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Gate == nil {
		d.Gate = approval.NewLocalGate()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:    d.Store,
		bus:      d.Bus,
		gate:     d.Gate,
		agents:   d.Agents,
		sources:  d.Sources,
		renderer: d.Renderer,
		notifier: d.Notifier,
		logger:   d.Logger,
		now:      time.Now,
	}
	o.cfg.Store(&cfg)
	return o, nil
}

// Config returns the settings in effect.
func (o *Orchestrator) Config() Config { return *o.cfg.Load() }

// SetConfig swaps the settings for subsequent steps.
func (o *Orchestrator) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg.Store(&cfg)
	return nil
}

type phase string

const (
	phasePlan     phase = "plan"
	phaseAwait    phase = "await_approval"
	phaseResearch phase = "research"
	phaseRender   phase = "render"
	phaseComplete phase = "complete"
	phaseDone     phase = "done"
)

// runState is owned by one task and handed from step to step.
type runState struct {
	sessionID string
	topic     string
	phase     phase
	plan      research.Plan
	sections  []research.Section
	// feedback is the reviewer's note carried into a repeated planning step.
	feedback string
	report   render.Artifact
	// completed is set by the completion step only.
	completed bool
}

// resumeState picks the step a stored session continues from.
func resumeState(s *research.Session) runState {
	st := runState{sessionID: s.ID, topic: s.Topic}
	if s.Plan != nil {
		st.plan = *s.Plan
	}
	st.sections = append([]research.Section(nil), s.Sections...)
	switch s.Status {
	case research.StatusPending, research.StatusPlanning:
		st.phase = phasePlan
		if s.PlanRejected {
			st.feedback = s.ApprovalNote
		}
	case research.StatusAwaitingApproval:
		st.phase = phaseAwait
	case research.StatusResearching:
		st.phase = phaseResearch
	default:
		st.phase = phaseDone
	}
	return st
}

// Run drives one session to a terminal status. It returns nil when the
// session finished, was deleted underneath it, or was already terminal. A
// cancelled ctx leaves the session where it is so it can be resumed.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (err error) {
	start := time.Now()
	ctx, span := tracing.StartSessionSpan(ctx, "session.run", sessionID)
	defer func() { tracing.End(span, err) }()

	logger := o.logger.With(zap.String("session_id", sessionID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Session task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			o.fail(ctx, sessionID, "internal error", start)
		}
	}()

	sess, err := o.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		logger.Info("Session no longer exists, nothing to run")
		return nil
	}
	if err != nil {
		return err
	}

	st := resumeState(sess)
	logger.Info("Session task started",
		zap.String("status", string(sess.Status)),
		zap.String("phase", string(st.phase)),
	)
	for st.phase != phaseDone {
		cur := st.phase
		stepCtx, stepSpan := tracing.StartSessionSpan(ctx, "phase."+string(cur), sessionID,
			attribute.Int("research.sections_done", len(st.sections)))
		st, err = o.advance(stepCtx, st)
		tracing.End(stepSpan, err)
		if err != nil {
			return o.stop(ctx, logger, sessionID, cur, err, start)
		}
	}
	if !st.completed {
		logger.Info("Session task stopped, session already terminal")
		return nil
	}
	metrics.RecordSessionFinished(string(research.StatusCompleted), time.Since(start).Seconds())
	logger.Info("Session completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, st runState) (runState, error) {
	switch st.phase {
	case phasePlan:
		return o.planStep(ctx, st)
	case phaseAwait:
		return o.awaitApproval(ctx, st)
	case phaseResearch:
		return o.researchStep(ctx, st)
	case phaseRender:
		return o.renderStep(ctx, st)
	case phaseComplete:
		return o.completeStep(ctx, st)
	}
	return st, fmt.Errorf("unknown phase %q", st.phase)
}

// stop classifies a step error: deletion, terminal races and cancellation
// end the task quietly; anything else fails the session.
func (o *Orchestrator) stop(ctx context.Context, logger *zap.Logger, sessionID string, at phase, err error, start time.Time) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		logger.Info("Session deleted, stopping task", zap.String("phase", string(at)))
		return nil
	case errors.Is(err, session.ErrTerminal):
		logger.Info("Session already terminal, stopping task", zap.String("phase", string(at)))
		return nil
	case ctx.Err() != nil:
		logger.Info("Session task cancelled", zap.String("phase", string(at)), zap.Error(ctx.Err()))
		return ctx.Err()
	}

	reason := err.Error()
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		reason = ErrApprovalTimeout.Error()
	case errors.Is(err, ErrPlanRejected):
		reason = ErrPlanRejected.Error()
	}
	logger.Error("Session failed",
		zap.String("phase", string(at)),
		zap.String("reason", reason),
		zap.Error(err),
	)
	o.fail(ctx, sessionID, reason, start)
	return err
}

// fail reports the failure and moves the session to failed. It runs on a
// detached context so a late cancellation cannot leave the session stuck.
func (o *Orchestrator) fail(ctx context.Context, sessionID, reason string, start time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.emit(ctx, sessionID, research.RoleSystem, ActionFailed, details{
		"reason":  reason,
		"message": "Research failed: " + reason,
	}); err != nil {
		o.logger.Warn("Could not record failure event", zap.String("session_id", sessionID), zap.Error(err))
	}
	_, err := o.store.Update(ctx, sessionID, func(s *research.Session) error {
		return s.Fail(reason, o.now())
	})
	if err != nil {
		o.logger.Warn("Could not mark session failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.RecordSessionFinished(string(research.StatusFailed), time.Since(start).Seconds())
	o.notify(ctx, notify.Notification{
		SessionID: sessionID,
		Kind:      notify.KindFailed,
		Status:    string(research.StatusFailed),
		Details:   details{"reason": reason},
	})
}

func (o *Orchestrator) planStep(ctx context.Context, st runState) (runState, error) {
	if _, err := o.transition(ctx, st.sessionID, research.StatusPlanning, nil); err != nil {
		return st, err
	}
	if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionPlanning, details{
		"message": "Analyzing research topic and creating plan...",
	}); err != nil {
		return st, err
	}

	plan, err := o.agents.Plan(ctx, agents.PlanInput{
		SessionID: st.sessionID,
		Topic:     st.topic,
		Feedback:  st.feedback,
	})
	if err != nil {
		return st, fmt.Errorf("planning: %w", err)
	}

	if _, err := o.transition(ctx, st.sessionID, research.StatusAwaitingApproval, func(s *research.Session) error {
		return s.SetPlan(plan)
	}); err != nil {
		return st, err
	}
	if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionPlanCreated, details{
		"plan":    plan,
		"message": fmt.Sprintf("Created plan with %d sections", len(plan.Sections)),
	}); err != nil {
		return st, err
	}
	o.notify(ctx, notify.Notification{
		SessionID: st.sessionID,
		Kind:      notify.KindPlanReady,
		Status:    string(research.StatusAwaitingApproval),
		Details:   details{"sections": plan.Sections},
	})

	st.plan = plan
	st.feedback = ""
	st.phase = phaseAwait
	return st, nil
}

func (o *Orchestrator) researchStep(ctx context.Context, st runState) (runState, error) {
	if _, err := o.transition(ctx, st.sessionID, research.StatusResearching, nil); err != nil {
		return st, err
	}

	for i := len(st.sections); i < len(st.plan.Sections); i++ {
		if i > 0 {
			if err := o.pause(ctx); err != nil {
				return st, err
			}
		}
		title := st.plan.Sections[i]
		sec, err := o.runSection(ctx, st, title)
		if err != nil {
			return st, fmt.Errorf("section %q: %w", title, err)
		}
		if _, err := o.store.Update(ctx, st.sessionID, func(s *research.Session) error {
			return s.AcceptSection(sec)
		}); err != nil {
			return st, err
		}
		st.sections = append(st.sections, sec)

		if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionSectionApproved, details{
			"section":        title,
			"revision_count": sec.RevisionCount,
			"completed":      len(st.sections),
			"total":          len(st.plan.Sections),
		}); err != nil {
			return st, err
		}
		o.notify(ctx, notify.Notification{
			SessionID: st.sessionID,
			Kind:      notify.KindSectionApproved,
			Status:    string(research.StatusResearching),
			Section:   title,
		})
	}

	st.phase = phaseRender
	return st, nil
}

func (o *Orchestrator) pause(ctx context.Context) error {
	d := o.Config().SectionDelay
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// renderStep never fails the session on a renderer error; the sections are
// already durable.
func (o *Orchestrator) renderStep(ctx context.Context, st runState) (runState, error) {
	if err := o.emit(ctx, st.sessionID, research.RoleSystem, ActionRendering, details{
		"message": "Generating report...",
	}); err != nil {
		return st, err
	}

	art, err := o.renderer.RenderReport(ctx, st.topic, st.sections, st.sessionID)
	switch {
	case err != nil && ctx.Err() != nil:
		return st, ctx.Err()
	case err != nil:
		o.logger.Warn("Report rendering failed, completing without artifact",
			zap.String("session_id", st.sessionID),
			zap.Error(err),
		)
		if err := o.emit(ctx, st.sessionID, research.RoleSystem, ActionRenderFailed, details{
			"error": err.Error(),
		}); err != nil {
			return st, err
		}
		st.report = render.Artifact{}
	default:
		d := details{"path": art.Path}
		if art.URL != "" {
			d["url"] = art.URL
		}
		if err := o.emit(ctx, st.sessionID, research.RoleSystem, ActionReportReady, d); err != nil {
			return st, err
		}
		st.report = art
	}

	st.phase = phaseComplete
	return st, nil
}

func (o *Orchestrator) completeStep(ctx context.Context, st runState) (runState, error) {
	if err := o.emit(ctx, st.sessionID, research.RoleSystem, ActionCompleted, details{
		"sections":        len(st.sections),
		"report_location": st.report.Path,
		"message":         "Research complete",
	}); err != nil {
		return st, err
	}
	if _, err := o.transition(ctx, st.sessionID, research.StatusCompleted, func(s *research.Session) error {
		s.ReportLocation = st.report.Path
		s.ReportURL = st.report.URL
		return nil
	}); err != nil {
		return st, err
	}
	o.notify(ctx, notify.Notification{
		SessionID: st.sessionID,
		Kind:      notify.KindCompleted,
		Status:    string(research.StatusCompleted),
		Details:   details{"report_location": st.report.Path, "report_url": st.report.URL},
	})
	st.completed = true
	st.phase = phaseDone
	return st, nil
}
