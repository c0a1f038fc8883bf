package research

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvariant is returned when a session fails validation.
	ErrInvariant = errors.New("session invariant violated")
)

var transitions = map[Status][]Status{
	StatusPending:          {StatusPlanning},
	StatusPlanning:         {StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusResearching, StatusPlanning},
	StatusResearching:      {StatusCompleted},
}

// CanTransition reports whether a session may move from one status to another.
// Any non-terminal status may fail.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the session to status to, stamping completion time when
// the new status is terminal.
func (s *Session) Transition(to Status, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if to.IsTerminal() {
		t := now.UTC()
		s.CompletedAt = &t
	}
	return nil
}

// Fail moves the session to failed with a reason.
func (s *Session) Fail(reason string, now time.Time) error {
	if err := s.Transition(StatusFailed, now); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// SetPlan stores a fresh plan, clearing any previous approval decision.
// Only valid while planning.
func (s *Session) SetPlan(p Plan) error {
	if s.Status != StatusPlanning {
		return fmt.Errorf("%w: plan can only be set while planning, status is %s", ErrInvariant, s.Status)
	}
	if len(s.Sections) > 0 {
		return fmt.Errorf("%w: plan cannot change after sections were accepted", ErrInvariant)
	}
	s.Plan = &p
	s.PlanApproved = false
	s.PlanRejected = false
	s.DecisionFinal = false
	return nil
}

// AcceptSection appends the next section in plan order.
func (s *Session) AcceptSection(sec Section) error {
	next, ok := s.NextSection()
	if !ok {
		return fmt.Errorf("%w: no section left in plan", ErrInvariant)
	}
	if next != sec.Title {
		return fmt.Errorf("%w: expected section %q, got %q", ErrInvariant, next, sec.Title)
	}
	s.Sections = append(s.Sections, sec)
	return nil
}

// Validate checks the structural invariants of a session.
func (s *Session) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, s.Status)
	}
	if s.Status.IsTerminal() != (s.CompletedAt != nil) {
		return fmt.Errorf("%w: completed_at must be set exactly for terminal sessions", ErrInvariant)
	}
	if s.PlanApproved && s.PlanRejected {
		return fmt.Errorf("%w: plan both approved and rejected", ErrInvariant)
	}
	if s.DecisionFinal && !s.PlanRejected {
		return fmt.Errorf("%w: final decision without a rejection", ErrInvariant)
	}
	if s.Replans < 0 {
		return fmt.Errorf("%w: negative replan count", ErrInvariant)
	}
	if (s.Status == StatusResearching || s.Status == StatusCompleted) && (s.Plan == nil || !s.PlanApproved) {
		return fmt.Errorf("%w: %s requires an approved plan", ErrInvariant, s.Status)
	}
	if s.Status == StatusAwaitingApproval && s.Plan == nil {
		return fmt.Errorf("%w: awaiting approval without a plan", ErrInvariant)
	}
	if len(s.Sections) > 0 {
		if s.Plan == nil || !s.PlanApproved {
			return fmt.Errorf("%w: sections exist before plan approval", ErrInvariant)
		}
		if len(s.Sections) > len(s.Plan.Sections) {
			return fmt.Errorf("%w: %d sections exceed plan of %d", ErrInvariant, len(s.Sections), len(s.Plan.Sections))
		}
		for i, sec := range s.Sections {
			if sec.Title != s.Plan.Sections[i] {
				return fmt.Errorf("%w: section %d is %q, plan says %q", ErrInvariant, i, sec.Title, s.Plan.Sections[i])
			}
			if sec.RevisionCount < 0 {
				return fmt.Errorf("%w: negative revision count", ErrInvariant)
			}
		}
	}
	if s.ReportLocation != "" && s.Status != StatusCompleted {
		return fmt.Errorf("%w: report location set before completion", ErrInvariant)
	}
	for i, u := range s.Updates {
		if u.Seq != i+1 {
			return fmt.Errorf("%w: update %d has seq %d", ErrInvariant, i, u.Seq)
		}
	}
	return nil
}
