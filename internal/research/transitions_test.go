package research

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPlanning, true},
		{StatusPending, StatusResearching, false},
		{StatusPlanning, StatusAwaitingApproval, true},
		{StatusAwaitingApproval, StatusResearching, true},
		{StatusAwaitingApproval, StatusPlanning, true},
		{StatusResearching, StatusCompleted, true},
		{StatusResearching, StatusPlanning, false},
		{StatusPlanning, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPlanning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionStampsCompletion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewSession("s1", "topic", "u", now)
	require.NoError(t, s.Transition(StatusPlanning, now))
	assert.Nil(t, s.CompletedAt)

	require.NoError(t, s.Fail("boom", now))
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, "boom", s.FailureReason)

	err := s.Transition(StatusPlanning, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func approvedSession(t *testing.T) *Session {
	t.Helper()
	now := time.Now()
	s := NewSession("s1", "quantum batteries", "u", now)
	require.NoError(t, s.Transition(StatusPlanning, now))
	require.NoError(t, s.SetPlan(Plan{Sections: []string{"Intro", "Outlook"}, EstimatedSources: 6}))
	require.NoError(t, s.Transition(StatusAwaitingApproval, now))
	s.PlanApproved = true
	require.NoError(t, s.Transition(StatusResearching, now))
	return s
}

func TestAcceptSectionFollowsPlanOrder(t *testing.T) {
	s := approvedSession(t)

	err := s.AcceptSection(Section{Title: "Outlook"})
	assert.ErrorIs(t, err, ErrInvariant)

	require.NoError(t, s.AcceptSection(Section{Title: "Intro"}))
	require.NoError(t, s.AcceptSection(Section{Title: "Outlook"}))
	assert.ErrorIs(t, s.AcceptSection(Section{Title: "Extra"}), ErrInvariant)
	assert.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	t.Run("sections before approval", func(t *testing.T) {
		s := NewSession("s", "t", "u", time.Now())
		s.Status = StatusPlanning
		s.Plan = &Plan{Sections: []string{"A"}}
		s.Sections = []Section{{Title: "A"}}
		assert.ErrorIs(t, s.Validate(), ErrInvariant)
	})
	t.Run("terminal without completion time", func(t *testing.T) {
		s := NewSession("s", "t", "u", time.Now())
		s.Status = StatusFailed
		assert.ErrorIs(t, s.Validate(), ErrInvariant)
	})
	t.Run("report location only when completed", func(t *testing.T) {
		s := approvedSession(t)
		s.ReportLocation = "/tmp/r.md"
		assert.ErrorIs(t, s.Validate(), ErrInvariant)
		require.NoError(t, s.Transition(StatusCompleted, time.Now()))
		assert.NoError(t, s.Validate())
	})
	t.Run("final decision needs a rejection", func(t *testing.T) {
		s := NewSession("s", "t", "u", time.Now())
		s.DecisionFinal = true
		assert.ErrorIs(t, s.Validate(), ErrInvariant)
		s.PlanRejected = true
		assert.NoError(t, s.Validate())
	})
	t.Run("update sequence gap", func(t *testing.T) {
		s := NewSession("s", "t", "u", time.Now())
		s.AppendUpdate(Update{Action: "planning"})
		s.Updates = append(s.Updates, Update{Seq: 5})
		assert.ErrorIs(t, s.Validate(), ErrInvariant)
	})
}

func TestSetPlanClearsDecision(t *testing.T) {
	s := NewSession("s", "t", "u", time.Now())
	assert.ErrorIs(t, s.SetPlan(Plan{Sections: []string{"A"}}), ErrInvariant)

	require.NoError(t, s.Transition(StatusPlanning, time.Now()))
	s.PlanRejected = true
	s.DecisionFinal = true
	require.NoError(t, s.SetPlan(Plan{Sections: []string{"A"}}))
	assert.False(t, s.PlanRejected)
	assert.False(t, s.DecisionFinal)
	assert.False(t, s.PlanApproved)
}

func TestUpdatesAfter(t *testing.T) {
	s := NewSession("s", "t", "u", time.Now())
	for i := 0; i < 4; i++ {
		u := s.AppendUpdate(Update{Action: "a"})
		assert.Equal(t, i+1, u.Seq)
	}
	assert.Len(t, UpdatesAfter(s.Updates, 0), 4)
	assert.Len(t, UpdatesAfter(s.Updates, -3), 4)
	got := UpdatesAfter(s.Updates, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Seq)
	assert.Empty(t, UpdatesAfter(s.Updates, 9))
	assert.Empty(t, UpdatesAfter(nil, 0))
}
