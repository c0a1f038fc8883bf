// Package research holds the data model of a research session: its status
// machine, plan, accepted sections and the append-only update log.
package research

import (
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusResearching      Status = "researching"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusAwaitingApproval, StatusResearching, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// AgentRole identifies who emitted an update.
type AgentRole string

const (
	RoleManager    AgentRole = "manager"
	RoleResearcher AgentRole = "researcher"
	RoleWriter     AgentRole = "writer"
	RoleCritique   AgentRole = "critique"
	RoleSystem     AgentRole = "system"
)

// Plan is the outline produced by the manager.
type Plan struct {
	Sections          []string `json:"sections"`
	ResearchQuestions []string `json:"research_questions"`
	EstimatedSources  int      `json:"estimated_sources"`
}

// Citation is a single source backing a section.
type Citation struct {
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Excerpt    string    `json:"excerpt"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Section is an accepted report section.
type Section struct {
	Title         string     `json:"title"`
	Body          string     `json:"content"`
	Citations     []Citation `json:"citations"`
	RevisionCount int        `json:"revision_count"`
}

// WordCount returns the number of whitespace separated words in the body.
func (s Section) WordCount() int {
	return len(strings.Fields(s.Body))
}

// Update is one entry of a session's progress log. Seq is assigned by the
// store on append and starts at 1.
type Update struct {
	ID        string                 `json:"id"`
	Seq       int                    `json:"seq"`
	Agent     AgentRole              `json:"agent"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Session is the persisted state of one research request.
type Session struct {
	ID             string     `json:"id"`
	Requester      string     `json:"user_id"`
	Topic          string     `json:"topic"`
	Status         Status     `json:"status"`
	Plan           *Plan      `json:"plan,omitempty"`
	PlanApproved   bool       `json:"plan_approved"`
	PlanRejected   bool       `json:"plan_rejected,omitempty"`
	ApprovalNote   string     `json:"approval_note,omitempty"`
	// DecisionFinal is set once a rejection has been acted on; the decision
	// can no longer be changed.
	DecisionFinal  bool       `json:"decision_final,omitempty"`
	// Replans counts plans redrawn after a rejection.
	Replans        int        `json:"replans,omitempty"`
	Sections       []Section  `json:"sections"`
	Updates        []Update   `json:"agent_updates"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ReportLocation string     `json:"final_report_path,omitempty"`
	ReportURL      string     `json:"report_url,omitempty"`
}

// NewSession returns a pending session.
func NewSession(id, topic, requester string, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:        id,
		Requester: requester,
		Topic:     topic,
		Status:    StatusPending,
		Sections:  []Section{},
		Updates:   []Update{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendUpdate appends u to the log, assigning the next sequence number.
func (s *Session) AppendUpdate(u Update) Update {
	u.Seq = len(s.Updates) + 1
	u.Timestamp = u.Timestamp.UTC()
	s.Updates = append(s.Updates, u)
	return u
}

// UpdatesAfter returns the entries of a seq-ordered log that come after seq.
func UpdatesAfter(log []Update, seq int) []Update {
	i := sort.Search(len(log), func(i int) bool { return log[i].Seq > seq })
	return log[i:]
}

// NextSection returns the title of the next section to research and
// whether one remains.
func (s *Session) NextSection() (string, bool) {
	if s.Plan == nil || len(s.Sections) >= len(s.Plan.Sections) {
		return "", false
	}
	return s.Plan.Sections[len(s.Sections)], true
}
