package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/agents"
	"github.com/insightengine/orchestrator/internal/approval"
	"github.com/insightengine/orchestrator/internal/render"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/session"
	"github.com/insightengine/orchestrator/internal/streaming"
)

type fakeAgents struct {
	mu sync.Mutex

	plans      []research.Plan
	planErr    error
	planPanic  bool
	issuesFor  map[string]bool
	planInputs []agents.PlanInput
	drafts     []agents.DraftInput
	critiques  []agents.CritiqueInput
}

func (f *fakeAgents) Plan(_ context.Context, in agents.PlanInput) (research.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.planPanic {
		panic("planner exploded")
	}
	f.planInputs = append(f.planInputs, in)
	if f.planErr != nil {
		return research.Plan{}, f.planErr
	}
	i := len(f.planInputs) - 1
	if i >= len(f.plans) {
		i = len(f.plans) - 1
	}
	return f.plans[i], nil
}

func (f *fakeAgents) Draft(_ context.Context, in agents.DraftInput) (agents.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, in)
	return agents.Draft{Body: "Body of " + in.Section}, nil
}

func (f *fakeAgents) Critique(_ context.Context, in agents.CritiqueInput) (agents.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.critiques = append(f.critiques, in)
	if f.issuesFor[in.Section] {
		return agents.Verdict{HasIssues: true, Feedback: "needs evidence", UnsupportedClaims: []string{"claim"}}, nil
	}
	return agents.Verdict{QualityScore: 8}, nil
}

func (f *fakeAgents) counts() (plans, drafts, critiques int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.planInputs), len(f.drafts), len(f.critiques)
}

func (f *fakeAgents) draftInputs() []agents.DraftInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agents.DraftInput(nil), f.drafts...)
}

type fakeSources struct {
	mu      sync.Mutex
	err     error
	queries []string
	// block, when set, holds every call until closed.
	block chan struct{}
	// entered is signalled once per call.
	entered chan struct{}
}

func (f *fakeSources) FetchSources(ctx context.Context, query string, max int) ([]research.Citation, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]research.Citation, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, research.Citation{Title: query, URL: "https://example.com/" + string(rune('a'+i))})
	}
	return out, nil
}

func (f *fakeSources) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeRenderer struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeRenderer) RenderReport(_ context.Context, _ string, sections []research.Section, sessionID string) (render.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return render.Artifact{}, f.err
	}
	return render.Artifact{Path: "/reports/" + render.FileName(sessionID)}, nil
}

type harness struct {
	store    *session.MemoryStore
	bus      *streaming.Manager
	gate     *approval.LocalGate
	agents   *fakeAgents
	sources  *fakeSources
	renderer *fakeRenderer
	orch     *Orchestrator
	service  *Service
	runner   *Runner
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 5 * time.Second
	cfg.ApprovalPollInterval = 20 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    session.NewMemoryStore(),
		gate:     approval.NewLocalGate(),
		agents:   &fakeAgents{plans: []research.Plan{{Sections: []string{"History", "Chemistry", "Markets", "Policy"}, EstimatedSources: 12}}},
		sources:  &fakeSources{},
		renderer: &fakeRenderer{},
	}
	h.bus = streaming.NewManager(h.store, 0, zap.NewNop())
	orch, err := New(Deps{
		Store:    h.store,
		Bus:      h.bus,
		Gate:     h.gate,
		Agents:   h.agents,
		Sources:  h.sources,
		Renderer: h.renderer,
		Logger:   zap.NewNop(),
	}, cfg)
	require.NoError(t, err)
	h.orch = orch
	h.runner = NewRunner(orch, zap.NewNop())
	h.service = NewService(h.store, h.bus, h.gate, h.runner, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runner.Shutdown(ctx)
	})
	return h
}

// run starts Run in the background and returns a channel with its result.
func (h *harness) run(t *testing.T, topic string) (string, <-chan error) {
	t.Helper()
	sess, err := h.store.Create(context.Background(), topic, "user-1")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), sess.ID) }()
	return sess.ID, done
}

func (h *harness) waitStatus(t *testing.T, id string, want research.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), id)
		return err == nil && s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session task did not finish")
		return nil
	}
}

func actions(s *research.Session) []string {
	out := make([]string, 0, len(s.Updates))
	for _, u := range s.Updates {
		out = append(out, u.Action)
	}
	return out
}

func updatesWith(s *research.Session, action string) []research.Update {
	var out []research.Update
	for _, u := range s.Updates {
		if u.Action == action {
			out = append(out, u)
		}
	}
	return out
}

var errSearchDown = errors.New("search backend unavailable")
