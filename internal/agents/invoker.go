package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/tracing"
)

// CompletionRequest is one prompt sent to a chat model.
type CompletionRequest struct {
	Role        research.AgentRole
	Prompt      string
	Temperature float64
	JSON        bool
}

// Completer sends a prompt to a chat model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ChatInvoker implements Invoker over any Completer using the prompt set.
type ChatInvoker struct {
	llm     Completer
	prompts *Prompts
	logger  *zap.Logger
	// reasks is how many times an unparseable reply is requested again.
	reasks int
}

// NewChatInvoker returns an invoker. A nil prompt set uses the embedded one.
func NewChatInvoker(llm Completer, prompts *Prompts, logger *zap.Logger) (*ChatInvoker, error) {
	if prompts == nil {
		var err error
		if prompts, err = DefaultPrompts(); err != nil {
			return nil, err
		}
	}
	return &ChatInvoker{llm: llm, prompts: prompts, logger: logger, reasks: 1}, nil
}

func (c *ChatInvoker) Plan(ctx context.Context, in PlanInput) (research.Plan, error) {
	var plan research.Plan
	err := c.structured(ctx, research.RoleManager, in.SessionID, c.prompts.Manager, in, func(reply string) error {
		var err error
		plan, err = ParsePlan([]byte(reply))
		return err
	})
	return plan, err
}

func (c *ChatInvoker) Draft(ctx context.Context, in DraftInput) (Draft, error) {
	reply, err := c.call(ctx, research.RoleWriter, in.SessionID, c.prompts.Writer, in)
	if err != nil {
		return Draft{}, err
	}
	body := strings.TrimSpace(reply)
	if body == "" {
		return Draft{}, fmt.Errorf("writer returned an empty section for %q", in.Section)
	}
	return Draft{Body: body}, nil
}

func (c *ChatInvoker) Critique(ctx context.Context, in CritiqueInput) (Verdict, error) {
	var v Verdict
	err := c.structured(ctx, research.RoleCritique, in.SessionID, c.prompts.Critique, in, func(reply string) error {
		var err error
		v, err = ParseVerdict([]byte(reply))
		return err
	})
	return v, err
}

// structured calls the model and parses the reply, asking again when the
// reply cannot be parsed.
func (c *ChatInvoker) structured(ctx context.Context, role research.AgentRole, sessionID string, spec PromptSpec, data interface{}, parse func(string) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.reasks; attempt++ {
		reply, err := c.call(ctx, role, sessionID, spec, data)
		if err != nil {
			return err
		}
		lastErr = parse(reply)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnparseable) {
			return lastErr
		}
		c.logger.Warn("Unparseable agent reply",
			zap.String("session_id", sessionID),
			zap.String("agent", string(role)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("%s output: %w", role, lastErr)
}

func (c *ChatInvoker) call(ctx context.Context, role research.AgentRole, sessionID string, spec PromptSpec, data interface{}) (reply string, err error) {
	prompt, err := spec.Render(data)
	if err != nil {
		return "", fmt.Errorf("render %s prompt: %w", role, err)
	}

	ctx, span := tracing.StartSessionSpan(ctx, "agent."+string(role), sessionID,
		attribute.String("research.agent", string(role)))
	start := time.Now()
	defer func() {
		metrics.RecordAgentCall(string(role), time.Since(start).Seconds(), err)
		tracing.End(span, err)
	}()

	reply, err = c.llm.Complete(ctx, CompletionRequest{
		Role:        role,
		Prompt:      prompt,
		Temperature: spec.Temperature,
		JSON:        spec.JSON,
	})
	if err != nil {
		return "", fmt.Errorf("%s call failed: %w", role, err)
	}
	return reply, nil
}
