// Package agent runs isolated sub-agents in parallel. Each agent gets its own
// conversation, a read-only tool surface, and a budget; results come back to
// the caller, which alone persists anything.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

var (
	// ErrKilled is the result error of an agent stopped through the tracker.
	ErrKilled = errors.New("agent killed")

	// ErrTurnBudgetExhausted is returned when an agent runs out of turns
	// without returning a result.
	ErrTurnBudgetExhausted = errors.New("turn budget exhausted")
)

const returnReminder = "You have not returned a result. Call return_result with your findings now."

// Config holds orchestrator defaults. Spec fields override them per agent.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxTurns      int
	MaxToolCalls  int
	DefaultModel  string
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		Timeout:       3 * time.Minute,
		MaxTurns:      12,
		MaxToolCalls:  24,
	}
}

// Spec describes one sub-agent to run.
type Spec struct {
	Type         string
	Name         string
	SystemPrompt string
	Prompt       string
	Model        string
	MaxTurns     int
	MaxToolCalls int
	Timeout      time.Duration

	// ResultSchema constrains the return_result payload when set.
	ResultSchema map[string]any
}

// Result is the outcome of one sub-agent.
type Result struct {
	AgentID   string
	Type      string
	Name      string
	Status    activity.Status
	Output    json.RawMessage
	Err       error
	Turns     int
	ToolCalls int
	Duration  time.Duration
}

// OK reports whether the agent completed with a result.
func (r Result) OK() bool {
	return r.Status == activity.StatusCompleted
}

// ExecutionContext is the private state of one running agent. It is never
// shared between agents.
type ExecutionContext struct {
	AgentID   string
	AgentType string

	// ResponseChain is the id of the last server-side response when the
	// backend keeps conversation state.
	ResponseChain string

	Tools *RestrictedExecutor

	// Transcript is the full history for backends without response chains.
	Transcript []llm.Message
}

// Orchestrator dispatches batches of sub-agents.
type Orchestrator struct {
	client    llm.Client
	exec      *executor.Executor
	artifacts artifact.Reader
	tracker   *activity.Tracker
	sem       *semaphore.Weighted
	cfg       Config
	log       *logger.Logger
}

// NewOrchestrator creates an orchestrator. The client must implement
// llm.ChainedClient or llm.ToolCaller.
func NewOrchestrator(client llm.Client, exec *executor.Executor, artifacts artifact.Reader, tracker *activity.Tracker, cfg Config, log *logger.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = def.MaxToolCalls
	}
	if tracker == nil {
		tracker = activity.NewTracker(log)
	}
	return &Orchestrator{
		client:    client,
		exec:      exec,
		artifacts: artifacts,
		tracker:   tracker,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:       cfg,
		log:       logger.OrNop(log).Named("agent"),
	}
}

// Tracker returns the activity tracker agents report to.
func (o *Orchestrator) Tracker() *activity.Tracker {
	return o.tracker
}

// Kill stops a running agent. Its slot is freed once it unwinds.
func (o *Orchestrator) Kill(agentID string) error {
	return o.tracker.Kill(agentID)
}

// Dispatch runs every spec concurrently, at most MaxConcurrent at a time,
// and returns one result per spec in spec order. A failing agent does not
// affect its siblings.
func (o *Orchestrator) Dispatch(ctx context.Context, specs []Spec) []Result {
	results := make([]Result, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		id := o.tracker.Start(spec.Type, displayName(spec))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.run(ctx, id, spec)
		}()
	}
	wg.Wait()
	return results
}

func displayName(spec Spec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.Type
}

func (o *Orchestrator) run(ctx context.Context, id string, spec Spec) Result {
	start := time.Now()
	res := Result{AgentID: id, Type: spec.Type, Name: spec.Name}
	log := o.log.WithAgent(id, spec.Type)

	finish := func(status activity.Status, err error) Result {
		res.Status = status
		res.Err = err
		res.Duration = time.Since(start)
		metrics.AgentResultsTotal.WithLabelValues(spec.Type, string(status)).Inc()
		return res
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		cerr := llm.NewCancelledError(err)
		o.tracker.Fail(id, cerr)
		return finish(activity.StatusFailed, cerr)
	}
	defer o.sem.Release(1)

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := o.tracker.Attach(id, cancel); err != nil {
		return finish(activity.StatusFailed, err)
	}
	if err := o.tracker.MarkRunning(id); err != nil {
		return finish(activity.StatusFailed, err)
	}
	log.Info("agent started", zap.String("name", spec.Name))

	maxCalls := spec.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = o.cfg.MaxToolCalls
	}
	ec := &ExecutionContext{
		AgentID:   id,
		AgentType: spec.Type,
		Tools:     NewRestrictedExecutor(o.artifacts, spec.ResultSchema, maxCalls),
	}

	out, turns, err := o.loop(agentCtx, ec, spec)
	res.Turns = turns
	res.ToolCalls = ec.Tools.Calls()

	if err == nil {
		res.Output = out
		if terr := o.tracker.Complete(id); terr != nil && o.killed(id) {
			log.Info("agent killed after returning")
			return finish(activity.StatusKilled, ErrKilled)
		}
		log.Info("agent completed", zap.Int("turns", turns), zap.Int("tool_calls", res.ToolCalls))
		return finish(activity.StatusCompleted, nil)
	}

	if o.killed(id) {
		log.Info("agent killed", zap.Int("turns", turns))
		return finish(activity.StatusKilled, ErrKilled)
	}
	if errors.Is(agentCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("agent timed out after %s: %w", timeout, err)
	}
	o.tracker.Append(id, activity.Entry{Kind: "error", Text: err.Error()})
	o.tracker.Fail(id, err)
	log.Warn("agent failed", zap.Int("turns", turns), zap.Error(err))
	return finish(activity.StatusFailed, err)
}

func (o *Orchestrator) killed(id string) bool {
	task, ok := o.tracker.Get(id)
	return ok && task.Status == activity.StatusKilled
}

// loop drives the agent until it returns a result or exhausts a budget.
func (o *Orchestrator) loop(ctx context.Context, ec *ExecutionContext, spec Spec) (json.RawMessage, int, error) {
	model := spec.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.cfg.MaxTurns
	}

	chained, isChained := o.client.(llm.ChainedClient)
	caller, isCaller := o.client.(llm.ToolCaller)
	if !isChained && !isCaller {
		return nil, 0, llm.NewClientError("backend %s does not support tool calling", o.client.Backend())
	}

	call := executor.Call{Name: "agent_turn", Backend: string(o.client.Backend()), ModelID: model}
	tools := ec.Tools.Tools()
	input := []llm.Message{llm.UserMessage(spec.Prompt)}
	if !isChained {
		ec.Transcript = append(ec.Transcript, input...)
	}
	o.tracker.Append(ec.AgentID, activity.Entry{Kind: "prompt", Text: spec.Prompt})

	for turn := 1; turn <= maxTurns; turn++ {
		resp, err := executor.Execute(ctx, o.exec, call, func(ctx context.Context) (*llm.Response, error) {
			if isChained {
				return chained.ExecuteTurn(ctx, &llm.TurnRequest{
					Model:              model,
					Instructions:       spec.SystemPrompt,
					PreviousResponseID: ec.ResponseChain,
					Input:              input,
					Tools:              tools,
					ToolChoice:         llm.ToolChoice{Mode: llm.ToolChoiceAuto},
				})
			}
			return caller.ExecuteWithTools(ctx, &llm.Request{
				Model:      model,
				System:     spec.SystemPrompt,
				Messages:   ec.Transcript,
				Tools:      tools,
				ToolChoice: llm.ToolChoice{Mode: llm.ToolChoiceAuto},
			})
		})
		if err != nil {
			return nil, turn, err
		}

		if isChained {
			ec.ResponseChain = resp.ID
		} else {
			ec.Transcript = append(ec.Transcript, llm.AssistantMessage(resp))
		}
		if resp.Text != "" {
			o.tracker.Append(ec.AgentID, activity.Entry{Kind: "message", Text: resp.Text})
		}

		if len(resp.ToolCalls) == 0 {
			input = []llm.Message{llm.UserMessage(returnReminder)}
			if !isChained {
				ec.Transcript = append(ec.Transcript, input...)
			}
			continue
		}

		input = input[:0:0]
		for _, tc := range resp.ToolCalls {
			o.tracker.Append(ec.AgentID, activity.Entry{Kind: "tool_call", Text: tc.Name + " " + string(tc.Arguments)})

			tr, err := ec.Tools.Execute(ctx, tc)
			if err != nil {
				return nil, turn, err
			}
			if tr.Final != nil {
				return tr.Final, turn, nil
			}

			o.tracker.Append(ec.AgentID, activity.Entry{Kind: "tool_result", Text: truncate(tr.Output, 500)})
			msg := llm.ToolResultMessage(tc.ID, tr.Output)
			input = append(input, msg)
			if !isChained {
				ec.Transcript = append(ec.Transcript, msg)
			}
		}
	}

	return nil, maxTurns, fmt.Errorf("%w after %d turns", ErrTurnBudgetExhausted, maxTurns)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
