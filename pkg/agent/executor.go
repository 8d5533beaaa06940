// Package agent drives the outer conversation loop: model generation,
// tool scheduling, budget enforcement, and a single bounded recovery
// attempt when a run is cut short.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calderhq/steward/pkg/logging"
	"github.com/calderhq/steward/pkg/model"
	"github.com/calderhq/steward/pkg/policy"
	"github.com/calderhq/steward/pkg/schedule"
	"github.com/calderhq/steward/pkg/storage"
	"github.com/calderhq/steward/pkg/tool"
)

// TerminateMode is the single reason assigned to a run when it stops.
type TerminateMode string

const (
	TerminateGoal         TerminateMode = "goal"
	TerminateMaxTurns     TerminateMode = "max_turns"
	TerminateTimeout      TerminateMode = "timeout"
	TerminateAborted      TerminateMode = "aborted"
	TerminateError        TerminateMode = "error"
	TerminateNoCompletion TerminateMode = "error_no_complete_task_call"
)

// CompleteTaskTool is the completion pseudo-tool always offered to the
// model. Calling it is the only way to signal the goal was reached.
const CompleteTaskTool = "complete_task"

const (
	defaultMaxTurns    = 10
	defaultGracePeriod = time.Minute
)

// Inputs configures one run.
type Inputs struct {
	SystemPrompt string
	History      []model.Message // optional seed history
	Task         string

	MaxTurns       int
	MaxRunDuration time.Duration // 0 disables the wall-clock budget
	GracePeriod    time.Duration // recovery budget, defaults to one minute
}

// RunResult is the terminal outcome of a run. Result always carries a
// human-readable explanation, whichever way the run ended.
type RunResult struct {
	Result string
	Reason TerminateMode
	Turns  int
	Usage  model.Usage
}

// Options wires an executor's collaborators. The executor owns its
// scheduler so batch completions line up with turn boundaries.
type Options struct {
	Client   model.Client
	Registry *tool.Registry
	Policy   *policy.Engine
	Confirm  schedule.ConfirmFunc

	SessionID string
	Logger    *logging.Logger // optional
	Audit     *storage.Store  // optional
	Metrics   *schedule.Metrics
	Events    EventSink // optional
}

// Executor runs agent turns strictly sequentially: turn N+1 never starts
// before turn N's tool batch has fully drained.
type Executor struct {
	client   model.Client
	registry *tool.Registry
	sched    *schedule.Scheduler
	batchCh  chan []*schedule.Call
	log      *logging.Logger
	events   EventSink
}

// New creates an executor and its scheduler.
func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("model client required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("policy engine required")
	}

	e := &Executor{
		client:   opts.Client,
		registry: opts.Registry,
		batchCh:  make(chan []*schedule.Call, 1),
		log:      opts.Logger,
		events:   opts.Events,
	}

	sched, err := schedule.New(schedule.Options{
		Registry:   opts.Registry,
		Policy:     opts.Policy,
		Confirm:    opts.Confirm,
		OnComplete: func(batch []*schedule.Call) { e.batchCh <- batch },
		SessionID:  opts.SessionID,
		Logger:     opts.Logger,
		Audit:      opts.Audit,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.sched = sched
	return e, nil
}

// Scheduler exposes the executor's scheduler, mainly so UIs can observe
// in-flight calls.
func (e *Executor) Scheduler() *schedule.Scheduler {
	return e.sched
}

// runState accumulates conversation state across turns of one run.
type runState struct {
	messages  []model.Message
	turns     int
	usage     model.Usage
	completed bool
	result    string
}

// Run executes the turn loop until a terminal condition, then performs
// at most one bounded recovery attempt. The returned error is non-nil
// only for setup failures; loop-level trouble is reported through the
// terminate reason so callers always get an explanation string.
func (e *Executor) Run(ctx context.Context, in Inputs) (*RunResult, error) {
	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	grace := in.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	// Two independent timers: the caller's cancellation and the internal
	// wall-clock budget. Combined for the loop, distinguished afterwards
	// so the terminal reason tells "ran out of time" from "was told to
	// stop".
	runCtx := ctx
	if in.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, in.MaxRunDuration)
		defer cancel()
	}

	st := &runState{}
	if in.SystemPrompt != "" {
		st.messages = append(st.messages, model.Message{Role: "system", Content: in.SystemPrompt})
	}
	st.messages = append(st.messages, in.History...)
	if in.Task != "" {
		st.messages = append(st.messages, model.Message{Role: "user", Content: in.Task})
	}

	decls := e.declarations()
	e.emit(Event{Kind: EventRunStart})

	reason := e.loop(runCtx, ctx, st, decls, maxTurns)

	if reason != TerminateGoal && reason != TerminateAborted && ctx.Err() == nil {
		reason = e.recover(ctx, st, decls, reason, grace)
	}

	result := st.result
	if result == "" {
		result = explain(reason, maxTurns, in.MaxRunDuration)
	}

	e.log.Info(logging.CategoryAgent, "run_end", result, map[string]any{
		"reason": string(reason),
		"turns":  st.turns,
	})
	e.emit(Event{Kind: EventRunEnd, Turn: st.turns, Text: string(reason)})

	return &RunResult{
		Result: result,
		Reason: reason,
		Turns:  st.turns,
		Usage:  st.usage,
	}, nil
}

// loop runs turns until a terminal condition. parentCtx is the caller's
// original signal, consulted only to attribute a combined-context cancel
// to the right reason.
func (e *Executor) loop(runCtx, parentCtx context.Context, st *runState, decls []map[string]any, maxTurns int) TerminateMode {
	for {
		if runCtx.Err() != nil {
			return cancelReason(parentCtx)
		}
		if st.turns >= maxTurns {
			return TerminateMaxTurns
		}

		mode, done := e.turn(runCtx, parentCtx, st, decls)
		if done {
			return mode
		}
	}
}

// turn performs one model call plus any resulting tool batch. Returns
// done=false to continue looping.
func (e *Executor) turn(runCtx, parentCtx context.Context, st *runState, decls []map[string]any) (TerminateMode, bool) {
	st.turns++
	e.emit(Event{Kind: EventTurnStart, Turn: st.turns})

	out, err := e.client.Generate(runCtx, model.GenerateRequest{
		Messages:   st.messages,
		Tools:      decls,
		OnFragment: e.fragmentSink(st.turns),
	})
	if err != nil {
		if runCtx.Err() != nil {
			return cancelReason(parentCtx), true
		}
		st.result = fmt.Sprintf("Model call failed: %v", err)
		e.emit(Event{Kind: EventError, Turn: st.turns, Text: err.Error()})
		return TerminateError, true
	}
	st.usage.PromptTokens += out.Usage.PromptTokens
	st.usage.CompletionTokens += out.Usage.CompletionTokens
	st.usage.TotalTokens += out.Usage.TotalTokens

	// A model that stops requesting tools without signaling completion
	// violates the protocol; this is a distinct terminal reason, never a
	// silent "done".
	if len(out.ToolCalls) == 0 {
		e.log.Warn(logging.CategoryAgent, "no_tool_calls", "model stopped without calling "+CompleteTaskTool, nil)
		return TerminateNoCompletion, true
	}

	st.messages = append(st.messages, model.Message{
		Role:      "assistant",
		Content:   out.Text,
		ToolCalls: out.ToolCalls,
	})

	responses := e.dispatch(runCtx, st, out.ToolCalls)

	// Response parts fold back in request order, so the model gets each
	// call's exact matching response without needing its own call-ID
	// disambiguation.
	for _, resp := range responses {
		content := resp.Content
		if resp.Error != "" {
			content = "Error: " + resp.Error
		}
		st.messages = append(st.messages, model.Message{
			Role:       "tool",
			ToolCallID: resp.CallID,
			Name:       resp.Name,
			Content:    content,
		})
	}

	if st.completed {
		return TerminateGoal, true
	}
	if runCtx.Err() != nil {
		return cancelReason(parentCtx), true
	}
	return "", false
}

// dispatch routes one round's tool calls: completion calls are handled
// inline, everything else goes through the scheduler as one batch.
// Responses come back in request order.
func (e *Executor) dispatch(ctx context.Context, st *runState, calls []model.ToolCall) []schedule.Response {
	responses := make([]schedule.Response, len(calls))
	var requests []schedule.Request
	var slots []int // response slot per scheduled request, in order

	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		name := call.Function.Name

		args, err := parseArgs(call.Function.Arguments)
		if err != nil {
			responses[i] = schedule.Response{
				CallID: id, Name: name,
				Error: fmt.Sprintf("invalid arguments: %v", err),
				Kind:  schedule.ErrorExecution,
			}
			continue
		}

		if name == CompleteTaskTool {
			responses[i] = e.handleCompletion(st, id, args)
			continue
		}

		e.emit(Event{Kind: EventToolStart, Turn: st.turns, CallID: id, ToolName: name})
		slots = append(slots, i)
		requests = append(requests, schedule.Request{
			CallID:   id,
			Name:     name,
			Args:     args,
			PromptID: fmt.Sprintf("turn-%d", st.turns),
		})
	}

	if len(requests) > 0 {
		e.sched.Schedule(ctx, requests)
		batch := <-e.batchCh
		// The batch comes back in request order, so positional mapping
		// stays correct even if the model repeated a call ID.
		for j, c := range batch {
			resp := c.Response()
			e.emit(Event{
				Kind: EventToolEnd, Turn: st.turns,
				CallID: resp.CallID, ToolName: resp.Name,
				Status: string(c.Status()), Text: resp.Error,
			})
			if j < len(slots) {
				responses[slots[j]] = resp
			}
		}
	}

	return responses
}

// handleCompletion accepts the first completion call of a round and
// rejects duplicates with an error response instead of silently
// accepting them.
func (e *Executor) handleCompletion(st *runState, id string, args map[string]any) schedule.Response {
	if st.completed {
		return schedule.Response{
			CallID: id, Name: CompleteTaskTool,
			Error: "task completion was already signalled in this round",
			Kind:  schedule.ErrorExecution,
		}
	}
	st.completed = true
	if result, ok := args["result"].(string); ok {
		st.result = result
	}
	if st.result == "" {
		st.result = "Task signalled complete."
	}
	return schedule.Response{
		CallID: id, Name: CompleteTaskTool,
		Content: "Completion acknowledged.",
	}
}

// recover injects a final warning and grants one more iteration under an
// independent, shorter grace timer. A recovered goal overrides the
// original reason; anything else keeps it.
func (e *Executor) recover(ctx context.Context, st *runState, decls []map[string]any, original TerminateMode, grace time.Duration) TerminateMode {
	e.emit(Event{Kind: EventRecovery, Turn: st.turns, Text: string(original)})
	e.log.Warn(logging.CategoryAgent, "recovery_attempt", "", map[string]any{
		"reason": string(original),
		"grace":  grace.String(),
	})

	st.messages = append(st.messages, model.Message{
		Role: "user",
		Content: fmt.Sprintf(
			"Final warning: the run hit its limit (%s). You have one final opportunity to wrap up. Call %s now with your best result.",
			string(original), CompleteTaskTool,
		),
	})

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	prior := st.result
	mode, done := e.turn(graceCtx, ctx, st, decls)
	if done && mode == TerminateGoal {
		return TerminateGoal
	}
	if ctx.Err() != nil {
		return TerminateAborted
	}
	// Recovery failed; restore the pre-recovery result so the original
	// reason's explanation is reported.
	st.result = prior
	return original
}

func (e *Executor) declarations() []map[string]any {
	var decls []map[string]any
	for _, t := range e.registry.List() {
		decls = append(decls, tool.Declaration(t))
	}
	decls = append(decls, completionDeclaration())
	return decls
}

func (e *Executor) fragmentSink(turn int) func(model.Fragment) {
	if e.events == nil {
		return nil
	}
	return func(f model.Fragment) {
		kind := EventText
		if f.Kind == model.FragmentThought {
			kind = EventThought
		}
		e.emit(Event{Kind: kind, Turn: turn, Text: f.Text})
	}
}

func completionDeclaration() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        CompleteTaskTool,
			"description": "Signal that the task is complete and report the final result.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"result": map[string]any{
						"type":        "string",
						"description": "The final result or summary of the completed task.",
					},
				},
				"required": []string{"result"},
			},
		},
	}
}

func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// cancelReason attributes a combined-context cancellation: if the
// caller's own signal fired it was an abort, otherwise the wall-clock
// budget expired.
func cancelReason(parentCtx context.Context) TerminateMode {
	if parentCtx.Err() != nil {
		return TerminateAborted
	}
	return TerminateTimeout
}

func explain(reason TerminateMode, maxTurns int, budget time.Duration) string {
	switch reason {
	case TerminateGoal:
		return "Task signalled complete."
	case TerminateMaxTurns:
		return fmt.Sprintf("Run terminated: reached the maximum of %d turns without the task being signalled complete.", maxTurns)
	case TerminateTimeout:
		return fmt.Sprintf("Run terminated: exceeded the %s wall-clock budget.", budget)
	case TerminateAborted:
		return "Run aborted by caller."
	case TerminateNoCompletion:
		return fmt.Sprintf("Run terminated: the model stopped requesting tools without calling %s.", CompleteTaskTool)
	default:
		return "Run terminated with an error."
	}
}
