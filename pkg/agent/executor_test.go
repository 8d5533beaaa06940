package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/steward/pkg/model"
	"github.com/calderhq/steward/pkg/policy"
	"github.com/calderhq/steward/pkg/tool"
)

type step func(ctx context.Context, req model.GenerateRequest) (*model.GenerateResult, error)

// scriptedClient replays a fixed sequence of model responses; the last
// step repeats if the executor asks for more.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	requests []model.GenerateRequest
}

func (c *scriptedClient) Generate(ctx context.Context, req model.GenerateRequest) (*model.GenerateResult, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	s := c.steps[idx]
	c.mu.Unlock()
	return s(ctx, req)
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) request(i int) model.GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func callsResult(calls ...model.ToolCall) step {
	return func(ctx context.Context, req model.GenerateRequest) (*model.GenerateResult, error) {
		return &model.GenerateResult{ToolCalls: calls}, nil
	}
}

func textOnly(text string) step {
	return func(ctx context.Context, req model.GenerateRequest) (*model.GenerateResult, error) {
		return &model.GenerateResult{Text: text}, nil
	}
}

func toolCall(id, name, args string) model.ToolCall {
	return model.ToolCall{
		ID:       id,
		Type:     "function",
		Function: model.FunctionCall{Name: name, Arguments: args},
	}
}

func completeCall(id, result string) model.ToolCall {
	return toolCall(id, CompleteTaskTool, fmt.Sprintf(`{"result":%q}`, result))
}

type echoTool struct {
	name      string
	executeFn func(ctx context.Context, args map[string]any) (*tool.Result, error)
}

func (e *echoTool) Name() string           { return e.name }
func (e *echoTool) Description() string    { return "echoes" }
func (e *echoTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (e *echoTool) ShouldConfirm(ctx context.Context, args map[string]any) (*tool.ConfirmationDetails, error) {
	return nil, nil
}
func (e *echoTool) Execute(ctx context.Context, args map[string]any, onOutput tool.OutputFunc) (*tool.Result, error) {
	if e.executeFn != nil {
		return e.executeFn(ctx, args)
	}
	return &tool.Result{Content: "echo:" + e.name}, nil
}

func newTestExecutor(t *testing.T, client model.Client, tools ...tool.Tool) *Executor {
	t.Helper()

	registry := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, registry.Register(tl))
	}
	engine, err := policy.NewEngine(policy.Config{DefaultDecision: policy.DecisionAllow})
	require.NoError(t, err)

	e, err := New(Options{
		Client:    client,
		Registry:  registry,
		Policy:    engine,
		SessionID: "test",
	})
	require.NoError(t, err)
	return e
}

func TestRunReachesGoal(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callsResult(toolCall("t1", "echo", `{"text":"hi"}`)),
		callsResult(completeCall("t2", "all done")),
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{Task: "say hi", MaxTurns: 5})
	require.NoError(t, err)
	assert.Equal(t, TerminateGoal, res.Reason)
	assert.Equal(t, "all done", res.Result)
	assert.Equal(t, 2, res.Turns)

	// The second model call must see the first round's tool response,
	// keyed by the originating call ID.
	req := client.request(1)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "t1", last.ToolCallID)
	assert.Equal(t, "echo:echo", last.Content)
}

func TestResponsesFoldInRequestOrder(t *testing.T) {
	// slow_a finishes after fast_b, but its response must still come
	// first in the next model message.
	bDone := make(chan struct{})
	slowA := &echoTool{
		name: "slow_a",
		executeFn: func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			<-bDone
			return &tool.Result{Content: "a-result"}, nil
		},
	}
	fastB := &echoTool{
		name: "fast_b",
		executeFn: func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			defer close(bDone)
			return &tool.Result{Content: "b-result"}, nil
		},
	}

	client := &scriptedClient{steps: []step{
		callsResult(
			toolCall("a1", "slow_a", `{}`),
			toolCall("b1", "fast_b", `{}`),
		),
		callsResult(completeCall("c1", "done")),
	}}
	e := newTestExecutor(t, client, slowA, fastB)

	res, err := e.Run(context.Background(), Inputs{Task: "race", MaxTurns: 5})
	require.NoError(t, err)
	require.Equal(t, TerminateGoal, res.Reason)

	req := client.request(1)
	n := len(req.Messages)
	require.GreaterOrEqual(t, n, 3)
	assistant := req.Messages[n-3]
	first := req.Messages[n-2]
	second := req.Messages[n-1]

	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, "a1", first.ToolCallID)
	assert.Equal(t, "a-result", first.Content)
	assert.Equal(t, "b1", second.ToolCallID)
	assert.Equal(t, "b-result", second.Content)
}

func TestDuplicateCallIDsFoldBothResponses(t *testing.T) {
	// A model reusing one call ID for two calls must still get both
	// responses back, in request order.
	client := &scriptedClient{steps: []step{
		callsResult(
			toolCall("dup", "tool_a", `{}`),
			toolCall("dup", "tool_b", `{}`),
		),
		callsResult(completeCall("c1", "done")),
	}}
	e := newTestExecutor(t, client, &echoTool{name: "tool_a"}, &echoTool{name: "tool_b"})

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 5})
	require.NoError(t, err)
	require.Equal(t, TerminateGoal, res.Reason)

	req := client.request(1)
	n := len(req.Messages)
	require.GreaterOrEqual(t, n, 3)
	first := req.Messages[n-2]
	second := req.Messages[n-1]
	assert.Equal(t, "dup", first.ToolCallID)
	assert.Equal(t, "echo:tool_a", first.Content)
	assert.Equal(t, "dup", second.ToolCallID)
	assert.Equal(t, "echo:tool_b", second.Content)
}

func TestZeroToolCallsIsProtocolViolation(t *testing.T) {
	client := &scriptedClient{steps: []step{textOnly("I think I'm done!")}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 5})
	require.NoError(t, err)
	assert.Equal(t, TerminateNoCompletion, res.Reason)
	assert.Contains(t, res.Result, CompleteTaskTool)
	// One main-loop turn plus one recovery turn.
	assert.Equal(t, 2, client.callCount())
}

func TestMaxTurnsRecoverySucceeds(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callsResult(toolCall("t1", "echo", `{}`)),
		callsResult(completeCall("t2", "recovered result")),
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 1})
	require.NoError(t, err)
	assert.Equal(t, TerminateGoal, res.Reason)
	assert.Equal(t, "recovered result", res.Result)

	// The recovery turn must carry the injected final warning.
	req := client.request(1)
	var warned bool
	for _, m := range req.Messages {
		if m.Role == "user" && len(m.Content) > 0 && containsAll(m.Content, "Final warning", CompleteTaskTool) {
			warned = true
		}
	}
	assert.True(t, warned, "recovery turn missing final-warning message")
}

func TestMaxTurnsRecoveryFails(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callsResult(toolCall("t1", "echo", `{}`)),
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 1})
	require.NoError(t, err)
	assert.Equal(t, TerminateMaxTurns, res.Reason, "failed recovery keeps the original reason, never a silent error")
	assert.Contains(t, res.Result, "maximum of 1 turns")
	assert.Equal(t, 2, client.callCount())
}

func TestExternalAbortIsNotRecovered(t *testing.T) {
	client := &scriptedClient{steps: []step{
		func(ctx context.Context, req model.GenerateRequest) (*model.GenerateResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := e.Run(ctx, Inputs{Task: "work", MaxTurns: 5})
	require.NoError(t, err)
	assert.Equal(t, TerminateAborted, res.Reason)
	assert.Equal(t, 1, client.callCount(), "no recovery attempt after external cancellation")
}

func TestTimeoutDistinguishedFromAbort(t *testing.T) {
	client := &scriptedClient{steps: []step{
		func(ctx context.Context, req model.GenerateRequest) (*model.GenerateResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{
		Task:           "work",
		MaxTurns:       5,
		MaxRunDuration: 30 * time.Millisecond,
		GracePeriod:    30 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, TerminateTimeout, res.Reason)
	assert.Contains(t, res.Result, "wall-clock")
	// Budget exhaustion is recovery-eligible: main turn plus grace turn.
	assert.Equal(t, 2, client.callCount())
}

func TestDuplicateCompletionInOneRoundRejected(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callsResult(
			completeCall("c1", "first"),
			completeCall("c2", "second"),
		),
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 5})
	require.NoError(t, err)
	assert.Equal(t, TerminateGoal, res.Reason)
	assert.Equal(t, "first", res.Result, "duplicate completion must not override the first")
}

func TestActivityEventsEmitted(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callsResult(toolCall("t1", "echo", `{}`)),
		callsResult(completeCall("t2", "done")),
	}}

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(&echoTool{name: "echo"}))
	engine, err := policy.NewEngine(policy.Config{DefaultDecision: policy.DecisionAllow})
	require.NoError(t, err)

	var mu sync.Mutex
	kinds := map[EventKind]int{}
	e, err := New(Options{
		Client:    client,
		Registry:  registry,
		Policy:    engine,
		SessionID: "test",
		Events: func(ev Event) {
			mu.Lock()
			kinds[ev.Kind]++
			mu.Unlock()
			assert.NotEmpty(t, ev.ID)
		},
	})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 5})
	require.NoError(t, err)
	require.Equal(t, TerminateGoal, res.Reason)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, kinds[EventRunStart])
	assert.Equal(t, 2, kinds[EventTurnStart])
	assert.Equal(t, 1, kinds[EventToolStart])
	assert.Equal(t, 1, kinds[EventToolEnd])
	assert.Equal(t, 1, kinds[EventRunEnd])
}

func TestInvalidToolArgumentsBecomeErrorResponse(t *testing.T) {
	client := &scriptedClient{steps: []step{
		callsResult(toolCall("t1", "echo", `{not json`)),
		callsResult(completeCall("t2", "done")),
	}}
	e := newTestExecutor(t, client, &echoTool{name: "echo"})

	res, err := e.Run(context.Background(), Inputs{Task: "work", MaxTurns: 5})
	require.NoError(t, err)
	require.Equal(t, TerminateGoal, res.Reason)

	req := client.request(1)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "t1", last.ToolCallID)
	assert.Contains(t, last.Content, "invalid arguments")
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
