package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calderhq/steward/pkg/logging"
	"github.com/calderhq/steward/pkg/policy"
	"github.com/calderhq/steward/pkg/storage"
	"github.com/calderhq/steward/pkg/tool"
)

// ConfirmFunc resolves a confirmation request to an outcome. The core
// has no opinion on rendering; a terminal prompt, a GUI dialog, and an
// auto-approve policy for non-interactive runs all satisfy this. It must
// honor ctx cancellation.
type ConfirmFunc func(ctx context.Context, details *tool.ConfirmationDetails) (tool.Outcome, error)

// CompleteFunc receives every call of a batch exactly once, after all of
// them reached a terminal state, in request order.
type CompleteFunc func(batch []*Call)

// Options configures a scheduler.
type Options struct {
	Registry   *tool.Registry
	Policy     *policy.Engine
	Confirm    ConfirmFunc
	OnComplete CompleteFunc

	SessionID string
	Logger    *logging.Logger // optional
	Audit     *storage.Store  // optional
	Metrics   *Metrics        // optional
}

// Scheduler owns the in-flight tool-call state machines of one session.
// Batches are serialized: a Schedule call made while a batch is running
// queues until the running batch fully drains. Calls within one batch
// execute concurrently.
type Scheduler struct {
	registry   *tool.Registry
	policy     *policy.Engine
	confirm    ConfirmFunc
	onComplete CompleteFunc
	sessionID  string
	log        *logging.Logger
	audit      *storage.Store
	metrics    *Metrics

	mu      sync.Mutex
	running bool
	current []*Call
	queue   []pendingBatch
}

type pendingBatch struct {
	ctx  context.Context
	reqs []Request
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("policy engine required")
	}
	if opts.OnComplete == nil {
		return nil, fmt.Errorf("completion callback required")
	}
	return &Scheduler{
		registry:   opts.Registry,
		policy:     opts.Policy,
		confirm:    opts.Confirm,
		onComplete: opts.OnComplete,
		sessionID:  opts.SessionID,
		log:        opts.Logger,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
	}, nil
}

// Schedule submits a batch of requests. Completion is delivered through
// the OnComplete callback once every call in the batch is terminal. If a
// previous batch is still running, the new batch queues behind it.
func (s *Scheduler) Schedule(ctx context.Context, reqs []Request) {
	s.mu.Lock()
	if s.running {
		s.queue = append(s.queue, pendingBatch{ctx: ctx, reqs: reqs})
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.runBatch(ctx, reqs)
}

// Calls returns the calls of the current or most recently completed
// batch, in request order.
func (s *Scheduler) Calls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Call, len(s.current))
	copy(out, s.current)
	return out
}

func (s *Scheduler) runBatch(ctx context.Context, reqs []Request) {
	calls := make([]*Call, len(reqs))
	for i, req := range reqs {
		calls[i] = newCall(req)
	}

	s.mu.Lock()
	s.current = calls
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range calls {
		c := c
		g.Go(func() error {
			s.runCall(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	// A fired batch signal leaves stragglers behind; sweep them to
	// Cancelled so the batch invariant (all terminal, one completion)
	// holds.
	for _, c := range calls {
		if !c.Status().Terminal() {
			c.finishCancelled("batch cancelled")
		}
	}

	s.onComplete(calls)

	s.mu.Lock()
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		go s.runBatch(next.ctx, next.reqs)
		return
	}
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) runCall(ctx context.Context, c *Call) {
	name := c.Request.Name

	if ctx.Err() != nil {
		c.finishCancelled("cancelled before validation")
		s.recordTerminal(c)
		return
	}

	t, ok := s.registry.Get(name)
	if !ok {
		c.finishError(ErrorNotFound, s.notFoundMessage(name))
		s.recordTerminal(c)
		return
	}
	c.setTool(t)
	c.setStatus(StatusScheduled)

	verdict := s.policy.EvaluateVerdict(name, c.Request.Args)
	s.metrics.ObserveDecision(verdict.Decision)
	s.auditDecision(c, verdict)

	switch verdict.Decision {
	case policy.DecisionDeny:
		// Run the tool's confirmation provider anyway so the rejection
		// carries its messaging, then short-circuit without executing.
		msg := fmt.Sprintf("tool %q is not allowed by policy", name)
		if details, err := t.ShouldConfirm(ctx, c.Request.Args); err == nil && details != nil && details.Title != "" {
			msg += ": " + details.Title
		}
		c.finishError(ErrorRejected, msg)
		s.recordTerminal(c)
		return

	case policy.DecisionAllow:
		// Straight to execution.

	default: // ask the user
		details, err := t.ShouldConfirm(ctx, c.Request.Args)
		if err != nil {
			if ctx.Err() != nil {
				c.finishCancelled("cancelled during confirmation check")
			} else {
				c.finishError(ErrorConfirmation, fmt.Sprintf("confirmation check failed: %v", err))
			}
			s.recordTerminal(c)
			return
		}
		if details != nil {
			if !s.awaitApproval(ctx, c, details) {
				s.recordTerminal(c)
				return
			}
		}
	}

	s.execute(ctx, c)
	s.recordTerminal(c)
}

// awaitApproval suspends exactly this call until the confirmation UI
// supplies an outcome. Sibling calls in the batch are unaffected.
// Returns true if execution should proceed.
func (s *Scheduler) awaitApproval(ctx context.Context, c *Call, details *tool.ConfirmationDetails) bool {
	c.setConfirmation(details)
	c.setStatus(StatusAwaitingApproval)

	if s.confirm == nil {
		c.finishError(ErrorConfirmation, "confirmation required but no confirmation handler is configured")
		return false
	}

	outcome, err := s.confirm(ctx, details)
	if err != nil {
		if ctx.Err() != nil {
			c.finishCancelled("cancelled while awaiting approval")
		} else {
			c.finishError(ErrorConfirmation, fmt.Sprintf("confirmation failed: %v", err))
		}
		return false
	}
	c.setOutcome(outcome)

	if outcome == tool.OutcomeCancel {
		c.finishCancelled("cancelled by user")
		return false
	}
	if !outcome.Proceeds() {
		c.finishError(ErrorConfirmation, fmt.Sprintf("unknown confirmation outcome %q", string(outcome)))
		return false
	}

	s.promote(c, outcome, details)
	return true
}

// promote registers an ALLOW rule for proceed-always outcomes so future
// identical calls in this session skip confirmation.
func (s *Scheduler) promote(c *Call, outcome tool.Outcome, details *tool.ConfirmationDetails) {
	var pattern string
	switch outcome {
	case tool.OutcomeProceedAlways, tool.OutcomeProceedAlwaysTool:
		pattern = c.Request.Name
	case tool.OutcomeProceedAlwaysServer:
		if details.Kind == tool.ConfirmMCP && details.MCP != nil && details.MCP.ServerName != "" {
			pattern = details.MCP.ServerName + "__*"
		} else {
			pattern = c.Request.Name
		}
	default:
		return
	}

	rule := policy.Rule{
		ToolPattern: pattern,
		Decision:    policy.DecisionAllow,
		Priority:    policy.PriorityAlwaysAllow,
		Tier:        policy.TierUser,
		Source:      "runtime:always-allow",
	}
	if err := s.policy.AddRule(rule); err != nil {
		s.log.Warn(logging.CategorySchedule, "promotion_failed", err.Error(), map[string]any{
			"tool": c.Request.Name,
		})
		return
	}
	s.log.Info(logging.CategorySchedule, "rule_promoted", "", map[string]any{
		"pattern": pattern,
		"outcome": string(outcome),
	})
}

func (s *Scheduler) execute(ctx context.Context, c *Call) {
	c.setStatus(StatusExecuting)
	s.metrics.ExecutionStarted()
	defer s.metrics.ExecutionFinished()

	start := time.Now()
	result, err := c.Tool().Execute(ctx, c.Request.Args, c.appendLiveOutput)
	s.metrics.ObserveExecution(c.Request.Name, time.Since(start))

	switch {
	case ctx.Err() != nil:
		c.finishCancelled("execution cancelled")
	case err != nil:
		c.finishError(ErrorExecution, err.Error())
	default:
		c.finishSuccess(result)
	}
}

func (s *Scheduler) notFoundMessage(name string) string {
	msg := fmt.Sprintf("tool %q not found in registry", name)
	if suggestions := s.registry.Suggest(name); len(suggestions) > 0 {
		msg += fmt.Sprintf("; did you mean %s?", strings.Join(suggestions, ", "))
	}
	return msg
}

func (s *Scheduler) auditDecision(c *Call, verdict policy.Verdict) {
	if s.audit == nil {
		return
	}
	entry := &storage.DecisionEntry{
		SessionID: s.sessionID,
		CallID:    c.Request.CallID,
		ToolName:  c.Request.Name,
		ToolArgs:  policy.CanonicalArgs(c.Request.Args),
		Decision:  string(verdict.Decision),
	}
	if verdict.Rule != nil {
		entry.MatchedRule = verdict.Rule.ToolPattern
		entry.Tier = verdict.Rule.Tier.String()
	}
	if err := s.audit.LogDecision(entry); err != nil {
		s.log.Warn(logging.CategoryStorage, "audit_decision_failed", err.Error(), nil)
	}
}

func (s *Scheduler) recordTerminal(c *Call) {
	status := c.Status()
	s.metrics.ObserveTerminal(status)

	resp := c.Response()
	s.log.Info(logging.CategorySchedule, "call_terminal", resp.Error, map[string]any{
		"call_id": c.Request.CallID,
		"tool":    c.Request.Name,
		"status":  string(status),
	})

	if s.audit == nil {
		return
	}
	entry := &storage.ExecutionEntry{
		SessionID:  s.sessionID,
		CallID:     c.Request.CallID,
		ToolName:   c.Request.Name,
		ToolArgs:   policy.CanonicalArgs(c.Request.Args),
		Status:     string(status),
		Error:      resp.Error,
		DurationMs: c.Duration().Milliseconds(),
	}
	if err := s.audit.LogExecution(entry); err != nil {
		s.log.Warn(logging.CategoryStorage, "audit_execution_failed", err.Error(), nil)
	}
}
