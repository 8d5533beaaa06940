// Package schedule drives tool calls through their lifecycle: policy
// consult, optional human approval, concurrent execution, and batch
// completion reporting.
package schedule

import (
	"sync"
	"time"

	"github.com/calderhq/steward/pkg/tool"
)

// Status is the lifecycle state of a tool call.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Request is one tool invocation the model asked for. Immutable.
type Request struct {
	CallID            string
	Name              string
	Args              map[string]any
	IsClientInitiated bool
	PromptID          string
}

// ErrorKind classifies why a call failed, so callers can tell "not
// allowed" from "cancelled" from "the tool itself broke".
type ErrorKind string

const (
	ErrorNone         ErrorKind = ""
	ErrorNotFound     ErrorKind = "not_found"
	ErrorRejected     ErrorKind = "rejected"
	ErrorConfirmation ErrorKind = "confirmation"
	ErrorExecution    ErrorKind = "execution"
	ErrorCancelled    ErrorKind = "cancelled"
)

// Response is the model-consumable result of a terminal call.
type Response struct {
	CallID  string
	Name    string
	Content string
	Error   string
	Kind    ErrorKind
}

// liveOutputCap bounds the retained live-output buffer; long-running
// shells keep only the most recent output.
const liveOutputCap = 64 * 1024

// Call is the mutable unit tracked by the scheduler. The scheduler owns
// it for its lifetime; observers read status and live output through the
// accessor methods.
type Call struct {
	Request Request

	mu           sync.Mutex
	status       Status
	tool         tool.Tool
	confirmation *tool.ConfirmationDetails
	outcome      tool.Outcome
	response     Response
	live         []byte
	startedAt    time.Time
	completedAt  time.Time
}

func newCall(req Request) *Call {
	return &Call{
		Request:   req,
		status:    StatusValidating,
		startedAt: time.Now(),
	}
}

// Status returns the current lifecycle state.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tool returns the resolved tool, or nil if resolution failed.
func (c *Call) Tool() tool.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tool
}

// Confirmation returns the pending confirmation details. Non-nil only
// while the call is awaiting approval.
func (c *Call) Confirmation() *tool.ConfirmationDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmation
}

// Outcome returns the confirmation outcome, if one was supplied.
func (c *Call) Outcome() tool.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Response returns the terminal response. Zero value until terminal.
func (c *Call) Response() Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// LiveOutput returns the output streamed so far. Safe to call from any
// goroutine at any point in the call's life.
func (c *Call) LiveOutput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.live)
}

// Duration returns how long the call has run, or its total runtime once
// terminal.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completedAt.IsZero() {
		return time.Since(c.startedAt)
	}
	return c.completedAt.Sub(c.startedAt)
}

func (c *Call) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = s
}

func (c *Call) setTool(t tool.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tool = t
}

func (c *Call) setConfirmation(details *tool.ConfirmationDetails) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmation = details
}

func (c *Call) setOutcome(o tool.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = o
	c.confirmation = nil
}

func (c *Call) appendLiveOutput(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = append(c.live, chunk...)
	if len(c.live) > liveOutputCap {
		c.live = c.live[len(c.live)-liveOutputCap:]
	}
}

func (c *Call) finishSuccess(result *tool.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = StatusSuccess
	c.completedAt = time.Now()
	content := ""
	if result != nil {
		content = result.Content
	}
	c.response = Response{
		CallID:  c.Request.CallID,
		Name:    c.Request.Name,
		Content: content,
	}
}

func (c *Call) finishError(kind ErrorKind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = StatusError
	c.completedAt = time.Now()
	c.confirmation = nil
	c.response = Response{
		CallID: c.Request.CallID,
		Name:   c.Request.Name,
		Error:  message,
		Kind:   kind,
	}
}

func (c *Call) finishCancelled(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = StatusCancelled
	c.completedAt = time.Now()
	c.confirmation = nil
	c.response = Response{
		CallID: c.Request.CallID,
		Name:   c.Request.Name,
		Error:  message,
		Kind:   ErrorCancelled,
	}
}
