package tool

import (
	"github.com/pmezard/go-difflib/difflib"
)

// ConfirmationKind identifies why a tool call needs confirmation.
type ConfirmationKind string

const (
	ConfirmEdit ConfirmationKind = "edit"
	ConfirmExec ConfirmationKind = "exec"
	ConfirmInfo ConfirmationKind = "info"
	ConfirmMCP  ConfirmationKind = "mcp"
)

// ConfirmationDetails describes a pending confirmation. Exactly one of
// the per-kind fields matching Kind is set; callers switch on Kind and
// treat an unknown kind as a hard error so new kinds can't be ignored
// silently.
type ConfirmationDetails struct {
	Kind  ConfirmationKind
	Title string

	Edit *EditConfirmation
	Exec *ExecConfirmation
	Info *InfoConfirmation
	MCP  *MCPConfirmation
}

// EditConfirmation describes a proposed file modification.
type EditConfirmation struct {
	FilePath   string
	OldContent string
	NewContent string
}

// UnifiedDiff renders the proposed change as a unified diff for display.
func (e *EditConfirmation) UnifiedDiff() string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(e.OldContent),
		B:        difflib.SplitLines(e.NewContent),
		FromFile: e.FilePath,
		ToFile:   e.FilePath,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return out
}

// ExecConfirmation describes a shell command awaiting approval.
type ExecConfirmation struct {
	Command     string
	RootCommand string // first token, used for "always allow" promotions
	Description string
}

// InfoConfirmation describes an informational action (e.g. a web fetch).
type InfoConfirmation struct {
	Prompt string
	URLs   []string
}

// MCPConfirmation describes a call to an MCP-hosted tool.
type MCPConfirmation struct {
	ServerName string
	ToolName   string
}

// Outcome is the user's answer to a confirmation request.
type Outcome string

const (
	OutcomeProceedOnce         Outcome = "proceed_once"
	OutcomeProceedAlways       Outcome = "proceed_always"
	OutcomeProceedAlwaysServer Outcome = "proceed_always_server"
	OutcomeProceedAlwaysTool   Outcome = "proceed_always_tool"
	OutcomeCancel              Outcome = "cancel"
	OutcomeModifyWithEditor    Outcome = "modify_with_editor"
)

// Proceeds reports whether the outcome lets execution continue.
func (o Outcome) Proceeds() bool {
	switch o {
	case OutcomeProceedOnce, OutcomeProceedAlways, OutcomeProceedAlwaysServer,
		OutcomeProceedAlwaysTool, OutcomeModifyWithEditor:
		return true
	default:
		return false
	}
}
