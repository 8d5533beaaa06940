// Package policy decides whether a tool call is allowed, denied, or
// needs interactive approval, based on priority-ranked rules drawn from
// three trust tiers plus runtime additions.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionAskUser Decision = "ask_user"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAskUser:
		return true
	}
	return false
}

// Tier is the trust level of a rule's source. Higher tiers always
// outrank lower ones regardless of raw priority.
type Tier int

const (
	TierDefault Tier = 1 // bundled defaults
	TierUser    Tier = 2 // user configuration
	TierAdmin   Tier = 3 // admin configuration
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierDefault:
		return "default"
	case TierUser:
		return "user"
	case TierAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// MaxRawPriority bounds raw priorities so the tier formula keeps tiers
// strictly separated.
const MaxRawPriority = 999

// Raw priorities for settings-derived synthetic rules, all user tier.
const (
	PriorityAllowListed   = 300 // tools on the explicit allow list
	PriorityTrustedServer = 310 // tools of a trusted MCP server
	PriorityDenyListed    = 400 // tools on the explicit deny list
	PriorityAlwaysAllow   = 950 // interactive "always allow" promotions
)

// Rule is one immutable policy rule. An empty ToolPattern matches every
// tool; a pattern ending in a single trailing "*" matches by prefix
// (MCP-style "server__*" wildcards); anything else matches exactly.
// ArgsPattern, when set, must match the canonical serialization of the
// call arguments.
type Rule struct {
	ToolPattern string
	ArgsPattern *regexp.Regexp
	Decision    Decision
	Priority    int
	Tier        Tier

	// Source identifies where the rule came from (file path or a
	// synthetic origin like "settings:allow-list"), for diagnostics.
	Source string

	// index is the insertion order within the engine, assigned when the
	// rule is installed. Final tie-break key.
	index int
	// runtime marks rules added after startup; they survive a static
	// reload.
	runtime bool
}

// EffectivePriority combines tier and raw priority so any rule in a
// higher tier outranks every rule in a lower one.
func (r Rule) EffectivePriority() float64 {
	return float64(r.Tier) + float64(r.Priority)/1000.0
}

// Validate rejects rules that would break tier separation or that carry
// unknown decisions.
func (r Rule) Validate() error {
	if r.Priority < 0 || r.Priority > MaxRawPriority {
		return fmt.Errorf("priority %d outside [0, %d]", r.Priority, MaxRawPriority)
	}
	if r.Tier < TierDefault || r.Tier > TierAdmin {
		return fmt.Errorf("unknown tier %d", int(r.Tier))
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("unknown decision %q", string(r.Decision))
	}
	if n := strings.Count(r.ToolPattern, "*"); n > 1 || (n == 1 && !strings.HasSuffix(r.ToolPattern, "*")) {
		return fmt.Errorf("tool pattern %q: only a single trailing * is supported", r.ToolPattern)
	}
	return nil
}

// MatchesTool reports whether the rule applies to the given tool name.
func (r Rule) MatchesTool(name string) bool {
	if r.ToolPattern == "" {
		return true
	}
	if strings.HasSuffix(r.ToolPattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(r.ToolPattern, "*"))
	}
	return r.ToolPattern == name
}

// matches reports whether the rule applies to the call as a whole.
func (r Rule) matches(toolName, canonicalArgs string) bool {
	if !r.MatchesTool(toolName) {
		return false
	}
	if r.ArgsPattern != nil && !r.ArgsPattern.MatchString(canonicalArgs) {
		return false
	}
	return true
}

// specificity orders rules with equal effective priority: an exact tool
// pattern beats a glob, a glob beats the catch-all, and longer patterns
// beat shorter ones within each class.
func (r Rule) specificity() int {
	if r.ToolPattern == "" {
		return 0
	}
	if strings.HasSuffix(r.ToolPattern, "*") {
		return 1000 + len(r.ToolPattern)
	}
	return 2000 + len(r.ToolPattern)
}

// Config is the full input to an engine.
type Config struct {
	Rules           []Rule
	DefaultDecision Decision
}

// Verdict is a decision plus the rule that produced it. Rule is nil when
// the default decision applied.
type Verdict struct {
	Decision Decision
	Rule     *Rule
}

// CanonicalArgs serializes call arguments to the canonical form that
// ArgsPattern regexes match against. encoding/json sorts map keys, which
// makes the serialization stable for equal argument sets.
func CanonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
