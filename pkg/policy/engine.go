package policy

import (
	"fmt"
	"sync"
)

// Engine evaluates tool calls against the loaded rule set. The rule set
// is read-mostly: AddRule is the only mutation after startup, and rules
// are never removed during a session. ReplaceStatic swaps the
// file-loaded rules on a hot reload while keeping runtime additions.
type Engine struct {
	mu              sync.RWMutex
	rules           []Rule
	defaultDecision Decision
	nextIndex       int
}

// NewEngine creates an engine from a validated config. Invalid rules are
// rejected here outright; callers that need per-rule diagnostics filter
// through LoadTiers first.
func NewEngine(cfg Config) (*Engine, error) {
	def := cfg.DefaultDecision
	if def == "" {
		def = DecisionAskUser
	}
	if !def.Valid() {
		return nil, fmt.Errorf("invalid default decision %q", string(cfg.DefaultDecision))
	}

	e := &Engine{defaultDecision: def}
	for i, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.index = e.nextIndex
		e.nextIndex++
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Evaluate returns the decision for a tool call. Pure with respect to
// the current rule set: no I/O, no clock, no mutation.
func (e *Engine) Evaluate(toolName string, args map[string]any) Decision {
	return e.EvaluateVerdict(toolName, args).Decision
}

// EvaluateVerdict is Evaluate plus the winning rule, for audit trails
// and UX messaging.
//
// Among matching rules the numerically highest effective priority wins.
// The tier formula makes equal effective priorities unlikely, but ties
// are still resolved deterministically: the more specific tool pattern
// wins, and if patterns are equally specific the later-installed rule
// wins (so runtime promotions take effect over equal-priority statics).
func (e *Engine) EvaluateVerdict(toolName string, args map[string]any) Verdict {
	canonical := CanonicalArgs(args)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *Rule
	for i := range e.rules {
		r := &e.rules[i]
		if !r.matches(toolName, canonical) {
			continue
		}
		if best == nil || ruleOutranks(r, best) {
			best = r
		}
	}

	if best == nil {
		return Verdict{Decision: e.defaultDecision}
	}
	matched := *best
	return Verdict{Decision: matched.Decision, Rule: &matched}
}

func ruleOutranks(a, b *Rule) bool {
	ap, bp := a.EffectivePriority(), b.EffectivePriority()
	if ap != bp {
		return ap > bp
	}
	if as, bs := a.specificity(), b.specificity(); as != bs {
		return as > bs
	}
	return a.index > b.index
}

// AddRule appends a rule at runtime. Used for "always allow" promotions;
// the addition is visible to every subsequent evaluation.
func (e *Engine) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r.index = e.nextIndex
	r.runtime = true
	e.nextIndex++
	e.rules = append(e.rules, r)
	return nil
}

// ReplaceStatic swaps the file-loaded rules for a freshly loaded set,
// preserving any rules added at runtime. Invalid rules in the new set
// fail the whole swap; the previous rules stay active.
func (e *Engine) ReplaceStatic(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []Rule
	for _, r := range e.rules {
		if r.runtime {
			kept = append(kept, r)
		}
	}

	e.rules = e.rules[:0]
	e.nextIndex = 0
	for _, r := range rules {
		r.index = e.nextIndex
		e.nextIndex++
		e.rules = append(e.rules, r)
	}
	for _, r := range kept {
		r.index = e.nextIndex
		e.nextIndex++
		e.rules = append(e.rules, r)
	}
	return nil
}

// DefaultDecision returns the decision applied when no rule matches.
func (e *Engine) DefaultDecision() Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultDecision
}

// Rules returns a copy of the current rule set in installation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}
