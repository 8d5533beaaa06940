package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDirValidRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", `
rules:
  - tool: run_shell
    decision: ask_user
    priority: 100
  - tool: "github__*"
    decision: allow
    priority: 310
  - tool: run_shell
    args: "rm\\s+-rf"
    decision: deny
    priority: 500
`)

	rules, diags := LoadDir(dir, TierUser)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(rules) != 3 {
		t.Fatalf("loaded %d rules, want 3", len(rules))
	}
	if rules[0].Tier != TierUser {
		t.Errorf("tier = %v, want user", rules[0].Tier)
	}
	if rules[2].ArgsPattern == nil {
		t.Error("args pattern not compiled")
	}
	if !rules[2].ArgsPattern.MatchString(`{"command":"rm -rf /"}`) {
		t.Error("args pattern does not match expected input")
	}
}

func TestLoadDirCollectsPerRuleDiagnostics(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", `
rules:
  - tool: good_tool
    decision: allow
    priority: 10
  - tool: bad_priority
    decision: allow
    priority: 5000
  - tool: bad_regex
    args: "["
    decision: deny
    priority: 10
  - tool: also_good
    decision: deny
    priority: 20
`)

	rules, diags := LoadDir(dir, TierDefault)
	if len(rules) != 2 {
		t.Errorf("loaded %d rules, want 2 (bad ones skipped)", len(rules))
	}
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %v", len(diags), diags)
	}
	if diags[0].Index != 1 {
		t.Errorf("first diagnostic index = %d, want 1", diags[0].Index)
	}
	if diags[1].Index != 2 {
		t.Errorf("second diagnostic index = %d, want 2", diags[1].Index)
	}
}

func TestLoadDirMalformedFileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "rules: [not: valid: yaml: {{")
	writeFile(t, dir, "good.yaml", `
rules:
  - tool: read_file
    decision: allow
    priority: 50
`)

	rules, diags := LoadDir(dir, TierDefault)
	if len(rules) != 1 {
		t.Errorf("loaded %d rules, want 1 from the good file", len(rules))
	}
	if len(diags) != 1 {
		t.Errorf("got %d diagnostics, want 1 for the broken file", len(diags))
	}
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	rules, diags := LoadDir(filepath.Join(t.TempDir(), "nope"), TierAdmin)
	if len(rules) != 0 || len(diags) != 0 {
		t.Errorf("missing dir: rules=%d diags=%d, want 0/0", len(rules), len(diags))
	}
}

func TestLoadTiersAssignsTiers(t *testing.T) {
	defaultDir := t.TempDir()
	adminDir := t.TempDir()
	writeFile(t, defaultDir, "base.yaml", `
rules:
  - tool: read_file
    decision: allow
    priority: 50
`)
	writeFile(t, adminDir, "lockdown.yaml", `
rules:
  - tool: run_shell
    decision: deny
    priority: 0
`)

	rules, diags := LoadTiers(TierDirs{Default: defaultDir, Admin: adminDir})
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(rules))
	}
	if rules[0].Tier != TierDefault || rules[1].Tier != TierAdmin {
		t.Errorf("tiers = %v/%v, want default/admin", rules[0].Tier, rules[1].Tier)
	}

	// Even at raw 0, the admin deny outranks the default allow.
	e := mustEngine(t, Config{Rules: rules, DefaultDecision: DecisionAskUser})
	if got := e.Evaluate("run_shell", nil); got != DecisionDeny {
		t.Errorf("admin deny = %v, want deny", got)
	}
}

func TestWatcherReloadSwapsStaticRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", `
rules:
  - tool: glob
    decision: deny
    priority: 10
`)

	rules, _ := LoadDir(dir, TierUser)
	e := mustEngine(t, Config{Rules: rules, DefaultDecision: DecisionAskUser})
	if err := e.AddRule(Rule{ToolPattern: "write_file", Decision: DecisionAllow, Priority: PriorityAlwaysAllow, Tier: TierUser}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	writeFile(t, dir, "rules.yaml", `
rules:
  - tool: glob
    decision: allow
    priority: 10
`)

	w := NewWatcher(e, TierDirs{User: dir})
	var gotDiags []Diagnostic
	var gotErr error
	w.OnReload = func(diags []Diagnostic, err error) {
		gotDiags = diags
		gotErr = err
	}
	w.reload()

	if gotErr != nil {
		t.Fatalf("reload error: %v", gotErr)
	}
	if len(gotDiags) != 0 {
		t.Fatalf("reload diagnostics: %v", gotDiags)
	}
	if got := e.Evaluate("glob", nil); got != DecisionAllow {
		t.Errorf("after reload = %v, want allow", got)
	}
	if got := e.Evaluate("write_file", nil); got != DecisionAllow {
		t.Errorf("runtime rule lost on reload: %v, want allow", got)
	}
}
