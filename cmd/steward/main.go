package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/calderhq/steward/pkg/config"
	"github.com/calderhq/steward/pkg/storage"
)

var version = "1.0.0-dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "steward:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("steward", flag.ContinueOnError)
	configPath := flags.String("config", "steward.yaml", "path to the config file")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println("steward", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: steward [-config file] <check|rules|audit> ...")
	}

	switch rest[0] {
	case "check":
		return runCheck(cfg, rest[1:])
	case "rules":
		return runRules(cfg)
	case "audit":
		return runAudit(cfg, rest[1:])
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// runCheck evaluates a tool call against the loaded policy and prints
// the verdict.
func runCheck(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: steward check <tool> [args-json]")
	}
	toolName := args[0]

	callArgs := map[string]any{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
			return fmt.Errorf("parse args json: %w", err)
		}
	}

	engine, diags, err := cfg.BuildPolicyEngine()
	if err != nil {
		return err
	}
	for _, d := range diags {
		fmt.Fprintln(os.Stderr, "warning:", d.String())
	}

	verdict := engine.EvaluateVerdict(toolName, callArgs)
	fmt.Println(string(verdict.Decision))
	if verdict.Rule != nil {
		fmt.Printf("matched: %s (tier %s, priority %.3f, source %s)\n",
			verdict.Rule.ToolPattern, verdict.Rule.Tier, verdict.Rule.EffectivePriority(), verdict.Rule.Source)
	} else {
		fmt.Println("matched: default decision")
	}
	return nil
}

// runRules lists the effective rule set ordered by effective priority.
func runRules(cfg *config.Config) error {
	engine, diags, err := cfg.BuildPolicyEngine()
	if err != nil {
		return err
	}
	for _, d := range diags {
		fmt.Fprintln(os.Stderr, "warning:", d.String())
	}

	rules := engine.Rules()
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].EffectivePriority() > rules[j].EffectivePriority()
	})

	for _, r := range rules {
		pattern := r.ToolPattern
		if pattern == "" {
			pattern = "*"
		}
		line := fmt.Sprintf("%.3f  %-9s %-8s %s", r.EffectivePriority(), r.Tier, r.Decision, pattern)
		if r.ArgsPattern != nil {
			line += "  args~" + r.ArgsPattern.String()
		}
		if r.Source != "" {
			line += "  (" + r.Source + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("default: %s\n", engine.DefaultDecision())
	return nil
}

// runAudit prints recent audit entries.
func runAudit(cfg *config.Config, args []string) error {
	if cfg.Audit.DBPath == "" {
		return fmt.Errorf("audit.db_path is not configured")
	}

	flags := flag.NewFlagSet("audit", flag.ContinueOnError)
	sessionID := flags.String("session", "", "filter by session id")
	limit := flags.Int("limit", 20, "max entries")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Audit.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	decisions, err := store.RecentDecisions(*sessionID, *limit)
	if err != nil {
		return err
	}
	executions, err := store.RecentExecutions(*sessionID, *limit)
	if err != nil {
		return err
	}

	fmt.Println("recent decisions:")
	for _, d := range decisions {
		rule := d.MatchedRule
		if rule == "" {
			rule = "(default)"
		}
		fmt.Printf("  %s  %-9s %-20s %s %s\n",
			d.EvaluatedAt.Format("2006-01-02 15:04:05"), d.Decision, d.ToolName, rule, truncate(d.ToolArgs, 60))
	}

	fmt.Println("recent executions:")
	for _, e := range executions {
		line := fmt.Sprintf("  %s  %-9s %-20s %dms",
			e.ExecutedAt.Format("2006-01-02 15:04:05"), e.Status, e.ToolName, e.DurationMs)
		if e.Error != "" {
			line += "  " + truncate(e.Error, 60)
		}
		fmt.Println(line)
	}
	return nil
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
