package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TierDirs names the three rule directories. Each is independently
// optional; an empty or missing directory contributes no rules.
type TierDirs struct {
	Default string
	User    string
	Admin   string
}

// Diagnostic describes one rule that failed to load. Loading continues
// past bad rules so a single typo cannot disable the whole engine.
type Diagnostic struct {
	File   string
	Index  int
	Reason string
}

// String formats the diagnostic for logs.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: rule %d: %s", d.File, d.Index, d.Reason)
}

// ruleFile is the on-disk YAML shape of a rule file.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Tool     string `yaml:"tool"`
	Args     string `yaml:"args"` // regex over the canonical argument serialization
	Decision string `yaml:"decision"`
	Priority int    `yaml:"priority"`
}

// LoadTiers loads rule files from all three tier directories. Invalid
// rules and unreadable files are collected as diagnostics, never fatal.
func LoadTiers(dirs TierDirs) ([]Rule, []Diagnostic) {
	var rules []Rule
	var diags []Diagnostic

	for _, src := range []struct {
		dir  string
		tier Tier
	}{
		{dirs.Default, TierDefault},
		{dirs.User, TierUser},
		{dirs.Admin, TierAdmin},
	} {
		if src.dir == "" {
			continue
		}
		loaded, d := LoadDir(src.dir, src.tier)
		rules = append(rules, loaded...)
		diags = append(diags, d...)
	}
	return rules, diags
}

// LoadDir loads every .yaml/.yml file in dir at the given tier. A
// missing directory is not an error.
func LoadDir(dir string, tier Tier) ([]Rule, []Diagnostic) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []Diagnostic{{File: dir, Index: -1, Reason: err.Error()}}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rules []Rule
	var diags []Diagnostic
	for _, name := range names {
		path := filepath.Join(dir, name)
		loaded, d := loadFile(path, tier)
		rules = append(rules, loaded...)
		diags = append(diags, d...)
	}
	return rules, diags
}

func loadFile(path string, tier Tier) ([]Rule, []Diagnostic) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []Diagnostic{{File: path, Index: -1, Reason: err.Error()}}
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, []Diagnostic{{File: path, Index: -1, Reason: fmt.Sprintf("parse: %v", err)}}
	}

	var rules []Rule
	var diags []Diagnostic
	for i, spec := range file.Rules {
		rule, err := spec.toRule(tier, path)
		if err != nil {
			diags = append(diags, Diagnostic{File: path, Index: i, Reason: err.Error()})
			continue
		}
		rules = append(rules, rule)
	}
	return rules, diags
}

func (s ruleSpec) toRule(tier Tier, source string) (Rule, error) {
	rule := Rule{
		ToolPattern: strings.TrimSpace(s.Tool),
		Decision:    Decision(strings.ToLower(strings.TrimSpace(s.Decision))),
		Priority:    s.Priority,
		Tier:        tier,
		Source:      source,
	}
	if s.Args != "" {
		re, err := regexp.Compile(s.Args)
		if err != nil {
			return Rule{}, fmt.Errorf("args pattern: %v", err)
		}
		rule.ArgsPattern = re
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}
