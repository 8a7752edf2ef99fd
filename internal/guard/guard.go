// Package guard validates remediation command lists against a guard policy
// before they are queued and again before they are executed.
package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/fleetguard/internal/model"
)

// Violation reasons.
const (
	ReasonTooManyCommands     = "too_many_commands"
	ReasonEmptyCommand        = "empty_command"
	ReasonCommandTooLong      = "command_too_long"
	ReasonNotAllowlisted      = "not_allowlisted"
	ReasonShellMetacharacters = "shell_metacharacters"
)

// Violation reports one failed check. Index is -1 for list-level checks.
type Violation struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Index < 0 {
		return v.Reason
	}
	return fmt.Sprintf("command[%d]: %s", v.Index, v.Reason)
}

// Control operators that would let an allowlisted prefix smuggle a second command.
var shellMeta = []string{";", "&&", "||", "|", "`", "$(", ">", "<", "\n", "\r"}

// Guard is a guard policy with its allowlist patterns compiled.
type Guard struct {
	policy   model.GuardPolicy
	patterns []*regexp.Regexp
}

// Compile compiles p's allowlist. Patterns are anchored to the full command.
func Compile(p model.GuardPolicy) (*Guard, error) {
	g := &Guard{policy: p}
	for i, pat := range p.AllowPatterns {
		re, err := regexp.Compile(anchor(pat))
		if err != nil {
			return nil, fmt.Errorf("allow_patterns[%d] %q: %w", i, pat, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

// anchor wraps pat so every top-level alternative must match the whole
// command. One leading ^ and one unescaped trailing $ are dropped first.
func anchor(pat string) string {
	pat = strings.TrimPrefix(pat, "^")
	if strings.HasSuffix(pat, "$") && !strings.HasSuffix(pat, `\$`) {
		pat = strings.TrimSuffix(pat, "$")
	}
	return "^(?:" + pat + ")$"
}

// Policy returns the policy g was compiled from.
func (g *Guard) Policy() model.GuardPolicy { return g.policy }

// Validate returns every violation of commands against the policy. An empty
// result means the list may run.
func (g *Guard) Validate(commands []string) []Violation {
	var out []Violation
	if max := g.policy.MaxCommandsPerAction; max > 0 && len(commands) > max {
		out = append(out, Violation{Index: -1, Reason: ReasonTooManyCommands})
	}
	for i, cmd := range commands {
		trimmed := strings.TrimSpace(cmd)
		if trimmed == "" {
			out = append(out, Violation{Index: i, Reason: ReasonEmptyCommand})
			continue
		}
		if max := g.policy.MaxCommandLength; max > 0 && len(cmd) > max {
			out = append(out, Violation{Index: i, Reason: ReasonCommandTooLong})
		}
		if !g.policy.EnforceAllowlist {
			continue
		}
		if containsShellMeta(cmd) {
			out = append(out, Violation{Index: i, Reason: ReasonShellMetacharacters})
		}
		if !g.allowed(trimmed) {
			out = append(out, Violation{Index: i, Reason: ReasonNotAllowlisted})
		}
	}
	return out
}

func (g *Guard) allowed(cmd string) bool {
	for _, re := range g.patterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

func containsShellMeta(cmd string) bool {
	for _, m := range shellMeta {
		if strings.Contains(cmd, m) {
			return true
		}
	}
	return false
}

// Validate compiles p and validates commands in one call. A pattern that
// fails to compile never matches.
func Validate(commands []string, p model.GuardPolicy) []Violation {
	g, err := Compile(p)
	if err != nil {
		g = &Guard{policy: p}
		for _, pat := range p.AllowPatterns {
			if re, err := regexp.Compile(anchor(pat)); err == nil {
				g.patterns = append(g.patterns, re)
			}
		}
	}
	return g.Validate(commands)
}

// Summary joins violations into one line for error messages.
func Summary(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}
