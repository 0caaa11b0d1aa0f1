// Package permission decides whether a tool invocation runs without asking,
// requires confirmation, or is refused outright. Pattern sets are immutable
// snapshots swapped atomically, so evaluation never takes a lock.
package permission

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync/atomic"

	"codi/internal/config"
	"codi/internal/logging"
)

// Decision is the engine's answer for one tool invocation.
type Decision struct {
	AutoApproved      bool
	IsDangerous       bool
	ShouldBlock       bool
	DangerReason      string
	SuggestedPattern  string
	MatchedCategories []string
}

// DangerRule classifies one bash command shape.
type DangerRule struct {
	ID          string
	Pattern     *regexp.Regexp
	Description string
	Block       bool
}

// Built-in rules. Block rules refuse the command without asking; warn rules
// require explicit confirmation.
var builtinRules = []DangerRule{
	// Block list
	{ID: "rm-root", Pattern: regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*(/|/\*)(\s|$)`), Description: "removes the filesystem root", Block: true},
	{ID: "mkfs", Pattern: regexp.MustCompile(`\bmkfs(\.\w+)?\b`), Description: "formats a filesystem", Block: true},
	{ID: "dd-device", Pattern: regexp.MustCompile(`\bdd\b.*\bof=/dev/`), Description: "writes directly to a block device", Block: true},
	{ID: "fork-bomb", Pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\|:`), Description: "fork bomb", Block: true},

	// Warn list
	{ID: "sudo", Pattern: regexp.MustCompile(`\bsudo\b`), Description: "runs with elevated privileges"},
	{ID: "rm-rf", Pattern: regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+`), Description: "recursive/forced delete"},
	{ID: "chmod-777", Pattern: regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\b`), Description: "makes files world-writable"},
	{ID: "curl-sh", Pattern: regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba|z|da)?sh\b`), Description: "pipes a download into a shell"},
	{ID: "git-force-push", Pattern: regexp.MustCompile(`\bgit\s+push\b.*(--force|-f)\b`), Description: "force-pushes, rewriting remote history"},
	{ID: "git-reset-hard", Pattern: regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), Description: "discards local changes"},
	{ID: "device-redirect", Pattern: regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|mmcblk)`), Description: "redirects output to a raw device"},
}

// snapshot is one immutable generation of approval state.
type snapshot struct {
	patterns   []string
	categories map[string]bool
	rules      []DangerRule
}

// Engine evaluates tool invocations against approval patterns and the
// dangerous-command classifier.
type Engine struct {
	state atomic.Pointer[snapshot]
}

// NewEngine creates an engine seeded with approval patterns and optional
// user-defined dangerous patterns from configuration.
func NewEngine(approvalPatterns []string, custom []config.DangerousPattern) *Engine {
	rules := make([]DangerRule, len(builtinRules))
	copy(rules, builtinRules)
	for i, c := range custom {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			logging.Get(logging.CategoryPermission).Warn("Invalid dangerous pattern %q: %v", c.Pattern, err)
			continue
		}
		rules = append(rules, DangerRule{
			ID:          fmt.Sprintf("custom-%d", i),
			Pattern:     re,
			Description: c.Description,
			Block:       c.Block,
		})
	}

	e := &Engine{}
	e.state.Store(&snapshot{
		patterns:   append([]string(nil), approvalPatterns...),
		categories: map[string]bool{},
		rules:      rules,
	})
	return e
}

// Evaluate decides for one tool invocation. subject is the tool's primary
// argument: the command for bash, the path for filesystem tools, the query
// for search tools.
func (e *Engine) Evaluate(tool, subject string) Decision {
	s := e.state.Load()
	d := Decision{
		SuggestedPattern: fmt.Sprintf("%s:%s", tool, subject),
	}

	if tool == "bash" {
		danger := e.checkDangerousWith(s, subject)
		d.IsDangerous = danger.IsDangerous
		d.ShouldBlock = danger.ShouldBlock
		d.DangerReason = danger.Reason
		d.MatchedCategories = danger.Categories
		if d.ShouldBlock {
			// The block list wins over every approval.
			logging.Permission("BLOCKED bash command: %s (%s)", subject, d.DangerReason)
			return d
		}
	}

	for _, p := range s.patterns {
		if matchApproval(p, tool, subject) {
			d.AutoApproved = !d.IsDangerous || allCategoriesApproved(s, d.MatchedCategories)
			break
		}
	}
	if !d.AutoApproved && d.IsDangerous && allCategoriesApproved(s, d.MatchedCategories) && len(d.MatchedCategories) > 0 {
		d.AutoApproved = true
	}

	logging.PermissionDebug("Evaluate %s %q: approved=%v dangerous=%v block=%v",
		tool, subject, d.AutoApproved, d.IsDangerous, d.ShouldBlock)
	return d
}

// DangerousResult is the classifier's verdict on a bash command.
type DangerousResult struct {
	IsDangerous bool
	ShouldBlock bool
	Reason      string
	Categories  []string
}

// CheckDangerous classifies a bash command against the rule table.
func (e *Engine) CheckDangerous(command string) DangerousResult {
	return e.checkDangerousWith(e.state.Load(), command)
}

func (e *Engine) checkDangerousWith(s *snapshot, command string) DangerousResult {
	var res DangerousResult
	for _, rule := range s.rules {
		if !rule.Pattern.MatchString(command) {
			continue
		}
		res.IsDangerous = true
		res.Categories = append(res.Categories, rule.ID)
		if res.Reason == "" {
			res.Reason = rule.Description
		}
		if rule.Block {
			res.ShouldBlock = true
			res.Reason = rule.Description
		}
	}
	return res
}

// ApprovePattern adds an auto-approve pattern, swapping in a new snapshot.
func (e *Engine) ApprovePattern(pattern string) {
	for {
		old := e.state.Load()
		next := &snapshot{
			patterns:   append(append([]string(nil), old.patterns...), pattern),
			categories: copyCategories(old.categories),
			rules:      old.rules,
		}
		if e.state.CompareAndSwap(old, next) {
			logging.Permission("Approved pattern: %s", pattern)
			return
		}
	}
}

// ApproveCategory pre-approves one dangerous category for the session.
func (e *Engine) ApproveCategory(id string) {
	for {
		old := e.state.Load()
		cats := copyCategories(old.categories)
		cats[id] = true
		next := &snapshot{patterns: old.patterns, categories: cats, rules: old.rules}
		if e.state.CompareAndSwap(old, next) {
			logging.Permission("Approved category: %s", id)
			return
		}
	}
}

// Patterns returns the current approval pattern snapshot.
func (e *Engine) Patterns() []string {
	return append([]string(nil), e.state.Load().patterns...)
}

// matchApproval matches a "tool:glob" pattern against an invocation.
// Matching is case-sensitive and anchored over the whole subject.
func matchApproval(pattern, tool, subject string) bool {
	toolPart, globPart, found := strings.Cut(pattern, ":")
	if !found {
		return false
	}
	if toolPart != tool {
		return false
	}
	if globPart == "*" {
		return true
	}
	if globPart == subject {
		return true
	}
	// "**" crosses path separators; plain glob within segments.
	if strings.Contains(globPart, "**") {
		return matchDoubleStar(globPart, subject)
	}
	ok, err := path.Match(globPart, subject)
	return err == nil && ok
}

func matchDoubleStar(pattern, subject string) bool {
	parts := strings.Split(pattern, "/")
	segs := strings.Split(subject, "/")
	return matchSegs(parts, segs)
}

func matchSegs(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		for skip := 0; skip <= len(segs); skip++ {
			if matchSegs(pattern[1:], segs[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegs(pattern[1:], segs[1:])
}

func allCategoriesApproved(s *snapshot, cats []string) bool {
	for _, c := range cats {
		if !s.categories[c] {
			return false
		}
	}
	return true
}

func copyCategories(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
