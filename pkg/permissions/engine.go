package permissions

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// maxDenialsPerTool interrupts the run after repeated denials of the
	// same tool, which indicates the agent is stuck in a retry loop.
	maxDenialsPerTool = 3
	// maxDenialsTotal interrupts the run after this many denials overall.
	maxDenialsTotal = 6
)

// workspacePlaceholder in profile patterns is substituted with the live
// session's workspace path before matching.
const workspacePlaceholder = "{workspace}"

// Decision is the result of evaluating one tool call.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Reason describes the matched rule or denial cause.
	Reason string `json:"reason"`
	// Interrupt instructs the agent host to abort the run.
	Interrupt bool `json:"interrupt"`
}

// Engine evaluates tool calls against a profile for one session.
// It is safe for concurrent use; denial counters are per-engine and
// therefore per-session.
type Engine struct {
	profile   *Profile
	workspace string
	log       *slog.Logger

	mu            sync.Mutex
	denialsByTool map[string]int
	totalDenials  int
}

// NewEngine builds an engine bound to a session workspace path.
func NewEngine(profile *Profile, workspace string) *Engine {
	return &Engine{
		profile:       profile,
		workspace:     workspace,
		log:           slog.With("component", "permissions"),
		denialsByTool: make(map[string]int),
	}
}

// IsAllowed evaluates a tool-call fingerprint. The decision order is fixed:
// disabled, pre_approved, deny patterns, allow patterns, default deny.
// Any evaluation error produces deny.
func (e *Engine) IsAllowed(toolCall string) Decision {
	name, arg := SplitToolCall(toolCall)

	// Attempting to escape the sandbox is an immediate abort, not an
	// ordinary denial.
	if strings.Contains(toolCall, "dangerouslyDisableSandbox") {
		e.log.Warn("Sandbox escape attempt denied", "tool_call", toolCall)
		return Decision{
			Allowed:   false,
			Reason:    "attempted to disable sandboxing",
			Interrupt: true,
		}
	}

	if e.nameInList(e.profile.Tools.Disabled, name) {
		return e.denied(name, fmt.Sprintf("tool %s is disabled", name))
	}

	if e.nameInList(e.profile.Tools.PreApproved, name) {
		return Decision{Allowed: true, Reason: fmt.Sprintf("tool %s is pre-approved", name)}
	}

	for _, pattern := range e.profile.Deny {
		matched, err := e.matchPattern(pattern, name, arg)
		if err != nil {
			// Undecidable deny pattern: fail closed.
			e.log.Warn("Deny pattern failed to evaluate", "pattern", pattern, "error", err)
			return e.denied(name, fmt.Sprintf("deny pattern %q could not be evaluated", pattern))
		}
		if matched {
			return e.denied(name, fmt.Sprintf("matched deny pattern %q", pattern))
		}
	}

	for _, pattern := range e.profile.Allow {
		matched, err := e.matchPattern(pattern, name, arg)
		if err != nil {
			e.log.Warn("Allow pattern failed to evaluate", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return Decision{Allowed: true, Reason: fmt.Sprintf("matched allow pattern %q", pattern)}
		}
	}

	return e.denied(name, "no allow pattern matched")
}

// NeedsConfirmation reports whether the tool routes through the decision
// function at all.
func (e *Engine) NeedsConfirmation(toolCall string) bool {
	name, _ := SplitToolCall(toolCall)
	return e.nameInList(e.profile.Tools.PermissionChecked, name)
}

// DenialCounts returns a snapshot of per-tool denial counts.
func (e *Engine) DenialCounts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[string]int, len(e.denialsByTool))
	for k, v := range e.denialsByTool {
		counts[k] = v
	}
	return counts
}

// denied records the denial and decorates the decision with loop-protection
// state: an interrupt once thresholds are crossed, a final warning one
// denial before that.
func (e *Engine) denied(toolName, reason string) Decision {
	e.mu.Lock()
	e.denialsByTool[toolName]++
	e.totalDenials++
	toolCount := e.denialsByTool[toolName]
	total := e.totalDenials
	e.mu.Unlock()

	d := Decision{Allowed: false, Reason: reason}
	switch {
	case toolCount >= maxDenialsPerTool || total >= maxDenialsTotal:
		d.Interrupt = true
		d.Reason = fmt.Sprintf("%s (denial limit reached: %d for %s, %d total)",
			reason, toolCount, toolName, total)
	case toolCount == maxDenialsPerTool-1 || total == maxDenialsTotal-1:
		d.Reason = fmt.Sprintf("%s (FINAL WARNING: the next denial aborts the run)", reason)
	}

	e.log.Info("Tool call denied",
		"tool", toolName,
		"reason", reason,
		"tool_denials", toolCount,
		"total_denials", total,
		"interrupt", d.Interrupt)
	return d
}

// nameInList matches a tool name against a category list. List entries may
// themselves be glob patterns (e.g. "mcp__*").
func (e *Engine) nameInList(list []string, name string) bool {
	for _, entry := range list {
		if entry == name {
			return true
		}
		if ok, err := doublestar.Match(entry, name); err == nil && ok {
			return true
		}
	}
	return false
}

// matchPattern evaluates one profile pattern against a call.
// A bare ToolName pattern matches every call of that tool. Patterns with an
// argument match the call argument with * confined to one path segment and
// ** crossing segments. Compound shell commands only match exact-string
// patterns.
func (e *Engine) matchPattern(pattern, callName, callArg string) (bool, error) {
	patName, patArg := SplitToolCall(pattern)

	nameMatch, err := doublestar.Match(patName, callName)
	if err != nil {
		return false, fmt.Errorf("bad tool-name pattern %q: %w", patName, err)
	}
	if !nameMatch {
		return false, nil
	}
	if patArg == "" {
		return true, nil
	}
	if callArg == "" {
		return false, nil
	}

	patArg = strings.ReplaceAll(patArg, workspacePlaceholder, e.workspace)

	if callName == "Bash" {
		if isCompoundCommand(callArg) {
			return patArg == callArg, nil
		}
		return fnmatch(patArg, callArg)
	}

	matched, err := doublestar.Match(patArg, callArg)
	if err != nil {
		return false, fmt.Errorf("bad argument pattern %q: %w", patArg, err)
	}
	return matched, nil
}
