package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// compoundIndicators mark shell constructs that chain or substitute
// commands. A Bash call containing any of them never matches a glob
// pattern; only an exact-string pattern can allow it.
var compoundIndicators = []string{"&&", "||", ";", "|", "$(", "`"}

// FormatToolCall renders a tool invocation as the canonical fingerprint
// string evaluated by the engine, e.g. Bash(git status) or Read(./x.py).
func FormatToolCall(toolName string, input map[string]any) string {
	arg := primaryArgument(toolName, input)
	if arg == "" {
		return toolName
	}
	return fmt.Sprintf("%s(%s)", toolName, arg)
}

// primaryArgument picks the per-tool argument used for pattern matching.
func primaryArgument(toolName string, input map[string]any) string {
	key := ""
	switch toolName {
	case "Bash":
		key = "command"
	case "Read", "Write", "Edit", "NotebookEdit":
		key = "file_path"
	case "Glob", "Grep":
		key = "pattern"
	case "WebFetch":
		key = "url"
	case "WebSearch":
		key = "query"
	default:
		// Unknown tools match on their name alone unless they carry one of
		// the common argument keys.
		for _, k := range []string{"command", "file_path", "path", "pattern", "url"} {
			if v, ok := stringArg(input, k); ok {
				return v
			}
		}
		return ""
	}
	if v, ok := stringArg(input, key); ok {
		return v
	}
	return ""
}

func stringArg(input map[string]any, key string) (string, bool) {
	if input == nil {
		return "", false
	}
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// SplitToolCall separates a fingerprint into tool name and argument.
// A call without parentheses has an empty argument.
func SplitToolCall(toolCall string) (name, arg string) {
	open := strings.IndexByte(toolCall, '(')
	if open < 0 || !strings.HasSuffix(toolCall, ")") {
		return toolCall, ""
	}
	return toolCall[:open], toolCall[open+1 : len(toolCall)-1]
}

// isCompoundCommand reports whether a shell command chains or substitutes
// further commands.
func isCompoundCommand(command string) bool {
	for _, ind := range compoundIndicators {
		if strings.Contains(command, ind) {
			return true
		}
	}
	return false
}

// FormatToolInputSummary renders tool input for deny reasons and logs,
// keys sorted for determinism.
func FormatToolInputSummary(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	return strings.Join(parts, " ")
}
