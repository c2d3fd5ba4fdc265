package permissions

import (
	"fmt"
	"regexp"
	"strings"
)

// fnmatch matches shell-command arguments, where * spans any characters
// including spaces and path separators. Path-tool arguments use doublestar
// instead, which confines * to a single path segment.
func fnmatch(pattern, s string) (bool, error) {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false, fmt.Errorf("bad command pattern %q: %w", pattern, err)
	}
	return re.MatchString(s), nil
}
