// Package script validates and runs shell scripts under sandbox constraints:
// an allowlist of command names, deny patterns, a timeout, output caps, and
// archived run artifacts.
package script

import (
	"fmt"
	"strings"
)

// maxScriptChars bounds accepted script size.
const maxScriptChars = 12000

// denyPatterns are rejected wherever they appear on a non-comment line.
var denyPatterns = []string{
	"sudo", "shutdown", "reboot", "poweroff", "halt", "mkfs", "dd if=",
}

// rootWipePattern is anchored separately: the trailing slash must target the
// root itself, not a path under it, so `rm -rf /tmp/foo` falls through to the
// allowlist check instead.
const rootWipePattern = "rm -rf /"

// deniedPattern returns the first deny pattern matched by the line, or "".
func deniedPattern(lower string) string {
	for _, pat := range denyPatterns {
		if strings.Contains(lower, pat) {
			return pat
		}
	}
	for idx := strings.Index(lower, rootWipePattern); idx >= 0; {
		rest := lower[idx+len(rootWipePattern):]
		if rest == "" || strings.ContainsAny(rest[:1], " \t*;&|'\"") {
			return rootWipePattern
		}
		next := strings.Index(lower[idx+1:], rootWipePattern)
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return ""
}

// Validate checks the script against the sandbox rules. A nil return means
// the script may run.
func Validate(script string, allowed []string) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("script is empty")
	}
	if len(script) > maxScriptChars {
		return fmt.Errorf("script exceeds %d characters", maxScriptChars)
	}

	allowSet := make(map[string]struct{}, len(allowed))
	for _, cmd := range allowed {
		allowSet[strings.TrimSpace(cmd)] = struct{}{}
	}

	for _, rawLine := range strings.Split(script, "\n") {
		line := stripComment(rawLine)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if pat := deniedPattern(strings.ToLower(line)); pat != "" {
			return fmt.Errorf("script contains denied pattern %q", pat)
		}
		for _, seg := range splitSegments(line) {
			name := commandName(seg)
			if name == "" {
				continue
			}
			if _, ok := allowSet[name]; !ok {
				return fmt.Errorf("Command '%s' is not allowed by the script executor allowlist", name)
			}
		}
	}
	return nil
}

// stripComment removes a trailing # comment outside of quotes.
func stripComment(line string) string {
	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}

// splitSegments splits a line at && ; and | operators.
func splitSegments(line string) []string {
	var segments []string
	current := line
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"&&", "||", ";", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
			continue
		}
		if seg := strings.TrimSpace(current); seg != "" {
			segments = append(segments, seg)
		}
		break
	}
	return segments
}

// commandName returns the first token of a segment that is not a variable
// assignment or redirection.
func commandName(segment string) string {
	for _, tok := range strings.Fields(segment) {
		if isAssignment(tok) {
			continue
		}
		if strings.HasPrefix(tok, ">") || strings.HasPrefix(tok, "<") {
			continue
		}
		return tok
	}
	return ""
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for i := 0; i < eq; i++ {
		c := tok[i]
		if c != '_' && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
