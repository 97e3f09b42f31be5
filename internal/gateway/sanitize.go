package gateway

import (
	"regexp"
	"strings"
)

// telegramMessageLimit is the provider's hard cap per message.
const telegramMessageLimit = 4096

var (
	strippedPrefixes = []string{"Session:", "Auto skill:", "Auto script:"}

	// absolute unix paths, including home-relative ones
	absPathRe = regexp.MustCompile(`(?:~|/(?:home|root|Users|tmp|var|etc|opt))/[\w./-]+`)

	multiBlankRe = regexp.MustCompile(`\n{3,}`)
	trailingWSRe = regexp.MustCompile(`[ \t]+\n`)
)

// Sanitize prepares internal text for the chat provider: internal bookkeeping
// lines are dropped, local paths redacted, whitespace collapsed, and the
// result truncated to the provider limit.
func Sanitize(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		skip := false
		trimmed := strings.TrimSpace(line)
		for _, prefix := range strippedPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, "\n")
	out = absPathRe.ReplaceAllString(out, "[local path]")
	out = trailingWSRe.ReplaceAllString(out, "\n")
	out = multiBlankRe.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)

	if len(out) > telegramMessageLimit {
		cut := telegramMessageLimit - 1
		for cut > 0 && !isRuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "…"
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
