// Package policy holds content rules applied to conversation text before it
// leaves the relay through logs.
package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers must be masked before the phone rule sees them,
// and secrets before either so long keys are not split.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`\b(?:sk|pk|xi|dg)[-_][A-Za-z0-9_\-]{16,}\b`), "[REDACTED_SECRET]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks high-risk patterns (credentials, email addresses, card and
// phone numbers) in transcript or reply text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

const maxLoggedRunes = 160

// ForLog redacts text and truncates it to a log-friendly length.
func ForLog(text string) string {
	out, _ := RedactPII(text)
	runes := []rune(out)
	if len(runes) > maxLoggedRunes {
		return string(runes[:maxLoggedRunes]) + "…"
	}
	return out
}
