// Package policy holds the data-handling rules applied before transcripts
// leave the process.
package policy

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers must be masked before the phone pattern sees
// their digit runs.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactAll applies RedactPII to every line and returns a new slice.
func RedactAll(lines []string) ([]string, bool) {
	out := make([]string, len(lines))
	changed := false
	for i, line := range lines {
		var c bool
		out[i], c = RedactPII(line)
		changed = changed || c
	}
	return out, changed
}
