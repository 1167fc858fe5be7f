// Package phone holds the minimal number canonicalization the pipeline needs
// for identity and blocklist matching. Locale-aware formatting and variant
// generation live in the CRM client, not here.
package phone

import (
	"strings"
)

// Canonical reduces a raw phone number to "+<digits>". Extensions, spaces,
// dashes and parentheses are stripped; a leading 00 international prefix is
// folded into "+". Non-numeric strings (SIP endpoints, anonymous callers)
// come back unchanged so they still compare stably.
func Canonical(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators dropped
		default:
			// anything else means this is not a dialable number
			return trimmed
		}
	}

	digits := b.String()
	if digits == "" || digits == "+" {
		return trimmed
	}

	if strings.HasPrefix(digits, "00") {
		return "+" + digits[2:]
	}
	if !strings.HasPrefix(digits, "+") {
		return "+" + digits
	}
	return digits
}

// Same reports whether two raw numbers canonicalize to the same endpoint.
func Same(a, b string) bool {
	return Canonical(a) == Canonical(b)
}
