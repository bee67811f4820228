// Package mac canonicalizes hardware addresses to a single comparable form.
package mac

import "strings"

// Canonical rewrites a MAC address in any accepted delimiter/case form
// (dashes, colons, mixed case, no delimiter) to uppercase, colon-separated
// form: AA:BB:CC:DD:EE:FF. Input that doesn't carry 12 hex digits is
// returned uppercased and otherwise unchanged — callers that need strict
// validation should check Valid first.
func Canonical(raw string) string {
	hex := make([]byte, 0, 12)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			hex = append(hex, c)
		case c == ':', c == '-', c == '.', c == ' ':
			continue
		default:
			return strings.ToUpper(raw)
		}
	}
	if len(hex) != 12 {
		return strings.ToUpper(raw)
	}

	upper := strings.ToUpper(string(hex))
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(upper[i : i+2])
	}
	return b.String()
}

// Valid reports whether raw canonicalizes to a well-formed 6-octet MAC.
func Valid(raw string) bool {
	c := Canonical(raw)
	return len(c) == 17 && strings.Count(c, ":") == 5
}

// Equal reports whether two MAC strings denote the same address once
// canonicalized, regardless of original case or delimiter.
func Equal(a, b string) bool {
	return Canonical(a) == Canonical(b)
}
