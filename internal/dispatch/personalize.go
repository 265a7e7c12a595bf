package dispatch

import (
	"strings"
)

// NormalizeAddress strips formatting from a phone-style destination and
// accepts 8 to 15 digits with an optional leading plus.
func NormalizeAddress(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	plus := strings.HasPrefix(s, "+")
	if plus {
		s = s[1:]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	if plus {
		return "+" + digits, true
	}
	return digits, true
}

// Personalize fills {name}, {first_name} and {phone}. An empty name falls back
// to the raw address.
func Personalize(body, name, raw string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = raw
	}
	first := name
	if f := strings.Fields(name); len(f) > 0 {
		first = f[0]
	}
	return strings.NewReplacer(
		"{name}", name,
		"{first_name}", first,
		"{phone}", raw,
	).Replace(body)
}
