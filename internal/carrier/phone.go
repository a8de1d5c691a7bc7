package carrier

import "strings"

// NormalizeE164 converts a loosely formatted phone number to E.164. Ten-digit
// numbers are assumed North American and get a +1 prefix; eleven digits
// starting with 1 get a +; anything else just gets a leading +.
func NormalizeE164(phone string) string {
	digits := Digits(phone)
	if digits == "" {
		return ""
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits
	default:
		return "+" + digits
	}
}

// Digits strips every non-digit rune from s. This is the canonical key used
// by the active-phone registry and lead matching.
func Digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
