package mpesa

import (
	"math"
	"strings"
)

// NormalizePhone converts a payer phone number to the country-code-prefixed
// form the gateway expects. A leading 0 is replaced with the country code, a
// bare local number gets the code prepended, and an already-prefixed number
// passes through unchanged.
func NormalizePhone(phone, countryCode string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	p = strings.ReplaceAll(p, " ", "")
	p = strings.ReplaceAll(p, "-", "")

	switch {
	case strings.HasPrefix(p, countryCode):
		return p
	case strings.HasPrefix(p, "0"):
		return countryCode + p[1:]
	default:
		return countryCode + p
	}
}

// RoundAmount rounds a requested amount to the nearest whole unit, half up.
// The gateway rejects fractional amounts.
func RoundAmount(amount float64) int {
	return int(math.Floor(amount + 0.5))
}
