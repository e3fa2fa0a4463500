package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// addressKeepChars is how many leading and trailing characters of an on-chain
// address survive masking.
const addressKeepChars = 4

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Address returns a slog.Attr carrying a shortened form of an on-chain
// address. Buyer and payment addresses identify counterparties, so full
// values stay out of the logs while the prefix and suffix keep entries
// correlatable against the database.
func Address(key, addr string) slog.Attr {
	return slog.String(key, ShortAddress(addr))
}

// ShortAddress masks the middle of an address, keeping enough of each end to
// recognise it. Addresses too short to mask meaningfully are fully redacted.
func ShortAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return addr
	}
	if len(addr) <= addressKeepChars*2 {
		return RedactedValue
	}
	return addr[:addressKeepChars] + "..." + addr[len(addr)-addressKeepChars:]
}
