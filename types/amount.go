package types

import (
	"strings"

	"cosmossdk.io/math"
)

// ParseAmount parses a decimal currency amount. Fractional digits beyond the
// supported precision are truncated rather than rejected, since token amounts
// on some payment platforms carry more digits than LegacyDec holds.
func ParseAmount(s string) (math.LegacyDec, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > math.LegacyPrecision {
		s = s[:i+1+math.LegacyPrecision]
	}
	return math.LegacyNewDecFromStr(s)
}

// FormatAmount renders an amount without trailing zeros.
func FormatAmount(d math.LegacyDec) string {
	if d.IsNil() {
		return "0"
	}
	s := d.String()
	if strings.IndexByte(s, '.') < 0 {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
