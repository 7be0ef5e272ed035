// Package money provides integer cent arithmetic and formatting.
//
// All amounts in the billing engine are int64 values in the smallest
// currency unit (cents). Floating point never touches a balance; the only
// rounding happens in TickAmount, which quantizes a per-minute rate onto
// the tick grid.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is an amount in the smallest currency unit.
type Cents = int64

// Format renders cents as a decimal string with two places, e.g. 1550 → "15.50".
func Format(c Cents) string {
	neg := c < 0
	if neg {
		c = -c
	}
	s := fmt.Sprintf("%d.%02d", c/100, c%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Parse converts a decimal string ("15.50", "3", ".5") to cents.
// Fractions beyond two places are rejected rather than rounded.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("money: more than two decimal places in %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	c, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	if neg {
		c = -c
	}
	return c, nil
}

// TickAmount returns the cumulative amount owed after n ticks of length
// tickSeconds at ratePerMin cents per minute, rounded half-up.
//
// Debiting the difference between successive cumulative amounts keeps the
// running total exactly on round(rate × elapsed minutes) with no drift:
// at 200¢/min and 1s ticks the per-tick debits alternate 3,4,3,... and 90
// ticks sum to exactly 300.
func TickAmount(ratePerMin Cents, tickSeconds int64, n int64) Cents {
	if ratePerMin <= 0 || tickSeconds <= 0 || n <= 0 {
		return 0
	}
	// round(rate * tickSeconds * n / 60) with integer arithmetic
	num := ratePerMin * tickSeconds * n
	return (num + 30) / 60
}

// TickDelta returns the amount to debit on tick n given the amount already
// accumulated over ticks 1..n-1. A zero delta is valid for very small rates
// and means the tick advances without a debit.
func TickDelta(ratePerMin Cents, tickSeconds int64, n int64, accumulated Cents) Cents {
	d := TickAmount(ratePerMin, tickSeconds, n) - accumulated
	if d < 0 {
		return 0
	}
	return d
}
