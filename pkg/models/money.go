package models

import "fmt"

// Cents is a signed integer quantity of minor currency units. Every
// monetary field in this system is a Cents value; floating-point is never
// used for storage, comparison, or acceptance of costs (spec §3, §9).
type Cents int64

// DisplayString renders cents as a decimal-currency string for display
// only. It uses integer division and remainder, with no float
// conversion; the string is never fed back into a comparison.
func (c Cents) DisplayString() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Max returns the larger of a and b.
func Max(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}
