// Package format turns timestamps and numbers into display strings for the panel.
package format

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp renders t in local time. The zero time renders as an empty string.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(TimestampLayout)
}

// Relative renders t relative to now, e.g. "3 minutes ago".
func Relative(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Currency renders v as dollars with thousands separators and two decimals.
func Currency(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	// work in whole cents so -0.004 does not print as "-$0.00"
	cents := int64(math.Round(math.Abs(v) * 100))
	s := fmt.Sprintf("$%s.%02d", humanize.Comma(cents/100), cents%100)
	if v < 0 && cents != 0 {
		return "-" + s
	}
	return s
}

// Bytes renders a byte count in IEC units, e.g. "23 GiB".
func Bytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// Count renders an integer with thousands separators.
func Count(n int64) string {
	return humanize.Comma(n)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}
