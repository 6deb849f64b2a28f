package format

import (
	"math"
	"testing"
	"time"
)

func TestCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{1234.5, "$1,234.50"},
		{19.99, "$19.99"},
		{1000000, "$1,000,000.00"},
		{-3, "-$3.00"},
		{-0.004, "$0.00"},
		{0.005, "$0.01"},
		{math.NaN(), "-"},
	}
	for _, tt := range tests {
		if got := Currency(tt.in); got != tt.want {
			t.Errorf("Currency(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTimestamp(t *testing.T) {
	if Timestamp(time.Time{}) != "" {
		t.Error("Expected empty string for zero time")
	}
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	if got := Timestamp(ts); got != "2024-03-09 14:05:07" {
		t.Errorf("Unexpected timestamp %q", got)
	}
}

func TestRelative(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	if got := Relative(now.Add(-3*time.Minute), now); got != "3 minutes ago" {
		t.Errorf("Unexpected relative time %q", got)
	}
	if Relative(time.Time{}, now) != "" {
		t.Error("Expected empty string for zero time")
	}
}

func TestBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1536, "1.5 KiB"},
		{24 << 30, "24 GiB"},
	}
	for _, tt := range tests {
		if got := Bytes(tt.in); got != tt.want {
			t.Errorf("Bytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCount(t *testing.T) {
	if got := Count(1234567); got != "1,234,567" {
		t.Errorf("Unexpected count %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"a lighthouse at dusk", 10, "a light..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
