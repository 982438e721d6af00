package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"1000ms", time.Second},
		{" 5s ", 5 * time.Second},
		{"abc", 0},
		{"", 0},
		{"1.5s", 0},
	}

	for _, test := range tests {
		result := ParseStringTime(test.timeString)
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, s := range []string{"", "s", "-1s", "10x", "ms"} {
		if _, err := ParseDuration(s); err == nil {
			t.Errorf("ParseDuration(%q): expected error", s)
		}
	}
}
