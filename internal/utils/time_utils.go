package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

// unit suffixes, longest first so "ms" wins over "m" and "s"
var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseDuration parses strings such as "500ms", "10s", "5m", "48h" or "2d".
func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, errors.NotValidf("time string %q", timeString)
		}
		if number < 0 {
			return 0, errors.NotValidf("negative time string %q", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, errors.NotValidf("time format %q", timeString)
}

// ParseStringTime is ParseDuration for callers that treat a bad value as zero.
func ParseStringTime(timeString string) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("Error parsing time string: %s", err.Error())
		return 0
	}
	return d
}
