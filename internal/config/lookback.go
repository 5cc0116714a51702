package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const lookbackDateLayout = "2006-01-02"

// disabledDate is accepted as an alias of "0"
const disabledDate = "0000-00-00"

// LevelCritical is the slog level used for CRITICAL
const LevelCritical = slog.LevelError + 4

// Lookback is the parsed historical polling setting.
// At most one of Days and Date is set; the zero value means disabled.
type Lookback struct {
	Days int
	Date time.Time
}

// ParseLookback parses a number of days or an absolute YYYY-MM-DD date.
// Dates in the future relative to now are rejected.
func ParseLookback(raw string, now time.Time) (Lookback, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" || raw == disabledDate {
		return Lookback{}, nil
	}

	if days, err := strconv.Atoi(raw); err == nil {
		if days < 0 {
			return Lookback{}, fmt.Errorf("number of days must not be negative, got %d", days)
		}
		return Lookback{Days: days}, nil
	}

	date, err := time.ParseInLocation(lookbackDateLayout, raw, time.UTC)
	if err != nil {
		return Lookback{}, fmt.Errorf("must be a number of days or a YYYY-MM-DD date, got %q", raw)
	}
	if date.After(now) {
		return Lookback{}, fmt.Errorf("date %s is in the future", raw)
	}
	return Lookback{Date: date}, nil
}

// Disabled reports whether historical polling is turned off
func (l Lookback) Disabled() bool {
	return l.Days == 0 && l.Date.IsZero()
}

// Start returns the timestamp from which polling begins on a first run or after a reset
func (l Lookback) Start(now time.Time) time.Time {
	switch {
	case !l.Date.IsZero():
		return l.Date
	case l.Days > 0:
		return now.AddDate(0, 0, -l.Days)
	default:
		return now
	}
}

// String returns the canonical textual form
func (l Lookback) String() string {
	switch {
	case !l.Date.IsZero():
		return l.Date.Format(lookbackDateLayout)
	default:
		return strconv.Itoa(l.Days)
	}
}

// ParseLogLevel maps DEBUG, INFO, WARNING, ERROR and CRITICAL to slog levels
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (expected DEBUG, INFO, WARNING, ERROR or CRITICAL)", raw)
	}
}
