// Package schedule evaluates the deliberately simplified cron subset used
// for workflow triggers.
//
// Known limitation: only the minute and hour fields are evaluated. The
// day-of-month, month and day-of-week fields are accepted for shape but
// ignored, so an expression like "0 9 * * 1" fires daily at 09:00, not just
// on Mondays.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate reports whether expr is acceptable to NextRun: five fields,
// where minute and hour are "*" or a plain number in range.
func Validate(expr string) error {
	_, _, err := parse(expr)
	return err
}

// NextRun computes the next firing strictly after now.
//
// For an all-"*" expression the result is the start of the next minute
// (seconds zeroed), so a scheduler comparing nextRunAt <= now on whole-minute
// ticks matches exactly. Otherwise the numeric minute and hour fields are
// each set on the current time independently; whenever the intermediate
// result is not strictly after now, the next-larger unit (hour, then day)
// is advanced by one.
func NextRun(expr string, now time.Time) (time.Time, error) {
	minute, hour, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	base := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, now.Location())
	if minute < 0 && hour < 0 {
		return base.Add(time.Minute), nil
	}

	t := base
	if minute >= 0 {
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
		if !t.After(now) {
			t = t.Add(time.Hour)
		}
	}
	if hour >= 0 {
		t = time.Date(t.Year(), t.Month(), t.Day(), hour, t.Minute(), 0, 0, t.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
	}
	return t, nil
}

// parse returns the numeric minute and hour fields, or -1 for "*".
func parse(expr string) (minute, hour int, err error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return 0, 0, fmt.Errorf("cron expression %q must have 5 fields", expr)
	}
	minute, err = parseField(fields[0], 59)
	if err != nil {
		return 0, 0, fmt.Errorf("cron minute field: %w", err)
	}
	hour, err = parseField(fields[1], 23)
	if err != nil {
		return 0, 0, fmt.Errorf("cron hour field: %w", err)
	}
	return minute, hour, nil
}

func parseField(field string, max int) (int, error) {
	if field == "*" {
		return -1, nil
	}
	value, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("%q is neither * nor a number", field)
	}
	if value < 0 || value > max {
		return 0, fmt.Errorf("%d out of range 0-%d", value, max)
	}
	return value, nil
}
