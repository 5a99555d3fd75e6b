package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TickFromCron converts the supported cron subset to a scan period.
// Only minute intervals are expressible: "* * * * *" is one minute,
// "*/N * * * *" is N minutes. Anything else is a configuration error;
// the scheduler is interval-driven, not calendar-driven.
func TickFromCron(expr string) (time.Duration, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return 0, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}
	for i, f := range fields[1:] {
		if f != "*" {
			return 0, fmt.Errorf("cron %q: field %d must be \"*\" (only minute intervals are supported)", expr, i+2)
		}
	}

	minute := fields[0]
	if minute == "*" {
		return time.Minute, nil
	}
	rest, ok := strings.CutPrefix(minute, "*/")
	if !ok {
		return 0, fmt.Errorf("cron %q: minute field must be \"*\" or \"*/N\"", expr)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > 59 {
		return 0, fmt.Errorf("cron %q: minute interval must be 1..59", expr)
	}
	return time.Duration(n) * time.Minute, nil
}
