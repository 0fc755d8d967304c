// Package format provides human-readable formatting helpers for sizes,
// counts, schedules and timestamps used in logs and API payloads.
package format

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes renders a byte count in binary units.
// Example: Bytes(1536) => "1.5 KB".
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), units[exp])
}

// Number renders a count with thousand separators.
// Example: Number(1234567) => "1,234,567".
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Percentage renders a percentage with the given number of decimals.
// Example: Percentage(45.678, 1) => "45.7%".
func Percentage(value float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, value)
}

// CronDescription describes a standard 5-field cron expression
// (minute hour day-of-month month day-of-week) in plain English.
// Expressions it cannot describe are returned unchanged.
func CronDescription(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return expr
	}
	min, hour, dom, _, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if min == "*" && hour == "*" && dom == "*" && dow == "*" {
		return "Every minute"
	}

	if interval, ok := stepInterval(min); ok && hour == "*" {
		return fmt.Sprintf("Every %d minutes", interval)
	}
	if interval, ok := stepInterval(hour); ok {
		if interval == 1 {
			return "Every hour"
		}
		return fmt.Sprintf("Every %d hours", interval)
	}

	m, mErr := strconv.Atoi(min)
	if mErr != nil {
		return expr
	}

	if hour == "*" {
		if m == 0 {
			return "Every hour"
		}
		return fmt.Sprintf("Every hour at :%02d", m)
	}

	h, hErr := strconv.Atoi(hour)
	if hErr != nil {
		return expr
	}
	at := clockTime(h, m)

	if dow != "*" && dom == "*" {
		if d, err := strconv.Atoi(dow); err == nil && d >= 0 && d < 7 {
			return fmt.Sprintf("%ss at %s", dayNames[d], at)
		}
		return expr
	}
	if dom != "*" {
		if d, err := strconv.Atoi(dom); err == nil {
			return fmt.Sprintf("%s of each month at %s", ordinal(d), at)
		}
		return expr
	}
	return fmt.Sprintf("Daily at %s", at)
}

var dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

func stepInterval(field string) (int, bool) {
	rest, ok := strings.CutPrefix(field, "*/")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func clockTime(hour, minute int) string {
	if hour == 0 && minute == 0 {
		return "midnight"
	}
	if hour == 12 && minute == 0 {
		return "noon"
	}
	period := "AM"
	h := hour
	switch {
	case hour == 0:
		h = 12
	case hour == 12:
		period = "PM"
	case hour > 12:
		h = hour - 12
		period = "PM"
	}
	if minute == 0 {
		return fmt.Sprintf("%d%s", h, period)
	}
	return fmt.Sprintf("%d:%02d%s", h, minute, period)
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 10 {
	case 1:
		if n%100 != 11 {
			suffix = "st"
		}
	case 2:
		if n%100 != 12 {
			suffix = "nd"
		}
	case 3:
		if n%100 != 13 {
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// RelativeTime renders how long ago (or until) t is, coarsely.
// Example: RelativeTime(time.Now().Add(-5*time.Minute)) => "5 minutes ago".
func RelativeTime(t time.Time) string {
	diff := time.Since(t)
	if diff < 0 {
		return relative(-diff, "in %s")
	}
	return relative(diff, "%s ago")
}

func relative(d time.Duration, pattern string) string {
	var phrase string
	switch {
	case d < time.Minute:
		if strings.HasPrefix(pattern, "in") {
			return "in a moment"
		}
		return "just now"
	case d < time.Hour:
		phrase = plural(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		phrase = plural(int(d.Hours()), "hour")
	default:
		phrase = plural(int(d.Hours()/24), "day")
	}
	return fmt.Sprintf(pattern, phrase)
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
