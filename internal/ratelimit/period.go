package ratelimit

import (
	"strconv"
	"strings"
)

// HumanPeriod renders a period such as "1 hour 30 minutes". Periods shorter
// than a second are rendered in milliseconds; leftover milliseconds of longer
// periods are dropped.
func HumanPeriod(ms int64) string {
	if ms < 1000 {
		return unit(ms, "millisecond")
	}
	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	years := days / 365

	parts := make([]string, 0, 5)
	for _, p := range []struct {
		n    int64
		name string
	}{
		{years, "year"},
		{days % 365, "day"},
		{hours % 24, "hour"},
		{minutes % 60, "minute"},
		{seconds % 60, "second"},
	} {
		if p.n > 0 {
			parts = append(parts, unit(p.n, p.name))
		}
	}
	return strings.Join(parts, " ")
}

func unit(n int64, name string) string {
	s := strconv.FormatInt(n, 10) + " " + name
	if n != 1 {
		s += "s"
	}
	return s
}
