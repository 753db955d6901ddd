package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reDaysClock = regexp.MustCompile(`^\s*(\d+)\s+days?,\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)\s*$`)
	reClock     = regexp.MustCompile(`^\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)\s*$`)
)

// ParseOffset parses an offset given either as a Go duration ("15h",
// "73h30m") or in the "[D day[s], ]H:MM:SS" form ("3 days, 17:30:00").
func ParseOffset(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if m := reDaysClock.FindStringSubmatch(s); m != nil {
		days, _ := strconv.Atoi(m[1])
		clock, err := clockDuration(m[2], m[3], m[4])
		if err != nil {
			return 0, fmt.Errorf("invalid offset %q: %w", raw, err)
		}
		return time.Duration(days)*day + clock, nil
	}
	if m := reClock.FindStringSubmatch(s); m != nil {
		clock, err := clockDuration(m[1], m[2], m[3])
		if err != nil {
			return 0, fmt.Errorf("invalid offset %q: %w", raw, err)
		}
		return clock, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q (use a duration like '15h' or '3 days, 17:30:00')", raw)
	}
	return d, nil
}

func clockDuration(hh, mm, ss string) (time.Duration, error) {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	sec, err := strconv.ParseFloat(ss, 64)
	if err != nil {
		return 0, err
	}
	if m > 59 || sec >= 60 {
		return 0, fmt.Errorf("minutes and seconds must be below 60")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
}

// FormatOffset renders d in the "[D day[s], ]H:MM:SS" form accepted by
// ParseOffset.
func FormatOffset(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := d / day
	d -= days * day
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	clock := fmt.Sprintf("%d:%02d:%02d", h, m, s)
	switch days {
	case 0:
		return sign + clock
	case 1:
		return sign + "1 day, " + clock
	default:
		return fmt.Sprintf("%s%d days, %s", sign, days, clock)
	}
}
