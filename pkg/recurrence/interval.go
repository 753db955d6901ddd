package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Interval is the granularity of a recurrence.
type Interval int

const (
	Daily Interval = iota + 1
	Weekly
	Monthly
	Quarterly
	Yearly
)

const day = 24 * time.Hour

// WeekStart is the first day of a weekly interval.
const WeekStart = time.Monday

var intervalNames = map[Interval]string{
	Daily:     "daily",
	Weekly:    "weekly",
	Monthly:   "monthly",
	Quarterly: "quarterly",
	Yearly:    "yearly",
}

func (i Interval) String() string {
	if s, ok := intervalNames[i]; ok {
		return s
	}
	return fmt.Sprintf("interval(%d)", int(i))
}

// Valid reports whether i is one of the known intervals.
func (i Interval) Valid() bool {
	_, ok := intervalNames[i]
	return ok
}

// ParseInterval accepts the canonical names ("daily") as well as the short
// forms ("day", "DAY", "week", ...).
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	case "quarterly", "quarter":
		return Quarterly, nil
	case "yearly", "year", "annual", "annually":
		return Yearly, nil
	default:
		return 0, fmt.Errorf("%w: %q (use daily, weekly, monthly, quarterly or yearly)", ErrInvalidInterval, s)
	}
}

func (i Interval) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterval, int(i))
	}
	return []byte(i.String()), nil
}

func (i *Interval) UnmarshalText(b []byte) error {
	v, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// MaxOffset is the exclusive upper bound for offsets in i. Variable-length
// intervals use their longest possible length; shorter instances clamp the
// day to their last day.
func (i Interval) MaxOffset() time.Duration {
	switch i {
	case Daily:
		return day
	case Weekly:
		return 7 * day
	case Monthly:
		return 31 * day
	case Quarterly:
		return 92 * day
	case Yearly:
		return 366 * day
	default:
		return 0
	}
}

// start returns midnight at the beginning of the interval containing the
// floating wall-clock value w.
func (i Interval) start(w time.Time) time.Time {
	y, m, d := w.Date()
	switch i {
	case Daily:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case Weekly:
		back := (int(w.Weekday()) - int(WeekStart) + 7) % 7
		return time.Date(y, m, d-back, 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Quarterly:
		qm := time.Month((int(m)-1)/3*3 + 1)
		return time.Date(y, qm, 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return w
	}
}

// next returns the start of the interval after the one beginning at start.
func (i Interval) next(start time.Time) time.Time {
	switch i {
	case Daily:
		return start.AddDate(0, 0, 1)
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	case Quarterly:
		return start.AddDate(0, 3, 0)
	case Yearly:
		return start.AddDate(1, 0, 0)
	default:
		return start
	}
}

// at places offset inside the interval beginning at start. The day part is
// clamped to the interval's last day; the time-of-day part is kept.
func (i Interval) at(start time.Time, offset time.Duration) time.Time {
	days := int(offset / day)
	rem := offset % day
	if n := int(i.next(start).Sub(start) / day); days >= n {
		days = n - 1
	}
	return start.AddDate(0, 0, days).Add(rem)
}
