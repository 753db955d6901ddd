package recurrence

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrNotExpressible is returned by RRule for quarterly offsets that reach
// past the 28th day of the quarter's first month; RFC 5545 has no rule for
// "the n-th day of a quarter".
var ErrNotExpressible = errors.New("recurrence not expressible as an RRULE")

var rruleWeekdays = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// RRule exports def as an iCalendar recurrence rule starting at the interval
// containing now. DTSTART carries def's timezone, so calendar clients expand
// the rule in local time the same way Next does (gap handling aside, which
// is up to the client).
func (c *Calculator) RRule(now time.Time, def Definition) (*rrule.RRule, error) {
	zone, err := def.validate(c.resolver)
	if err != nil {
		return nil, err
	}
	start := def.Interval.start(zone.Wall(now))
	days := int(def.Offset / day)
	tod := def.Offset % day

	opt := rrule.ROption{
		Dtstart:  time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, zone.Location()),
		Wkst:     rrule.MO,
		Byhour:   []int{int(tod / time.Hour)},
		Byminute: []int{int(tod % time.Hour / time.Minute)},
		Bysecond: []int{int(tod % time.Minute / time.Second)},
	}

	switch def.Interval {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[days]}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday, opt.Bysetpos = clampedMonthDay(days + 1)
	case Quarterly:
		if days >= 28 {
			return nil, ErrNotExpressible
		}
		opt.Freq = rrule.MONTHLY
		opt.Bymonth = []int{1, 4, 7, 10}
		opt.Bymonthday = []int{days + 1}
	case Yearly:
		opt.Freq = rrule.YEARLY
		if days >= 365 {
			opt.Byyearday = []int{-1}
		} else {
			opt.Byyearday = []int{days + 1}
		}
	}
	return rrule.NewRRule(opt)
}

// clampedMonthDay expresses "day d, or the month's last day if shorter".
// Days up to 28 exist in every month. Beyond that, the last existing day of
// 28..d is picked with BYSETPOS=-1.
func clampedMonthDay(d int) (monthdays []int, setpos []int) {
	if d <= 28 {
		return []int{d}, nil
	}
	for i := 28; i <= d; i++ {
		monthdays = append(monthdays, i)
	}
	return monthdays, []int{-1}
}
