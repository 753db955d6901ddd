package recurrence

import (
	"errors"
	"time"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/tz"
)

// maxAdvance bounds how many intervals Next walks forward. Two always
// suffice; the slack covers zones whose midnight falls inside a transition.
const maxAdvance = 4

var errNoOccurrence = errors.New("no occurrence found after now")

// Calculator computes occurrences. It holds no schedule state; the logger
// only receives DST diagnostics.
type Calculator struct {
	resolver tz.Resolver
	log      logx.Logger
}

// NewCalculator returns a calculator using r (tz.Default if nil). DST
// adjustments are logged at debug level, rate limited.
func NewCalculator(r tz.Resolver, log logx.Logger) *Calculator {
	if r == nil {
		r = tz.Default
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Calculator{resolver: r, log: log.With(logx.String("comp", "calculator")).Limited(0)}
}

var defaultCalculator = NewCalculator(nil, logx.Nop())

// Next is Calculator.Next with the default resolver and no logging.
func Next(now time.Time, def Definition) (time.Time, error) {
	return defaultCalculator.Next(now, def)
}

// Next returns the first instant strictly after now at which def occurs.
//
// The interval containing now is located in def.Timezone's wall-clock time,
// the offset is applied there, and the result is mapped back to UTC with the
// zone rules of the target date. Wall-clock times skipped by a DST transition
// resolve to the transition; repeated ones resolve to their first occurrence.
func (c *Calculator) Next(now time.Time, def Definition) (time.Time, error) {
	zone, err := def.validate(c.resolver)
	if err != nil {
		return time.Time{}, err
	}
	return c.next(now, def, zone)
}

func (c *Calculator) next(now time.Time, def Definition, zone *tz.Zone) (time.Time, error) {
	start := def.Interval.start(zone.Wall(now))
	for i := 0; i < maxAdvance; i++ {
		wall := def.Interval.at(start, def.Offset)
		inst, res := zone.Instant(wall)
		if res != tz.Exact {
			c.log.Debug("local time adjusted for dst transition",
				logx.String("tz", zone.Name()),
				logx.String("resolution", res.String()),
				logx.String("wall", wall.Format("2006-01-02T15:04:05")),
				logx.Time("instant", inst),
			)
		}
		if inst.After(now) {
			return inst, nil
		}
		start = def.Interval.next(start)
	}
	return time.Time{}, errNoOccurrence
}

// Upcoming returns the next n occurrences after now.
func (c *Calculator) Upcoming(now time.Time, def Definition, n int) ([]time.Time, error) {
	zone, err := def.validate(c.resolver)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, max(n, 0))
	t := now
	for i := 0; i < n; i++ {
		t, err = c.next(t, def, zone)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Zone resolves def's timezone after validating def.
func (c *Calculator) Zone(def Definition) (*tz.Zone, error) {
	return def.validate(c.resolver)
}
