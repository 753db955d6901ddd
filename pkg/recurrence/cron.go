package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"

	"tzrecur/pkg/logx"
)

// CronSchedule adapts a definition to robfig/cron's Schedule interface so a
// cron.Cron can fire at each occurrence. The definition is validated when the
// schedule is built.
type CronSchedule struct {
	calc *Calculator
	def  Definition
}

var _ cron.Schedule = (*CronSchedule)(nil)

// CronSchedule builds a cron.Schedule for def.
func (c *Calculator) CronSchedule(def Definition) (*CronSchedule, error) {
	if _, err := def.validate(c.resolver); err != nil {
		return nil, err
	}
	return &CronSchedule{calc: c, def: def}, nil
}

// Next implements cron.Schedule. A zero time tells cron never to run, which
// only happens if the zone data became unresolvable after construction.
func (s *CronSchedule) Next(t time.Time) time.Time {
	n, err := s.calc.Next(t, s.def)
	if err != nil {
		s.calc.log.Warn("cron schedule stopped", logx.Err(err))
		return time.Time{}
	}
	return n
}

// Definition returns the definition the schedule fires for.
func (s *CronSchedule) Definition() Definition { return s.def }
