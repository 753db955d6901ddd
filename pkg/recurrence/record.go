package recurrence

import (
	"fmt"
	"time"

	"tzrecur/pkg/tz"
)

// Epoch is the default schedule value: anything scheduled at Epoch is due.
var Epoch = time.Unix(0, 0).UTC()

// Definition is the immutable configuration of a recurrence: the event
// happens Offset into every Interval, measured in Timezone's local time.
type Definition struct {
	Interval Interval
	Offset   time.Duration
	Timezone string
}

// Validate checks the offset range and that the timezone resolves with the
// default resolver.
func (d Definition) Validate() error {
	_, err := d.validate(tz.Default)
	return err
}

// validate checks the offset first so that a bad offset is reported even when
// the timezone is also wrong.
func (d Definition) validate(r tz.Resolver) (*tz.Zone, error) {
	if !d.Interval.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterval, int(d.Interval))
	}
	if d.Offset < 0 || d.Offset >= d.Interval.MaxOffset() {
		return nil, &InvalidOffsetError{Interval: d.Interval, Offset: d.Offset}
	}
	zone, err := r.Resolve(d.Timezone)
	if err != nil {
		return nil, &TimezoneResolutionError{Timezone: d.Timezone, Err: err}
	}
	return zone, nil
}

// Schedule is the mutable state of a recurrence.
type Schedule struct {
	// Previous is the time of the last schedule update (Epoch if never).
	Previous time.Time
	// Next is the cached UTC instant of the next occurrence.
	Next time.Time
}

// IsDue reports Next <= now.
func (s Schedule) IsDue(now time.Time) bool { return !s.Next.After(now) }

// Record is a base recurrence.
type Record struct {
	ID string
	Definition
	Schedule
}

// NextScheduled returns the cached next occurrence.
func (r *Record) NextScheduled() time.Time { return r.Next }

func (r *Record) String() string {
	return fmt.Sprintf("ID: %s, Interval: %s, Next Scheduled: %s", r.ID, r.Interval, r.Next.UTC().Format(time.RFC3339))
}

// SubKey identifies the sub-recurrence of one tracked object under a base.
type SubKey struct {
	BaseID   string
	ObjectID string
}

// SubRecord tracks due-state for one object. It shares the base's
// Definition; only the schedule is its own.
type SubRecord struct {
	SubKey
	Schedule
}

// NextScheduled returns the cached next occurrence.
func (s *SubRecord) NextScheduled() time.Time { return s.Next }
