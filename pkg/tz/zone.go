// Package tz resolves IANA timezone identifiers and converts between UTC
// instants and local wall-clock time.
//
// Wall-clock values are represented as "floating" time.Time values: a time in
// time.UTC whose calendar fields are the local fields. Arithmetic on them
// (AddDate, Add) is plain calendar arithmetic with no DST involved; Zone.Instant
// maps the result back onto the timeline using the rules of the target date.
package tz

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	// Zone data is embedded so resolution does not depend on the host.
	_ "time/tzdata"
)

// ErrUnknownZone is matched by every ResolutionError.
var ErrUnknownZone = errors.New("unknown timezone")

// ResolutionError reports an identifier the resolver could not load.
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("invalid timezone %q: %v", e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrUnknownZone }

// Resolver turns an identifier into a Zone.
type Resolver interface {
	Resolve(name string) (*Zone, error)
}

// Zone wraps a *time.Location.
type Zone struct {
	name string
	loc  *time.Location
}

// UTC is the zone used for empty identifiers.
var UTC = &Zone{name: "UTC", loc: time.UTC}

// FromLocation wraps an already loaded location.
func FromLocation(loc *time.Location) *Zone {
	if loc == nil {
		return UTC
	}
	return &Zone{name: loc.String(), loc: loc}
}

func (z *Zone) Name() string             { return z.name }
func (z *Zone) Location() *time.Location { return z.loc }
func (z *Zone) String() string           { return z.name }

// IANA is the default Resolver. Loaded zones are cached; the zero value is
// ready to use.
type IANA struct {
	cache sync.Map // name -> *Zone
}

// Default is shared by callers that do not bring their own resolver.
var Default = &IANA{}

// Resolve loads name. "" and "UTC" resolve to UTC.
func (r *IANA) Resolve(name string) (*Zone, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "UTC" {
		return UTC, nil
	}
	if v, ok := r.cache.Load(name); ok {
		return v.(*Zone), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &ResolutionError{Name: name, Err: err}
	}
	z := &Zone{name: name, loc: loc}
	v, _ := r.cache.LoadOrStore(name, z)
	return v.(*Zone), nil
}

// Valid reports whether name resolves with the default resolver.
func Valid(name string) bool {
	_, err := Default.Resolve(name)
	return err == nil
}

// Resolution describes how a wall-clock time mapped onto the timeline.
type Resolution int

const (
	// Exact: the wall-clock time occurs exactly once.
	Exact Resolution = iota
	// Gap: the wall-clock time does not exist (spring forward); the result
	// is the first valid instant after it.
	Gap
	// Overlap: the wall-clock time occurs twice (fall back); the result is
	// the earlier occurrence.
	Overlap
)

func (r Resolution) String() string {
	switch r {
	case Exact:
		return "exact"
	case Gap:
		return "gap"
	case Overlap:
		return "overlap"
	default:
		return "unknown"
	}
}

// Wall returns the wall-clock reading of instant t in z as a floating time.
func (z *Zone) Wall(t time.Time) time.Time {
	l := t.In(z.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// zone transitions near a wall-clock value are probed this far on each side.
const probeWindow = 36 * time.Hour

// Instant maps the floating wall-clock value wall to a UTC instant in z.
//
// Policy:
//   - gap: the transition instant, i.e. the first valid local time at or
//     after the nominal one
//   - overlap: the earlier of the two instants
func (z *Zone) Instant(wall time.Time) (time.Time, Resolution) {
	naive := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)
	if z.loc == time.UTC {
		return naive, Exact
	}

	// Every offset in force around the date is a candidate. An offset is
	// consistent when shifting by it lands on an instant that reads back as
	// the same wall clock.
	var (
		valid   []time.Time
		offsets []int
	)
	for _, probe := range []time.Time{naive.Add(-probeWindow), naive, naive.Add(probeWindow)} {
		_, off := probe.In(z.loc).Zone()
		if containsInt(offsets, off) {
			continue
		}
		offsets = append(offsets, off)
		t := naive.Add(-time.Duration(off) * time.Second)
		if z.Wall(t).Equal(naive) && !containsTime(valid, t) {
			valid = append(valid, t)
		}
	}

	switch len(valid) {
	case 0:
		return z.gapEnd(naive, offsets), Gap
	case 1:
		return valid[0].UTC(), Exact
	default:
		earliest := valid[0]
		for _, t := range valid[1:] {
			if t.Before(earliest) {
				earliest = t
			}
		}
		return earliest.UTC(), Overlap
	}
}

// gapEnd finds the transition instant that skipped over naive. The largest
// offset gives the earliest interpretation, which lies before the transition;
// the zone period it belongs to ends at the transition.
func (z *Zone) gapEnd(naive time.Time, offsets []int) time.Time {
	maxOff := offsets[0]
	for _, o := range offsets[1:] {
		if o > maxOff {
			maxOff = o
		}
	}
	before := naive.Add(-time.Duration(maxOff) * time.Second).In(z.loc)
	_, end := before.ZoneBounds()
	if end.IsZero() || !end.After(before) {
		// No recorded transition; fall back to the plain interpretation.
		return before.UTC()
	}
	return end.UTC()
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsTime(xs []time.Time, v time.Time) bool {
	for _, x := range xs {
		if x.Equal(v) {
			return true
		}
	}
	return false
}
