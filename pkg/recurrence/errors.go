package recurrence

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidOffset is matched by *InvalidOffsetError.
	ErrInvalidOffset = errors.New("invalid offset")
	// ErrTimezoneResolution is matched by *TimezoneResolutionError.
	ErrTimezoneResolution = errors.New("timezone resolution failed")
	ErrInvalidInterval    = errors.New("invalid interval")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("recurrence not found")
	// ErrConflict is returned by Store.Insert when the id already exists.
	ErrConflict = errors.New("recurrence already exists")
	// ErrDefinitionChanged is returned by Manager.Ensure when a stored record
	// has a different definition than requested.
	ErrDefinitionChanged = errors.New("recurrence definition changed")
)

// InvalidOffsetError reports an offset outside [0, interval.MaxOffset()).
type InvalidOffsetError struct {
	Interval Interval
	Offset   time.Duration
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("offset %s out of range [0, %s) for %s interval",
		e.Offset, e.Interval.MaxOffset(), e.Interval)
}

func (e *InvalidOffsetError) Is(target error) bool { return target == ErrInvalidOffset }

// TimezoneResolutionError reports a timezone identifier that could not be
// resolved.
type TimezoneResolutionError struct {
	Timezone string
	Err      error
}

func (e *TimezoneResolutionError) Error() string {
	return fmt.Sprintf("resolve timezone %q: %v", e.Timezone, e.Err)
}

func (e *TimezoneResolutionError) Unwrap() error { return e.Err }

func (e *TimezoneResolutionError) Is(target error) bool { return target == ErrTimezoneResolution }
