package runner

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

type Config struct {
	Enabled bool
}

// Target is a base record plus the objects tracked under it.
type Target struct {
	ID    string
	Track []string
}

// Occurrence reports one fire of a base record.
type Occurrence struct {
	ID        string
	Scheduled time.Time // the Next that was reached
	FiredAt   time.Time
	Due       []string  // tracked objects that were due and got advanced
	Next      time.Time // the base record's new Next
}

// Handler receives every occurrence after its schedules were advanced.
type Handler func(ctx context.Context, occ Occurrence)

type ScheduleInfo struct {
	ID    string
	Track int
	Next  time.Time
	Prev  time.Time
}

type entry struct {
	target  Target
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	mgr     *recurrence.Manager
	handler Handler
	now     func() time.Time

	// fireTimeout bounds the store work of one fire.
	fireTimeout time.Duration

	c       *cron.Cron
	baseCtx context.Context
	entries map[string]*entry
}
