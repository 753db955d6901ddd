package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "" or "memory": in-process store
//   - "file": snapshot + journal files derived from Path
//   - "sqlite": SQLite database at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// journalEntry is one line of the file driver's journal.
type journalEntry struct {
	Op       string `json:"op"`
	ID       string `json:"id,omitempty"`
	ObjectID string `json:"object,omitempty"`
	Interval string `json:"interval,omitempty"`
	OffsetNS int64  `json:"offset_ns,omitempty"`
	Timezone string `json:"tz,omitempty"`
	PrevNS   int64  `json:"prev_ns"`
	NextNS   int64  `json:"next_ns"`
}

const (
	opInsert     = "insert"
	opAdvance    = "advance"
	opInsertSub  = "insert_sub"
	opAdvanceSub = "advance_sub"
)

// snapshot is the file driver's compacted state.
type snapshot struct {
	Records []journalEntry `json:"records"`
	Subs    []journalEntry `json:"subs"`
}
