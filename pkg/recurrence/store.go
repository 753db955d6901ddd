package recurrence

import (
	"context"
	"time"
)

// Store persists base records and sub-records. Implementations live in
// internal/storage.
//
// Schedule writes are monotonic: Advance, BulkAdvance, AdvanceSub and
// BulkAdvanceSubs only apply when the new Next is not earlier than the
// stored one, and always return the schedule as stored afterwards.
type Store interface {
	// Insert stores a new record. ErrConflict if the id exists.
	Insert(ctx context.Context, rec *Record) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Record, error)
	Advance(ctx context.Context, id string, s Schedule) (Schedule, error)
	// BulkAdvance applies many advances in one round trip. Unknown ids are
	// absent from the result.
	BulkAdvance(ctx context.Context, updates map[string]Schedule) (map[string]Schedule, error)
	// ListDue returns base records with Next <= now, ordered by Next.
	ListDue(ctx context.Context, now time.Time) ([]*Record, error)

	// FindSub returns ErrNotFound for unknown keys.
	FindSub(ctx context.Context, key SubKey) (*SubRecord, error)
	// BulkFindSubs returns the existing sub-records keyed by object id.
	BulkFindSubs(ctx context.Context, baseID string, objectIDs []string) (map[string]*SubRecord, error)
	// BulkInsertSubs inserts the sub-records that do not exist yet and
	// returns every given key as stored, including rows another writer
	// created first.
	BulkInsertSubs(ctx context.Context, subs []*SubRecord) ([]*SubRecord, error)
	// GetOrInsertSub returns the stored sub-record for key, inserting
	// factory() if absent. Exactly one insert wins under concurrency.
	GetOrInsertSub(ctx context.Context, key SubKey, factory func() *SubRecord) (*SubRecord, error)
	AdvanceSub(ctx context.Context, key SubKey, s Schedule) (Schedule, error)
	// BulkAdvanceSubs applies s to the sub-records of objectIDs under
	// baseID in one round trip. Unknown objects are absent from the result.
	BulkAdvanceSubs(ctx context.Context, baseID string, objectIDs []string, s Schedule) (map[string]Schedule, error)

	Close() error
}
