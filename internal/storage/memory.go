package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tzrecur/pkg/recurrence"
)

// memStore keeps records in maps guarded by one RWMutex. Returned values are
// copies; callers never alias stored state.
type memStore struct {
	mu     sync.RWMutex
	recs   map[string]recurrence.Record
	subs   map[recurrence.SubKey]recurrence.Schedule
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() recurrence.Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		recs: map[string]recurrence.Record{},
		subs: map[recurrence.SubKey]recurrence.Schedule{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) Insert(ctx context.Context, rec *recurrence.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *memStore) insertLocked(rec *recurrence.Record) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.recs[rec.ID]; ok {
		return recurrence.ErrConflict
	}
	r := *rec
	r.Schedule = utcSchedule(r.Schedule)
	s.recs[rec.ID] = r
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*recurrence.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.recs[id]
	if !ok {
		return nil, recurrence.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) Advance(ctx context.Context, id string, sch recurrence.Schedule) (recurrence.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return recurrence.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return recurrence.Schedule{}, ErrClosed
	}
	stored, ok := s.advanceLocked(id, sch)
	if !ok {
		return recurrence.Schedule{}, recurrence.ErrNotFound
	}
	return stored, nil
}

func (s *memStore) advanceLocked(id string, sch recurrence.Schedule) (recurrence.Schedule, bool) {
	rec, ok := s.recs[id]
	if !ok {
		return recurrence.Schedule{}, false
	}
	if !sch.Next.Before(rec.Next) {
		rec.Schedule = utcSchedule(sch)
		s.recs[id] = rec
	}
	return rec.Schedule, true
}

func (s *memStore) BulkAdvance(ctx context.Context, updates map[string]recurrence.Schedule) (map[string]recurrence.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]recurrence.Schedule, len(updates))
	for id, sch := range updates {
		if stored, ok := s.advanceLocked(id, sch); ok {
			out[id] = stored
		}
	}
	return out, nil
}

func (s *memStore) ListDue(ctx context.Context, now time.Time) ([]*recurrence.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*recurrence.Record
	for _, rec := range s.recs {
		if rec.IsDue(now) {
			rec := rec
			out = append(out, &rec)
		}
	}
	sortByNext(out)
	return out, nil
}

func (s *memStore) FindSub(ctx context.Context, key recurrence.SubKey) (*recurrence.SubRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	sch, ok := s.subs[key]
	if !ok {
		return nil, recurrence.ErrNotFound
	}
	return &recurrence.SubRecord{SubKey: key, Schedule: sch}, nil
}

func (s *memStore) BulkFindSubs(ctx context.Context, baseID string, objectIDs []string) (map[string]*recurrence.SubRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]*recurrence.SubRecord, len(objectIDs))
	for _, oid := range objectIDs {
		key := recurrence.SubKey{BaseID: baseID, ObjectID: oid}
		if sch, ok := s.subs[key]; ok {
			out[oid] = &recurrence.SubRecord{SubKey: key, Schedule: sch}
		}
	}
	return out, nil
}

func (s *memStore) BulkInsertSubs(ctx context.Context, subs []*recurrence.SubRecord) ([]*recurrence.SubRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*recurrence.SubRecord, 0, len(subs))
	for _, sub := range subs {
		sch, _ := s.insertSubLocked(sub.SubKey, sub.Schedule)
		out = append(out, &recurrence.SubRecord{SubKey: sub.SubKey, Schedule: sch})
	}
	return out, nil
}

// insertSubLocked stores sch under key unless present. It returns the stored
// schedule and whether this call inserted it.
func (s *memStore) insertSubLocked(key recurrence.SubKey, sch recurrence.Schedule) (recurrence.Schedule, bool) {
	if cur, ok := s.subs[key]; ok {
		return cur, false
	}
	sch = utcSchedule(sch)
	s.subs[key] = sch
	return sch, true
}

func (s *memStore) GetOrInsertSub(ctx context.Context, key recurrence.SubKey, factory func() *recurrence.SubRecord) (*recurrence.SubRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	sch, ok := s.subs[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return &recurrence.SubRecord{SubKey: key, Schedule: sch}, nil
	}

	fresh := factory()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sch, _ = s.insertSubLocked(key, fresh.Schedule)
	return &recurrence.SubRecord{SubKey: key, Schedule: sch}, nil
}

func (s *memStore) AdvanceSub(ctx context.Context, key recurrence.SubKey, sch recurrence.Schedule) (recurrence.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return recurrence.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return recurrence.Schedule{}, ErrClosed
	}
	stored, ok := s.advanceSubLocked(key, sch)
	if !ok {
		return recurrence.Schedule{}, recurrence.ErrNotFound
	}
	return stored, nil
}

func (s *memStore) BulkAdvanceSubs(ctx context.Context, baseID string, objectIDs []string, sch recurrence.Schedule) (map[string]recurrence.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]recurrence.Schedule, len(objectIDs))
	for _, oid := range objectIDs {
		if stored, ok := s.advanceSubLocked(recurrence.SubKey{BaseID: baseID, ObjectID: oid}, sch); ok {
			out[oid] = stored
		}
	}
	return out, nil
}

func (s *memStore) advanceSubLocked(key recurrence.SubKey, sch recurrence.Schedule) (recurrence.Schedule, bool) {
	cur, ok := s.subs[key]
	if !ok {
		return recurrence.Schedule{}, false
	}
	if !sch.Next.Before(cur.Next) {
		cur = utcSchedule(sch)
		s.subs[key] = cur
	}
	return cur, true
}

func utcSchedule(s recurrence.Schedule) recurrence.Schedule {
	return recurrence.Schedule{Previous: s.Previous.UTC(), Next: s.Next.UTC()}
}

func sortByNext(recs []*recurrence.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Next.Equal(recs[j].Next) {
			return recs[i].Next.Before(recs[j].Next)
		}
		return recs[i].ID < recs[j].ID
	})
}
