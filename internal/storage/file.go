package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

const compactEvery = 1000

// fileStore is the memory store made durable by two files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of stored state)
//
// Journal lines record state after each write, so replay is a plain set.
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger
	mem *memStore

	// mu serializes writes so journal order matches apply order.
	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (recurrence.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	st := &fileStore{log: log, mem: mem, snapshotPath: snapPath, journal: jf}

	// Fold the replayed journal into the snapshot. This also drops a torn
	// tail, which later appends would otherwise extend into an unreadable
	// line.
	if fi, err := jf.Stat(); err == nil && fi.Size() > 0 {
		st.mu.Lock()
		err = st.compactLocked()
		st.mu.Unlock()
		if err != nil {
			_ = jf.Close()
			return nil, err
		}
	}
	log.Debug("file store loaded",
		logx.String("path", prefix),
		logx.Int("records", len(mem.recs)),
		logx.Int("subs", len(mem.subs)),
		logx.Int("replayed", n),
	)
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	_ = s.mem.Close()
	if cerr != nil {
		return cerr
	}
	return err
}

// Every write below applies to memory, then journals the stored state. If
// the journal append fails the touched entries are restored, so memory is
// never ahead of disk.

func (s *fileStore) Insert(ctx context.Context, rec *recurrence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb := s.capture([]string{rec.ID}, nil)
	if err := s.mem.Insert(ctx, rec); err != nil {
		return err
	}
	s.mem.mu.RLock()
	stored := s.mem.recs[rec.ID]
	s.mem.mu.RUnlock()
	return s.commitLocked(rb, recordEntry(&stored))
}

func (s *fileStore) Get(ctx context.Context, id string) (*recurrence.Record, error) {
	return s.mem.Get(ctx, id)
}

func (s *fileStore) Advance(ctx context.Context, id string, sch recurrence.Schedule) (recurrence.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb := s.capture([]string{id}, nil)
	stored, err := s.mem.Advance(ctx, id, sch)
	if err != nil {
		return stored, err
	}
	if err := s.commitLocked(rb, scheduleEntry(opAdvance, id, "", stored)); err != nil {
		return recurrence.Schedule{}, err
	}
	return stored, nil
}

func (s *fileStore) BulkAdvance(ctx context.Context, updates map[string]recurrence.Schedule) (map[string]recurrence.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	rb := s.capture(ids, nil)
	out, err := s.mem.BulkAdvance(ctx, updates)
	if err != nil {
		return nil, err
	}
	entries := make([]journalEntry, 0, len(out))
	for id, sch := range out {
		entries = append(entries, scheduleEntry(opAdvance, id, "", sch))
	}
	if err := s.commitLocked(rb, entries...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) ListDue(ctx context.Context, now time.Time) ([]*recurrence.Record, error) {
	return s.mem.ListDue(ctx, now)
}

func (s *fileStore) FindSub(ctx context.Context, key recurrence.SubKey) (*recurrence.SubRecord, error) {
	return s.mem.FindSub(ctx, key)
}

func (s *fileStore) BulkFindSubs(ctx context.Context, baseID string, objectIDs []string) (map[string]*recurrence.SubRecord, error) {
	return s.mem.BulkFindSubs(ctx, baseID, objectIDs)
}

func (s *fileStore) BulkInsertSubs(ctx context.Context, subs []*recurrence.SubRecord) ([]*recurrence.SubRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]recurrence.SubKey, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, sub.SubKey)
	}
	rb := s.capture(nil, keys)
	out, err := s.mem.BulkInsertSubs(ctx, subs)
	if err != nil {
		return nil, err
	}
	entries := make([]journalEntry, 0, len(out))
	for _, sub := range out {
		entries = append(entries, scheduleEntry(opInsertSub, sub.BaseID, sub.ObjectID, sub.Schedule))
	}
	if err := s.commitLocked(rb, entries...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) GetOrInsertSub(ctx context.Context, key recurrence.SubKey, factory func() *recurrence.SubRecord) (*recurrence.SubRecord, error) {
	if sub, err := s.mem.FindSub(ctx, key); err == nil {
		return sub, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rb := s.capture(nil, []recurrence.SubKey{key})
	sub, err := s.mem.GetOrInsertSub(ctx, key, factory)
	if err != nil {
		return nil, err
	}
	if err := s.commitLocked(rb, scheduleEntry(opInsertSub, key.BaseID, key.ObjectID, sub.Schedule)); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *fileStore) AdvanceSub(ctx context.Context, key recurrence.SubKey, sch recurrence.Schedule) (recurrence.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb := s.capture(nil, []recurrence.SubKey{key})
	stored, err := s.mem.AdvanceSub(ctx, key, sch)
	if err != nil {
		return stored, err
	}
	if err := s.commitLocked(rb, scheduleEntry(opAdvanceSub, key.BaseID, key.ObjectID, stored)); err != nil {
		return recurrence.Schedule{}, err
	}
	return stored, nil
}

func (s *fileStore) BulkAdvanceSubs(ctx context.Context, baseID string, objectIDs []string, sch recurrence.Schedule) (map[string]recurrence.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]recurrence.SubKey, 0, len(objectIDs))
	for _, oid := range objectIDs {
		keys = append(keys, recurrence.SubKey{BaseID: baseID, ObjectID: oid})
	}
	rb := s.capture(nil, keys)
	out, err := s.mem.BulkAdvanceSubs(ctx, baseID, objectIDs, sch)
	if err != nil {
		return nil, err
	}
	entries := make([]journalEntry, 0, len(out))
	for oid, stored := range out {
		entries = append(entries, scheduleEntry(opAdvanceSub, baseID, oid, stored))
	}
	if err := s.commitLocked(rb, entries...); err != nil {
		return nil, err
	}
	return out, nil
}

func writeEntries(f *os.File, entries []journalEntry) error {
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return errors.Wrap(err, "encode journal entry")
		}
	}
	return errors.Wrap(w.Flush(), "append journal")
}

// rollback holds the pre-write state of the entries a write touches. A nil
// value means the entry did not exist.
type rollback struct {
	recs map[string]*recurrence.Record
	subs map[recurrence.SubKey]*recurrence.Schedule
}

func (s *fileStore) capture(ids []string, keys []recurrence.SubKey) rollback {
	rb := rollback{
		recs: make(map[string]*recurrence.Record, len(ids)),
		subs: make(map[recurrence.SubKey]*recurrence.Schedule, len(keys)),
	}
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()
	for _, id := range ids {
		if rec, ok := s.mem.recs[id]; ok {
			rb.recs[id] = &rec
		} else {
			rb.recs[id] = nil
		}
	}
	for _, key := range keys {
		if sch, ok := s.mem.subs[key]; ok {
			rb.subs[key] = &sch
		} else {
			rb.subs[key] = nil
		}
	}
	return rb
}

func (s *fileStore) restore(rb rollback) {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	for id, rec := range rb.recs {
		if rec == nil {
			delete(s.mem.recs, id)
		} else {
			s.mem.recs[id] = *rec
		}
	}
	for key, sch := range rb.subs {
		if sch == nil {
			delete(s.mem.subs, key)
		} else {
			s.mem.subs[key] = *sch
		}
	}
}

// commitLocked journals entries, undoing the memory write on failure.
func (s *fileStore) commitLocked(rb rollback, entries ...journalEntry) error {
	if err := s.appendLocked(entries...); err != nil {
		s.restore(rb)
		return err
	}
	return nil
}

func (s *fileStore) appendLocked(entries ...journalEntry) error {
	if s.journal == nil {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	fi, err := s.journal.Stat()
	if err != nil {
		return errors.Wrap(err, "stat journal")
	}
	if err := writeEntries(s.journal, entries); err != nil {
		// Cut off whatever part of the batch reached the file.
		if terr := s.journal.Truncate(fi.Size()); terr != nil {
			s.log.Error("journal truncate after failed append", logx.Err(terr))
		}
		return err
	}
	before := s.writes
	s.writes += len(entries)
	if s.writes/compactEvery != before/compactEvery {
		// Best-effort; the journal still holds everything.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.mem.mu.RLock()
	snap := snapshot{
		Records: make([]journalEntry, 0, len(s.mem.recs)),
		Subs:    make([]journalEntry, 0, len(s.mem.subs)),
	}
	for _, rec := range s.mem.recs {
		rec := rec
		snap.Records = append(snap.Records, recordEntry(&rec))
	}
	for key, sch := range s.mem.subs {
		snap.Subs = append(snap.Subs, scheduleEntry(opInsertSub, key.BaseID, key.ObjectID, sch))
	}
	s.mem.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write snapshot")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return errors.Wrap(err, "replace snapshot")
	}
	if err := s.journal.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate journal")
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return errors.Wrapf(err, "decode snapshot %s", path)
	}
	for _, e := range snap.Records {
		e.Op = opInsert
		if err := mem.apply(e); err != nil {
			return errors.Wrapf(err, "snapshot %s", path)
		}
	}
	for _, e := range snap.Subs {
		e.Op = opInsertSub
		if err := mem.apply(e); err != nil {
			return errors.Wrapf(err, "snapshot %s", path)
		}
	}
	return nil
}

// replayJournal applies every decodable line. A torn trailing line from a
// crash is skipped.
func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if err := mem.apply(e); err != nil {
			continue
		}
		n++
	}
	return n, errors.Wrap(sc.Err(), "read journal")
}

// apply writes a journal entry's state into the maps.
func (s *memStore) apply(e journalEntry) error {
	sch := recurrence.Schedule{Previous: fromNanos(e.PrevNS), Next: fromNanos(e.NextNS)}
	switch e.Op {
	case opInsert:
		iv, err := recurrence.ParseInterval(e.Interval)
		if err != nil {
			return err
		}
		s.recs[e.ID] = recurrence.Record{
			ID:         e.ID,
			Definition: recurrence.Definition{Interval: iv, Offset: time.Duration(e.OffsetNS), Timezone: e.Timezone},
			Schedule:   sch,
		}
	case opAdvance:
		rec, ok := s.recs[e.ID]
		if !ok {
			return recurrence.ErrNotFound
		}
		rec.Schedule = sch
		s.recs[e.ID] = rec
	case opInsertSub:
		s.insertSubLocked(recurrence.SubKey{BaseID: e.ID, ObjectID: e.ObjectID}, sch)
	case opAdvanceSub:
		key := recurrence.SubKey{BaseID: e.ID, ObjectID: e.ObjectID}
		if _, ok := s.subs[key]; !ok {
			return recurrence.ErrNotFound
		}
		s.subs[key] = sch
	default:
		return errors.Errorf("unknown journal op %q", e.Op)
	}
	return nil
}

func recordEntry(rec *recurrence.Record) journalEntry {
	return journalEntry{
		Op:       opInsert,
		ID:       rec.ID,
		Interval: rec.Interval.String(),
		OffsetNS: int64(rec.Offset),
		Timezone: rec.Timezone,
		PrevNS:   rec.Previous.UnixNano(),
		NextNS:   rec.Next.UnixNano(),
	}
}

func scheduleEntry(op, id, objectID string, sch recurrence.Schedule) journalEntry {
	return journalEntry{
		Op:       op,
		ID:       id,
		ObjectID: objectID,
		PrevNS:   sch.Previous.UnixNano(),
		NextNS:   sch.Next.UnixNano(),
	}
}

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }
