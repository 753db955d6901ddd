package recurrence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/tz"
)

// Manager ties the calculator to a Store. Every operation takes now
// explicitly; nothing reads the wall clock.
type Manager struct {
	store Store
	calc  *Calculator
	log   logx.Logger
	newID func() string

	// subs coalesces concurrent get-or-create calls for the same key.
	subs singleflight.Group
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	resolver tz.Resolver
	log      logx.Logger
	newID    func() string
}

// WithResolver sets the timezone resolver. The default is tz.Default.
func WithResolver(r tz.Resolver) Option { return func(o *managerOptions) { o.resolver = r } }

// WithLogger sets the logger. The default discards.
func WithLogger(l logx.Logger) Option { return func(o *managerOptions) { o.log = l } }

// WithIDFunc sets the generator for ids passed to Create. The default is a
// random UUID.
func WithIDFunc(fn func() string) Option { return func(o *managerOptions) { o.newID = fn } }

// NewManager returns a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	o := managerOptions{log: logx.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return &Manager{
		store: store,
		calc:  NewCalculator(o.resolver, o.log),
		log:   o.log.With(logx.String("comp", "recurrence")),
		newID: o.newID,
	}
}

// Calculator returns the calculator the manager schedules with.
func (m *Manager) Calculator() *Calculator { return m.calc }

// Create validates def and stores a new record that is already scheduled for
// its next occurrence after now.
func (m *Manager) Create(ctx context.Context, def Definition, now time.Time) (*Record, error) {
	return m.create(ctx, m.newID(), def, now)
}

func (m *Manager) create(ctx context.Context, id string, def Definition, now time.Time) (*Record, error) {
	next, err := m.calc.Next(now, def)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:         id,
		Definition: def,
		Schedule:   Schedule{Previous: Epoch, Next: next},
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	m.log.Debug("recurrence created",
		logx.String("id", rec.ID),
		logx.String("interval", def.Interval.String()),
		logx.Duration("offset", def.Offset),
		logx.String("tz", def.Timezone),
		logx.Time("next", next),
	)
	return rec, nil
}

// Ensure returns the record stored under id, creating it from def when
// missing. A stored record with a different definition yields
// ErrDefinitionChanged together with the stored record.
func (m *Manager) Ensure(ctx context.Context, id string, def Definition, now time.Time) (*Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("recurrence id required")
	}
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := m.store.Get(ctx, id)
		if err == nil {
			if rec.Definition != def {
				return rec, fmt.Errorf("%w: %s", ErrDefinitionChanged, id)
			}
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		rec, err = m.create(ctx, id, def, now)
		if errors.Is(err, ErrConflict) {
			// Created concurrently; read it back.
			continue
		}
		return rec, err
	}
	return m.store.Get(ctx, id)
}

func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// UpdateSchedule recomputes rec's next occurrence after now and persists it.
// The store never moves Next backwards; the returned value (also written to
// rec) is the one stored.
func (m *Manager) UpdateSchedule(ctx context.Context, rec *Record, now time.Time) (time.Time, error) {
	next, err := m.calc.Next(now, rec.Definition)
	if err != nil {
		return time.Time{}, err
	}
	stored, err := m.store.Advance(ctx, rec.ID, Schedule{Previous: now.UTC(), Next: next})
	if err != nil {
		return time.Time{}, err
	}
	if stored.Next.After(next) {
		m.log.Debug("later schedule already stored",
			logx.String("id", rec.ID), logx.Time("computed", next), logx.Time("stored", stored.Next))
	}
	rec.Schedule = stored
	return stored.Next, nil
}

// UpdateSchedules updates many records with one store round trip. All
// definitions are validated before anything is written. Records that no
// longer exist in the store are left untouched and logged.
func (m *Manager) UpdateSchedules(ctx context.Context, recs []*Record, now time.Time) error {
	if len(recs) == 0 {
		return nil
	}
	updates := make(map[string]Schedule, len(recs))
	for _, rec := range recs {
		next, err := m.calc.Next(now, rec.Definition)
		if err != nil {
			return fmt.Errorf("recurrence %s: %w", rec.ID, err)
		}
		updates[rec.ID] = Schedule{Previous: now.UTC(), Next: next}
	}
	stored, err := m.store.BulkAdvance(ctx, updates)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		s, ok := stored[rec.ID]
		if !ok {
			m.log.Warn("recurrence vanished during update", logx.String("id", rec.ID))
			continue
		}
		rec.Schedule = s
	}
	return nil
}

// ListDue returns the base records whose next occurrence is at or before now.
func (m *Manager) ListDue(ctx context.Context, now time.Time) ([]*Record, error) {
	return m.store.ListDue(ctx, now)
}

// Sub returns the sub-recurrence tracking objectID under base, creating it
// if needed. A sub created here is scheduled for its next occurrence after
// now, like a fresh base record.
func (m *Manager) Sub(ctx context.Context, base *Record, objectID string, now time.Time) (*SubRecord, error) {
	if err := checkSubArgs(base, objectID); err != nil {
		return nil, err
	}
	next, err := m.calc.Next(now, base.Definition)
	if err != nil {
		return nil, err
	}
	key := SubKey{BaseID: base.ID, ObjectID: objectID}
	factory := func() *SubRecord {
		return &SubRecord{SubKey: key, Schedule: Schedule{Previous: Epoch, Next: next}}
	}
	v, err, shared := m.subs.Do(key.BaseID+"\x00"+key.ObjectID, func() (any, error) {
		return m.store.GetOrInsertSub(ctx, key, factory)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.Trace("sub lookup coalesced", logx.String("base", key.BaseID), logx.String("object", key.ObjectID))
	}
	// Callers sharing a flight must not share the pointer.
	sub := *v.(*SubRecord)
	return &sub, nil
}

// UpdateSubSchedule gets or creates the sub-recurrence and advances it past
// now. The base record is not touched.
func (m *Manager) UpdateSubSchedule(ctx context.Context, base *Record, objectID string, now time.Time) (time.Time, error) {
	sub, err := m.Sub(ctx, base, objectID, now)
	if err != nil {
		return time.Time{}, err
	}
	next, err := m.calc.Next(now, base.Definition)
	if err != nil {
		return time.Time{}, err
	}
	stored, err := m.store.AdvanceSub(ctx, sub.SubKey, Schedule{Previous: now.UTC(), Next: next})
	if err != nil {
		return time.Time{}, err
	}
	return stored.Next, nil
}

// UpdateSubSchedules moves the sub-recurrences of objectIDs under base past
// now in one store round trip and returns the stored next occurrence per
// object. Objects without a sub-record are left out; CheckDue creates them.
func (m *Manager) UpdateSubSchedules(ctx context.Context, base *Record, objectIDs []string, now time.Time) (map[string]time.Time, error) {
	if base == nil {
		return nil, errors.New("base recurrence required")
	}
	if len(objectIDs) == 0 {
		return map[string]time.Time{}, nil
	}
	next, err := m.calc.Next(now, base.Definition)
	if err != nil {
		return nil, err
	}
	stored, err := m.store.BulkAdvanceSubs(ctx, base.ID, objectIDs, Schedule{Previous: now.UTC(), Next: next})
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(stored))
	for oid, sch := range stored {
		out[oid] = sch.Next
	}
	return out, nil
}

// CheckDue returns the objects whose sub-recurrence under base is due at
// now, in input order. Objects seen for the first time get a sub-record that
// is due immediately.
//
// The lookup costs one bulk read plus, when some objects are new, one bulk
// insert.
func (m *Manager) CheckDue(ctx context.Context, base *Record, objectIDs []string, now time.Time) ([]string, error) {
	if base == nil {
		return nil, errors.New("base recurrence required")
	}
	if len(objectIDs) == 0 {
		return nil, nil
	}

	uniq := make([]string, 0, len(objectIDs))
	seen := make(map[string]struct{}, len(objectIDs))
	for _, id := range objectIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	found, err := m.store.BulkFindSubs(ctx, base.ID, uniq)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = make(map[string]*SubRecord, len(uniq))
	}

	var missing []*SubRecord
	for _, id := range uniq {
		if _, ok := found[id]; !ok {
			missing = append(missing, &SubRecord{
				SubKey:   SubKey{BaseID: base.ID, ObjectID: id},
				Schedule: Schedule{Previous: Epoch, Next: Epoch},
			})
		}
	}
	if len(missing) > 0 {
		created, err := m.store.BulkInsertSubs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, sub := range created {
			found[sub.ObjectID] = sub
		}
	}

	due := make([]string, 0, len(objectIDs))
	for _, id := range objectIDs {
		if sub, ok := found[id]; ok && sub.IsDue(now) {
			due = append(due, id)
		}
	}
	m.log.Debug("due check",
		logx.String("base", base.ID),
		logx.Int("objects", len(objectIDs)),
		logx.Int("created", len(missing)),
		logx.Int("due", len(due)),
	)
	return due, nil
}

func checkSubArgs(base *Record, objectID string) error {
	if base == nil {
		return errors.New("base recurrence required")
	}
	if objectID == "" {
		return errors.New("tracked object id required")
	}
	return nil
}
