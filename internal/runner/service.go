package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

func New(cfg Config, mgr *recurrence.Manager, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "runner")),
		mgr:         mgr,
		now:         time.Now,
		fireTimeout: 30 * time.Second,
		entries:     map[string]*entry{},
	}
}

// SetHandler installs the occurrence callback. nil removes it.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Disabling stops cron; enabling after Start
// resumes it with the registered targets.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	started := s.baseCtx != nil
	c := s.c
	switch {
	case !cfg.Enabled && c != nil:
		s.c = nil
		s.clearEntryIDsLocked()
	case cfg.Enabled && c == nil && started:
		s.startCronLocked()
	}
	s.mu.Unlock()

	if !cfg.Enabled && c != nil {
		<-c.Stop().Done()
		s.log.Info("runner disabled")
	}
}

// Start begins firing registered targets if enabled. Jobs inherit ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return
	}
	s.baseCtx = ctx
	if !s.cfg.Enabled {
		s.log.Info("runner disabled; not starting")
		return
	}
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log}), cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	for id, e := range s.entries {
		if err := s.addCronLocked(e); err != nil {
			s.log.Error("schedule register failed", logx.String("id", id), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("runner started", logx.Int("schedules", len(s.entries)))
}

// Stop stops cron and waits for running fires or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.baseCtx = nil
	s.clearEntryIDsLocked()
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) clearEntryIDsLocked() {
	for _, e := range s.entries {
		e.entryID = 0
	}
}

// Set replaces the registered targets. Targets that are unchanged keep
// their cron entry.
func (s *Service) Set(ctx context.Context, targets []Target) error {
	defs := make(map[string]recurrence.Definition, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t.ID) == "" {
			return errors.New("target id required")
		}
		rec, err := s.mgr.Get(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("target %s: %w", t.ID, err)
		}
		defs[t.ID] = rec.Definition
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*entry, len(targets))
	for _, t := range targets {
		if old, ok := s.entries[t.ID]; ok && sameTarget(old.target, t) {
			next[t.ID] = old
			delete(s.entries, t.ID)
			continue
		}
		next[t.ID] = &entry{target: Target{ID: t.ID, Track: append([]string(nil), t.Track...)}}
	}
	// Whatever is left was removed or changed.
	for id, old := range s.entries {
		if s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
		s.log.Debug("schedule removed", logx.String("id", id))
	}
	s.entries = next
	if s.c == nil {
		return nil
	}
	var errs []error
	for id, e := range s.entries {
		if e.entryID != 0 {
			continue
		}
		if err := s.addCronWithDefLocked(e, defs[id]); err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func sameTarget(a, b Target) bool {
	if a.ID != b.ID || len(a.Track) != len(b.Track) {
		return false
	}
	for i := range a.Track {
		if a.Track[i] != b.Track[i] {
			return false
		}
	}
	return true
}

func (s *Service) addCronLocked(e *entry) error {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	rec, err := s.mgr.Get(ctx, e.target.ID)
	if err != nil {
		return err
	}
	return s.addCronWithDefLocked(e, rec.Definition)
}

func (s *Service) addCronWithDefLocked(e *entry, def recurrence.Definition) error {
	sched, err := s.mgr.Calculator().CronSchedule(def)
	if err != nil {
		return err
	}
	id := e.target.ID
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fireJob(id) }))
	s.log.Debug("schedule registered",
		logx.String("id", id),
		logx.String("interval", def.Interval.String()),
		logx.String("offset", recurrence.FormatOffset(def.Offset)),
		logx.String("tz", def.Timezone),
		logx.Time("next", s.c.Entry(e.entryID).Next),
	)
	return nil
}

func (s *Service) fireJob(id string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := s.Fire(ctx, id, s.now()); err != nil {
		s.log.Error("occurrence failed", logx.String("id", id), logx.Err(err))
	}
}

// maxEarlyFire absorbs timers that wake slightly before the scheduled
// instant.
const maxEarlyFire = time.Second

// ErrNotDue is returned by Fire when the record's Next is still ahead.
var ErrNotDue = errors.New("recurrence not due")

// Fire handles one occurrence of the base record id at now. Tracked
// objects come from the registered target, if any.
func (s *Service) Fire(ctx context.Context, id string, now time.Time) (Occurrence, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fireTimeout)
	defer cancel()

	rec, err := s.mgr.Get(ctx, id)
	if err != nil {
		return Occurrence{}, err
	}
	if d := rec.Next.Sub(now); d > 0 && d <= maxEarlyFire {
		now = rec.Next
	}
	if !rec.IsDue(now) {
		s.log.Debug("fire skipped; not due", logx.String("id", id), logx.Time("next", rec.Next))
		return Occurrence{}, ErrNotDue
	}

	s.mu.Lock()
	var track []string
	if e, ok := s.entries[id]; ok {
		track = e.target.Track
	}
	h := s.handler
	s.mu.Unlock()

	occ := Occurrence{ID: id, Scheduled: rec.Next, FiredAt: now}
	if len(track) > 0 {
		due, err := s.mgr.CheckDue(ctx, rec, track, now)
		if err != nil {
			return occ, err
		}
		if _, err := s.mgr.UpdateSubSchedules(ctx, rec, due, now); err != nil {
			return occ, fmt.Errorf("advance %s subs: %w", id, err)
		}
		occ.Due = due
	}

	occ.Next, err = s.mgr.UpdateSchedule(ctx, rec, now)
	if err != nil {
		return occ, err
	}
	s.log.Info("occurrence",
		logx.String("id", id),
		logx.Time("scheduled", occ.Scheduled),
		logx.Int("tracked", len(track)),
		logx.Int("due", len(occ.Due)),
		logx.Time("next", occ.Next),
	)
	if h != nil {
		h(ctx, occ)
	}
	return occ, nil
}

// CatchUp fires every record that became due while nothing was running.
func (s *Service) CatchUp(ctx context.Context, now time.Time) ([]Occurrence, error) {
	due, err := s.mgr.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]Occurrence, 0, len(due))
	for _, rec := range due {
		occ, err := s.Fire(ctx, rec.ID, now)
		if errors.Is(err, ErrNotDue) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, occ)
	}
	if len(out) > 0 {
		s.log.Info("caught up missed occurrences", logx.Int("count", len(out)))
	}
	return out, nil
}

// Snapshot lists the registered targets ordered by id.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for id, e := range s.entries {
		it := ScheduleInfo{ID: id, Track: len(e.target.Track)}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
