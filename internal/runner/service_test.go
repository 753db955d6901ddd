package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tzrecur/internal/storage"
	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

var nyDaily = recurrence.Definition{Interval: recurrence.Daily, Offset: 15 * time.Hour, Timezone: "America/New_York"}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func newTestService(t *testing.T) (*Service, *recurrence.Manager) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	mgr := recurrence.NewManager(st)
	return New(Config{Enabled: true}, mgr, logx.Nop()), mgr
}

func TestFireAdvancesDueObjects(t *testing.T) {
	t.Parallel()
	s, mgr := newTestService(t)
	ctx := context.Background()

	rec, err := mgr.Ensure(ctx, "report", nyDaily, utc(2024, 3, 9, 12, 0))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, []Target{{ID: "report", Track: []string{"alice", "bob"}}}))

	// bob was already handled for this period.
	_, err = mgr.UpdateSubSchedule(ctx, rec, "bob", utc(2024, 3, 9, 20, 0))
	require.NoError(t, err)

	var got []Occurrence
	s.SetHandler(func(_ context.Context, occ Occurrence) { got = append(got, occ) })

	occ, err := s.Fire(ctx, "report", utc(2024, 3, 9, 20, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 3, 9, 20, 0), occ.Scheduled)
	assert.Equal(t, []string{"alice"}, occ.Due)
	assert.Equal(t, utc(2024, 3, 10, 19, 0), occ.Next)
	require.Len(t, got, 1)
	assert.Equal(t, occ.ID, got[0].ID)

	due, err := mgr.CheckDue(ctx, rec, []string{"alice", "bob"}, utc(2024, 3, 9, 20, 0))
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = s.Fire(ctx, "report", utc(2024, 3, 9, 21, 0))
	assert.ErrorIs(t, err, ErrNotDue)
}

func TestFireToleratesEarlyWakeup(t *testing.T) {
	t.Parallel()
	s, mgr := newTestService(t)
	ctx := context.Background()
	_, err := mgr.Ensure(ctx, "report", nyDaily, utc(2024, 3, 9, 12, 0))
	require.NoError(t, err)

	occ, err := s.Fire(ctx, "report", utc(2024, 3, 9, 20, 0).Add(-200*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 3, 10, 19, 0), occ.Next)
}

func TestCatchUp(t *testing.T) {
	t.Parallel()
	s, mgr := newTestService(t)
	ctx := context.Background()
	start := utc(2024, 1, 1, 0, 0)
	_, err := mgr.Ensure(ctx, "a", recurrence.Definition{Interval: recurrence.Daily, Offset: time.Hour, Timezone: "UTC"}, start)
	require.NoError(t, err)
	_, err = mgr.Ensure(ctx, "b", recurrence.Definition{Interval: recurrence.Weekly, Offset: 6 * 24 * time.Hour, Timezone: "UTC"}, start)
	require.NoError(t, err)

	occs, err := s.CatchUp(ctx, utc(2024, 1, 3, 0, 0))
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "a", occs[0].ID)
	assert.Equal(t, utc(2024, 1, 3, 1, 0), occs[0].Next)

	occs, err = s.CatchUp(ctx, utc(2024, 1, 3, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestSetRejectsUnknownRecord(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	err := s.Set(context.Background(), []Target{{ID: "missing"}})
	assert.ErrorIs(t, err, recurrence.ErrNotFound)
	assert.Error(t, s.Set(context.Background(), []Target{{ID: " "}}))
}

func TestCronFiresOccurrence(t *testing.T) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := now.Sub(midnight) + 1500*time.Millisecond
	if offset >= 24*time.Hour {
		t.Skip("too close to midnight UTC")
	}

	s, mgr := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mgr.Ensure(ctx, "soon", recurrence.Definition{Interval: recurrence.Daily, Offset: offset, Timezone: "UTC"}, now)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, []Target{{ID: "soon", Track: []string{"x"}}}))

	fired := make(chan Occurrence, 1)
	s.SetHandler(func(_ context.Context, occ Occurrence) {
		select {
		case fired <- occ:
		default:
		}
	})
	s.Start(ctx)
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "soon", snap[0].ID)
	assert.Equal(t, 1, snap[0].Track)

	select {
	case occ := <-fired:
		assert.Equal(t, "soon", occ.ID)
		assert.Equal(t, []string{"x"}, occ.Due)
		assert.Equal(t, midnight.Add(offset+24*time.Hour), occ.Next)
	case <-time.After(5 * time.Second):
		t.Fatal("occurrence did not fire")
	}
}

func TestApplyDisableStopsCron(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()
	s.Start(ctx)
	assert.True(t, s.Enabled())

	s.Apply(Config{Enabled: false})
	assert.False(t, s.Enabled())
	s.mu.Lock()
	assert.Nil(t, s.c)
	s.mu.Unlock()

	s.Apply(Config{Enabled: true})
	s.mu.Lock()
	assert.NotNil(t, s.c)
	s.mu.Unlock()
	s.Stop(ctx)
}
