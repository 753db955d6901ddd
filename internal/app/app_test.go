package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tzrecur/internal/config"
	"tzrecur/pkg/recurrence"
)

const testConfig = `
logging:
  level: error
storage:
  driver: memory
runner:
  enabled: false
recurrences:
  - id: report
    interval: daily
    offset: 15h
    track: [alice]
`

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tzrecur.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	a, err := New(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSyncKeepsStoredDefinition(t *testing.T) {
	a := newTestApp(t, testConfig)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	recs, err := a.Sync(ctx, a.Config(), t0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC), recs[0].Next)

	changed := *a.Config()
	changed.Recurrences = []config.RecurrenceConfig{{ID: "report", Interval: "daily", Offset: "16h"}}
	recs, err = a.Sync(ctx, &changed, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 15*time.Hour, recs[0].Offset)
	assert.Equal(t, time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC), recs[0].Next)
}

func TestSyncReportsBadDeclaration(t *testing.T) {
	a := newTestApp(t, testConfig)
	bad := &config.Config{Recurrences: []config.RecurrenceConfig{
		{ID: "ok", Interval: "weekly", Offset: "0s"},
		{ID: "bad", Interval: "weekly", Offset: "8 days, 00:00:00"},
	}}
	recs, err := a.Sync(context.Background(), bad, time.Now())
	require.ErrorIs(t, err, recurrence.ErrInvalidOffset)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].ID)
}

func TestStartCatchesUpAndReloads(t *testing.T) {
	a := newTestApp(t, testConfig)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := a.Sync(ctx, a.Config(), t0)
	require.NoError(t, err)

	later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return later }
	occs, unsub := a.Occurrences(4)
	defer unsub()
	require.NoError(t, a.Start(ctx))

	select {
	case occ := <-occs:
		assert.Equal(t, "report", occ.ID)
		assert.Equal(t, time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC), occ.Scheduled)
		assert.Equal(t, []string{"alice"}, occ.Due)
	default:
		t.Fatal("catch-up occurrence not published")
	}

	rec, err := a.Manager().Get(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), rec.Next)
	assert.Equal(t, later, rec.Previous)

	sub, err := a.Manager().Sub(ctx, rec, "alice", later)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), sub.Next)

	next := *a.Config()
	next.Recurrences = append(append([]config.RecurrenceConfig(nil), next.Recurrences...),
		config.RecurrenceConfig{ID: "weekly", Interval: "weekly", Offset: "1 day, 09:00:00", Timezone: "Europe/Berlin"})
	next.Runner.Enabled = true
	a.applyConfig(ctx, a.Config(), &next)

	_, err = a.Manager().Get(ctx, "weekly")
	require.NoError(t, err)
	assert.True(t, a.Runner().Enabled())
	snap := a.Runner().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "report", snap[0].ID)
	assert.Equal(t, "weekly", snap[1].ID)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopCommand))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still open after Stop")
	}
	assert.NoError(t, a.Err())
}

func TestTargets(t *testing.T) {
	cfg := &config.Config{Recurrences: []config.RecurrenceConfig{
		{ID: " a ", Track: []string{"x", "y"}},
		{ID: "b"},
	}}
	got := Targets(cfg)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, []string{"x", "y"}, got[0].Track)
	assert.Empty(t, got[1].Track)
}
