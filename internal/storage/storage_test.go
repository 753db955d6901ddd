package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) recurrence.Store {
	t.Helper()
	out := map[string]func(t *testing.T) recurrence.Store{
		"memory": func(t *testing.T) recurrence.Store {
			st, err := Open(Config{Driver: "memory"}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"file": func(t *testing.T) recurrence.Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) recurrence.Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db"), BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if dsn := os.Getenv("TZRECUR_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) recurrence.Store {
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	return out
}

// uniq keeps ids distinct across runs against a shared postgres database.
func uniq(t *testing.T, id string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), id, time.Now().UnixNano())
}

func newRecord(id string, next time.Time) *recurrence.Record {
	return &recurrence.Record{
		ID:         id,
		Definition: recurrence.Definition{Interval: recurrence.Weekly, Offset: 25 * time.Hour, Timezone: "America/New_York"},
		Schedule:   recurrence.Schedule{Previous: recurrence.Epoch, Next: next},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("InsertGet", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				id := uniq(t, "a")

				require.NoError(t, st.Insert(ctx, newRecord(id, t0)))
				got, err := st.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, id, got.ID)
				assert.Equal(t, recurrence.Weekly, got.Interval)
				assert.Equal(t, 25*time.Hour, got.Offset)
				assert.Equal(t, "America/New_York", got.Timezone)
				assert.True(t, got.Next.Equal(t0))
				assert.True(t, got.Previous.Equal(recurrence.Epoch))

				assert.ErrorIs(t, st.Insert(ctx, newRecord(id, t0)), recurrence.ErrConflict)
				_, err = st.Get(ctx, uniq(t, "missing"))
				assert.ErrorIs(t, err, recurrence.ErrNotFound)
			})

			t.Run("AdvanceIsMonotonic", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				id := uniq(t, "a")
				require.NoError(t, st.Insert(ctx, newRecord(id, t0)))

				later := recurrence.Schedule{Previous: t0, Next: t0.Add(24 * time.Hour)}
				got, err := st.Advance(ctx, id, later)
				require.NoError(t, err)
				assert.True(t, got.Next.Equal(later.Next))

				earlier := recurrence.Schedule{Previous: t0, Next: t0.Add(time.Hour)}
				got, err = st.Advance(ctx, id, earlier)
				require.NoError(t, err)
				assert.True(t, got.Next.Equal(later.Next), "stored next must not move backwards")

				_, err = st.Advance(ctx, uniq(t, "missing"), later)
				assert.ErrorIs(t, err, recurrence.ErrNotFound)
			})

			t.Run("BulkAdvance", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				a, b := uniq(t, "a"), uniq(t, "b")
				require.NoError(t, st.Insert(ctx, newRecord(a, t0)))
				require.NoError(t, st.Insert(ctx, newRecord(b, t0.Add(48*time.Hour))))

				missing := uniq(t, "missing")
				got, err := st.BulkAdvance(ctx, map[string]recurrence.Schedule{
					a:       {Previous: t0, Next: t0.Add(24 * time.Hour)},
					b:       {Previous: t0, Next: t0.Add(24 * time.Hour)},
					missing: {Previous: t0, Next: t0},
				})
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.True(t, got[a].Next.Equal(t0.Add(24*time.Hour)))
				assert.True(t, got[b].Next.Equal(t0.Add(48*time.Hour)))
				_, ok := got[missing]
				assert.False(t, ok)
			})

			t.Run("ListDue", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				a, b, c := uniq(t, "a"), uniq(t, "b"), uniq(t, "c")
				require.NoError(t, st.Insert(ctx, newRecord(a, t0.Add(-time.Hour))))
				require.NoError(t, st.Insert(ctx, newRecord(b, t0.Add(-2*time.Hour))))
				require.NoError(t, st.Insert(ctx, newRecord(c, t0.Add(time.Hour))))

				due, err := st.ListDue(ctx, t0)
				require.NoError(t, err)
				var ids []string
				for _, r := range due {
					if r.ID == a || r.ID == b || r.ID == c {
						ids = append(ids, r.ID)
					}
				}
				assert.Equal(t, []string{b, a}, ids)
			})

			t.Run("Subs", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				base := uniq(t, "base")
				other := uniq(t, "other")
				key := recurrence.SubKey{BaseID: base, ObjectID: "u1"}

				_, err := st.FindSub(ctx, key)
				assert.ErrorIs(t, err, recurrence.ErrNotFound)

				first, err := st.BulkInsertSubs(ctx, []*recurrence.SubRecord{
					{SubKey: key, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: t0}},
				})
				require.NoError(t, err)
				require.Len(t, first, 1)

				got, err := st.BulkInsertSubs(ctx, []*recurrence.SubRecord{
					{SubKey: key, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}},
					{SubKey: recurrence.SubKey{BaseID: base, ObjectID: "u2"}, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}},
					{SubKey: recurrence.SubKey{BaseID: other, ObjectID: "u1"}, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}},
				})
				require.NoError(t, err)
				require.Len(t, got, 3)
				assert.True(t, got[0].Next.Equal(t0), "existing sub is returned as stored")
				assert.True(t, got[1].Next.Equal(recurrence.Epoch))
				assert.Equal(t, other, got[2].BaseID)

				found, err := st.BulkFindSubs(ctx, base, []string{"u1", "u2", "u3"})
				require.NoError(t, err)
				assert.Len(t, found, 2)
				assert.NotContains(t, found, "u3")

				sch, err := st.AdvanceSub(ctx, key, recurrence.Schedule{Previous: t0, Next: t0.Add(time.Hour)})
				require.NoError(t, err)
				assert.True(t, sch.Next.Equal(t0.Add(time.Hour)))
				sch, err = st.AdvanceSub(ctx, key, recurrence.Schedule{Previous: t0, Next: t0})
				require.NoError(t, err)
				assert.True(t, sch.Next.Equal(t0.Add(time.Hour)))

				// Advancing one base's sub leaves the other base alone.
				o, err := st.FindSub(ctx, recurrence.SubKey{BaseID: other, ObjectID: "u1"})
				require.NoError(t, err)
				assert.True(t, o.Next.Equal(recurrence.Epoch))

				_, err = st.AdvanceSub(ctx, recurrence.SubKey{BaseID: base, ObjectID: "nope"}, sch)
				assert.ErrorIs(t, err, recurrence.ErrNotFound)
			})

			t.Run("BulkAdvanceSubs", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				base := uniq(t, "base")
				later := t0.Add(2 * time.Hour)
				_, err := st.BulkInsertSubs(ctx, []*recurrence.SubRecord{
					{SubKey: recurrence.SubKey{BaseID: base, ObjectID: "u1"}, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}},
					{SubKey: recurrence.SubKey{BaseID: base, ObjectID: "u2"}, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}},
					{SubKey: recurrence.SubKey{BaseID: base, ObjectID: "u3"}, Schedule: recurrence.Schedule{Previous: t0, Next: later}},
				})
				require.NoError(t, err)

				got, err := st.BulkAdvanceSubs(ctx, base, []string{"u1", "u2", "u3", "nope"}, recurrence.Schedule{Previous: t0, Next: t0.Add(time.Hour)})
				require.NoError(t, err)
				require.Len(t, got, 3)
				assert.NotContains(t, got, "nope")
				assert.True(t, got["u1"].Next.Equal(t0.Add(time.Hour)))
				assert.True(t, got["u2"].Previous.Equal(t0))
				// u3 is already further along and keeps its schedule.
				assert.True(t, got["u3"].Next.Equal(later))

				sub, err := st.FindSub(ctx, recurrence.SubKey{BaseID: base, ObjectID: "u2"})
				require.NoError(t, err)
				assert.True(t, sub.Next.Equal(t0.Add(time.Hour)))

				empty, err := st.BulkAdvanceSubs(ctx, base, nil, recurrence.Schedule{Next: later})
				require.NoError(t, err)
				assert.Empty(t, empty)
			})

			t.Run("GetOrInsertSubConcurrent", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				key := recurrence.SubKey{BaseID: uniq(t, "base"), ObjectID: "obj"}

				const n = 16
				var wg sync.WaitGroup
				results := make([]*recurrence.SubRecord, n)
				errs := make([]error, n)
				for i := 0; i < n; i++ {
					i := i
					wg.Add(1)
					go func() {
						defer wg.Done()
						next := t0.Add(time.Duration(i) * time.Minute)
						results[i], errs[i] = st.GetOrInsertSub(ctx, key, func() *recurrence.SubRecord {
							return &recurrence.SubRecord{SubKey: key, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: next}}
						})
					}()
				}
				wg.Wait()
				for i := 0; i < n; i++ {
					require.NoError(t, errs[i])
					assert.True(t, results[i].Next.Equal(results[0].Next), "all callers see the single stored row")
				}
			})
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Insert(ctx, newRecord("a", t0)))
	_, err = st.Advance(ctx, "a", recurrence.Schedule{Previous: t0, Next: t0.Add(time.Hour)})
	require.NoError(t, err)
	key := recurrence.SubKey{BaseID: "a", ObjectID: "u1"}
	_, err = st.BulkInsertSubs(ctx, []*recurrence.SubRecord{{SubKey: key, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}}})
	require.NoError(t, err)

	// Reopen without Close to replay the journal as after a crash.
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Sync())
	reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	rec, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, rec.Next.Equal(t0.Add(time.Hour)))
	_, err = reopened.FindSub(ctx, key)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
	require.NoError(t, st.Close())

	// After Close the state lives in the snapshot.
	again, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer again.Close()
	rec, err = again.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, recurrence.Weekly, rec.Interval)
	assert.True(t, rec.Next.Equal(t0.Add(time.Hour)))
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	journal := filepath.Join(dir, "state.journal.jsonl")
	line := `{"op":"insert","id":"a","interval":"daily","offset_ns":3600000000000,"tz":"UTC","prev_ns":0,"next_ns":0}` + "\n" + `{"op":"adv`
	require.NoError(t, os.WriteFile(journal, []byte(line), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	rec, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, recurrence.Daily, rec.Interval)
	assert.Equal(t, time.Hour, rec.Offset)

	// A write after the torn tail must survive a crash and replay.
	_, err = st.Advance(ctx, "a", recurrence.Schedule{Previous: t0, Next: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, st.(*fileStore).journal.Sync())

	raw, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `{"op":"adv{`)

	reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	rec, err = reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, rec.Next.Equal(t0.Add(time.Hour)), "next = %s", rec.Next)
	require.NoError(t, st.Close())
}

func TestFileStoreFailedAppendLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Insert(ctx, newRecord("a", t0)))
	key := recurrence.SubKey{BaseID: "a", ObjectID: "u1"}
	_, err = st.BulkInsertSubs(ctx, []*recurrence.SubRecord{{SubKey: key, Schedule: recurrence.Schedule{Previous: recurrence.Epoch, Next: recurrence.Epoch}}})
	require.NoError(t, err)

	// Break the journal underneath the store.
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Close())

	_, err = st.Advance(ctx, "a", recurrence.Schedule{Previous: t0, Next: t0.Add(time.Hour)})
	require.Error(t, err)
	rec, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, rec.Next.Equal(t0))

	require.Error(t, st.Insert(ctx, newRecord("b", t0)))
	_, err = st.Get(ctx, "b")
	assert.ErrorIs(t, err, recurrence.ErrNotFound)

	_, err = st.BulkAdvanceSubs(ctx, "a", []string{"u1"}, recurrence.Schedule{Previous: t0, Next: t0})
	require.Error(t, err)
	sub, err := st.FindSub(ctx, key)
	require.NoError(t, err)
	assert.True(t, sub.Next.Equal(recurrence.Epoch))

	_, err = st.GetOrInsertSub(ctx, recurrence.SubKey{BaseID: "a", ObjectID: "u2"}, func() *recurrence.SubRecord {
		return &recurrence.SubRecord{SubKey: recurrence.SubKey{BaseID: "a", ObjectID: "u2"}}
	})
	require.Error(t, err)
	_, err = st.FindSub(ctx, recurrence.SubKey{BaseID: "a", ObjectID: "u2"})
	assert.ErrorIs(t, err, recurrence.ErrNotFound)

	_ = st.Close()
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	d := dialect{name: "postgres", numbered: true}
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", d.rebind("a = ? AND b IN (?, ?)"))
	assert.Equal(t, "a = ?", dialect{name: "sqlite"}.rebind("a = ?"))
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks([]string{}, 3))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks([]int{1, 2, 3, 4, 5}, 2))
}
