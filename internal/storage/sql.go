package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

//go:embed migrations.sql
var migrations string

// maxParams keeps every statement under SQLite's default bound-parameter
// limit.
const maxParams = 900

// dialect captures the differences between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements recurrence.Store on database/sql. Instants are stored
// as unix nanoseconds.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations); err != nil {
		return errors.Wrapf(err, "failed to migrate %s schema", s.d.name)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) Insert(ctx context.Context, rec *recurrence.Record) error {
	res, err := s.exec(ctx,
		`INSERT INTO recurrence (id, period, offset_ns, timezone, previous_ns, next_ns)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Interval.String(), int64(rec.Offset), rec.Timezone,
		rec.Previous.UnixNano(), rec.Next.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert recurrence")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to insert recurrence")
	}
	if n == 0 {
		return recurrence.ErrConflict
	}
	return nil
}

const recordColumns = `id, period, offset_ns, timezone, previous_ns, next_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*recurrence.Record, error) {
	var (
		rec              recurrence.Record
		period           string
		offset, prev, nx int64
	)
	if err := row.Scan(&rec.ID, &period, &offset, &rec.Timezone, &prev, &nx); err != nil {
		return nil, err
	}
	iv, err := recurrence.ParseInterval(period)
	if err != nil {
		return nil, errors.Wrapf(err, "recurrence %s", rec.ID)
	}
	rec.Interval = iv
	rec.Offset = time.Duration(offset)
	rec.Previous = fromNanos(prev)
	rec.Next = fromNanos(nx)
	return &rec, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*recurrence.Record, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+recordColumns+` FROM recurrence WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recurrence.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recurrence")
	}
	return rec, nil
}

func (s *sqlStore) Advance(ctx context.Context, id string, sch recurrence.Schedule) (recurrence.Schedule, error) {
	if _, err := s.exec(ctx,
		`UPDATE recurrence SET previous_ns = ?, next_ns = ? WHERE id = ? AND next_ns <= ?`,
		sch.Previous.UnixNano(), sch.Next.UnixNano(), id, sch.Next.UnixNano(),
	); err != nil {
		return recurrence.Schedule{}, errors.Wrap(err, "failed to advance recurrence")
	}
	stored, err := s.scanSchedule(ctx, `SELECT previous_ns, next_ns FROM recurrence WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return recurrence.Schedule{}, recurrence.ErrNotFound
	}
	if err != nil {
		return recurrence.Schedule{}, errors.Wrap(err, "failed to read recurrence schedule")
	}
	return stored, nil
}

func (s *sqlStore) scanSchedule(ctx context.Context, q string, args ...any) (recurrence.Schedule, error) {
	var prev, next int64
	if err := s.db.QueryRowContext(ctx, s.d.rebind(q), args...).Scan(&prev, &next); err != nil {
		return recurrence.Schedule{}, err
	}
	return recurrence.Schedule{Previous: fromNanos(prev), Next: fromNanos(next)}, nil
}

// BulkAdvance runs every conditional update in one transaction, then reads
// the stored schedules back in chunks.
func (s *sqlStore) BulkAdvance(ctx context.Context, updates map[string]recurrence.Schedule) (map[string]recurrence.Schedule, error) {
	out := make(map[string]recurrence.Schedule, len(updates))
	if len(updates) == 0 {
		return out, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(
		`UPDATE recurrence SET previous_ns = ?, next_ns = ? WHERE id = ? AND next_ns <= ?`))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare advance")
	}
	defer stmt.Close()

	ids := make([]string, 0, len(updates))
	for id, sch := range updates {
		if _, err := stmt.ExecContext(ctx, sch.Previous.UnixNano(), sch.Next.UnixNano(), id, sch.Next.UnixNano()); err != nil {
			return nil, errors.Wrapf(err, "failed to advance recurrence %s", id)
		}
		ids = append(ids, id)
	}

	for _, chunk := range chunks(ids, maxParams) {
		rows, err := tx.QueryContext(ctx,
			s.d.rebind(`SELECT id, previous_ns, next_ns FROM recurrence WHERE id IN (`+placeholders(len(chunk))+`)`),
			anySlice(chunk)...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read schedules")
		}
		for rows.Next() {
			var (
				id         string
				prev, next int64
			)
			if err := rows.Scan(&id, &prev, &next); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan schedule")
			}
			out[id] = recurrence.Schedule{Previous: fromNanos(prev), Next: fromNanos(next)}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read schedules")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit advance")
	}
	return out, nil
}

func (s *sqlStore) ListDue(ctx context.Context, now time.Time) ([]*recurrence.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT `+recordColumns+` FROM recurrence WHERE next_ns <= ? ORDER BY next_ns, id`),
		now.UnixNano())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due recurrences")
	}
	defer rows.Close()
	var out []*recurrence.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recurrence")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to list due recurrences")
}

func (s *sqlStore) FindSub(ctx context.Context, key recurrence.SubKey) (*recurrence.SubRecord, error) {
	sch, err := s.scanSchedule(ctx,
		`SELECT previous_ns, next_ns FROM sub_recurrence WHERE base_id = ? AND object_id = ?`,
		key.BaseID, key.ObjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recurrence.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find sub recurrence")
	}
	return &recurrence.SubRecord{SubKey: key, Schedule: sch}, nil
}

func (s *sqlStore) BulkFindSubs(ctx context.Context, baseID string, objectIDs []string) (map[string]*recurrence.SubRecord, error) {
	out := make(map[string]*recurrence.SubRecord, len(objectIDs))
	for _, chunk := range chunks(objectIDs, maxParams-1) {
		args := append([]any{baseID}, anySlice(chunk)...)
		rows, err := s.db.QueryContext(ctx, s.d.rebind(
			`SELECT object_id, previous_ns, next_ns FROM sub_recurrence
			 WHERE base_id = ? AND object_id IN (`+placeholders(len(chunk))+`)`), args...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to find sub recurrences")
		}
		for rows.Next() {
			var (
				oid        string
				prev, next int64
			)
			if err := rows.Scan(&oid, &prev, &next); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan sub recurrence")
			}
			out[oid] = &recurrence.SubRecord{
				SubKey:   recurrence.SubKey{BaseID: baseID, ObjectID: oid},
				Schedule: recurrence.Schedule{Previous: fromNanos(prev), Next: fromNanos(next)},
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to find sub recurrences")
		}
	}
	return out, nil
}

// BulkInsertSubs issues multi-row INSERT ... ON CONFLICT DO NOTHING
// statements and then reads every key back, so rows a concurrent writer
// inserted first are returned as stored.
func (s *sqlStore) BulkInsertSubs(ctx context.Context, subs []*recurrence.SubRecord) ([]*recurrence.SubRecord, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	const cols = 4
	for _, chunk := range chunks(subs, maxParams/cols) {
		var b strings.Builder
		b.WriteString(`INSERT INTO sub_recurrence (base_id, object_id, previous_ns, next_ns) VALUES `)
		args := make([]any, 0, len(chunk)*cols)
		for i, sub := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?)")
			args = append(args, sub.BaseID, sub.ObjectID, sub.Previous.UnixNano(), sub.Next.UnixNano())
		}
		b.WriteString(` ON CONFLICT (base_id, object_id) DO NOTHING`)
		if _, err := tx.ExecContext(ctx, s.d.rebind(b.String()), args...); err != nil {
			return nil, errors.Wrap(err, "failed to insert sub recurrences")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit sub recurrences")
	}

	byBase := map[string][]string{}
	var bases []string
	for _, sub := range subs {
		if _, ok := byBase[sub.BaseID]; !ok {
			bases = append(bases, sub.BaseID)
		}
		byBase[sub.BaseID] = append(byBase[sub.BaseID], sub.ObjectID)
	}
	stored := make(map[recurrence.SubKey]*recurrence.SubRecord, len(subs))
	for _, base := range bases {
		found, err := s.BulkFindSubs(ctx, base, byBase[base])
		if err != nil {
			return nil, err
		}
		for _, sub := range found {
			stored[sub.SubKey] = sub
		}
	}
	out := make([]*recurrence.SubRecord, 0, len(subs))
	for _, sub := range subs {
		if got, ok := stored[sub.SubKey]; ok {
			out = append(out, got)
		}
	}
	return out, nil
}

func (s *sqlStore) GetOrInsertSub(ctx context.Context, key recurrence.SubKey, factory func() *recurrence.SubRecord) (*recurrence.SubRecord, error) {
	if sub, err := s.FindSub(ctx, key); err == nil || !errors.Is(err, recurrence.ErrNotFound) {
		return sub, err
	}
	fresh := factory()
	if _, err := s.exec(ctx,
		`INSERT INTO sub_recurrence (base_id, object_id, previous_ns, next_ns) VALUES (?, ?, ?, ?)
		 ON CONFLICT (base_id, object_id) DO NOTHING`,
		key.BaseID, key.ObjectID, fresh.Previous.UnixNano(), fresh.Next.UnixNano(),
	); err != nil {
		return nil, errors.Wrap(err, "failed to insert sub recurrence")
	}
	return s.FindSub(ctx, key)
}

func (s *sqlStore) AdvanceSub(ctx context.Context, key recurrence.SubKey, sch recurrence.Schedule) (recurrence.Schedule, error) {
	if _, err := s.exec(ctx,
		`UPDATE sub_recurrence SET previous_ns = ?, next_ns = ?
		 WHERE base_id = ? AND object_id = ? AND next_ns <= ?`,
		sch.Previous.UnixNano(), sch.Next.UnixNano(), key.BaseID, key.ObjectID, sch.Next.UnixNano(),
	); err != nil {
		return recurrence.Schedule{}, errors.Wrap(err, "failed to advance sub recurrence")
	}
	sub, err := s.FindSub(ctx, key)
	if err != nil {
		return recurrence.Schedule{}, err
	}
	return sub.Schedule, nil
}

// BulkAdvanceSubs runs one conditional UPDATE per chunk of object ids, then
// reads the stored schedules back.
func (s *sqlStore) BulkAdvanceSubs(ctx context.Context, baseID string, objectIDs []string, sch recurrence.Schedule) (map[string]recurrence.Schedule, error) {
	if len(objectIDs) == 0 {
		return map[string]recurrence.Schedule{}, nil
	}
	const fixed = 4
	for _, chunk := range chunks(objectIDs, maxParams-fixed) {
		args := append([]any{sch.Previous.UnixNano(), sch.Next.UnixNano(), baseID, sch.Next.UnixNano()}, anySlice(chunk)...)
		if _, err := s.exec(ctx,
			`UPDATE sub_recurrence SET previous_ns = ?, next_ns = ?
			 WHERE base_id = ? AND next_ns <= ? AND object_id IN (`+placeholders(len(chunk))+`)`,
			args...,
		); err != nil {
			return nil, errors.Wrap(err, "failed to advance sub recurrences")
		}
	}
	found, err := s.BulkFindSubs(ctx, baseID, objectIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]recurrence.Schedule, len(found))
	for oid, sub := range found {
		out[oid] = sub.Schedule
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
