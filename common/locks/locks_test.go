package locks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) {
			break
		}
		switch p := d.(type) {
		case *bool:
			*p = r.vals[i].(bool)
		case *any:
			*p = r.vals[i]
		}
	}
	return nil
}

// fakeQuerier records queries and replays canned rows in order.
type fakeQuerier struct {
	queries []string
	args    [][]any
	rows    []fakeRow
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	q.args = append(q.args, args)
	if len(q.rows) == 0 {
		return fakeRow{vals: []any{true}}
	}
	row := q.rows[0]
	q.rows = q.rows[1:]
	return row
}

func TestSessionLockWithoutConnection(t *testing.T) {
	lock := NewSessionLock(nil, ClassBootImport, 0, Exclusive)

	assert.ErrorIs(t, lock.Acquire(context.Background()), ErrNoConnection)
	assert.ErrorIs(t, lock.TryAcquire(context.Background()), ErrNoConnection)
	assert.ErrorIs(t, lock.Release(context.Background()), ErrNoConnection)
}

func TestTransactionLockOutsideTransaction(t *testing.T) {
	lock := NewTransactionLock(nil, ClassDNS, 1, Exclusive)

	assert.ErrorIs(t, lock.Acquire(context.Background()), ErrNoTransaction)
	assert.ErrorIs(t, lock.TryAcquire(context.Background()), ErrNoTransaction)
}

func TestTryAcquireFailsFastWhenHeldElsewhere(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{{vals: []any{false}}}}
	lock := NewSessionLock(q, ClassBootImport, 0, Exclusive)

	err := lock.TryAcquire(context.Background())
	assert.ErrorIs(t, err, ErrNotHeld)
	require.Len(t, q.queries, 1)
	assert.Contains(t, q.queries[0], "pg_try_advisory_lock")
}

func TestSessionLockUsesSharedFunctions(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{
		{vals: []any{true}}, // acquire returns void, scanned into any
		{vals: []any{true}}, // unlock
	}}
	lock := NewSessionLock(q, ClassStartup, 7, Shared)

	require.NoError(t, lock.Acquire(context.Background()))
	require.NoError(t, lock.Release(context.Background()))

	require.Len(t, q.queries, 2)
	assert.Contains(t, q.queries[0], "pg_advisory_lock_shared")
	assert.Contains(t, q.queries[1], "pg_advisory_unlock_shared")
}

func TestTransactionLockUsesXactFunctions(t *testing.T) {
	q := &fakeQuerier{}
	lock := NewTransactionLock(q, ClassDNS, 3, Exclusive)

	require.NoError(t, lock.Acquire(context.Background()))
	require.Len(t, q.queries, 1)
	assert.Contains(t, q.queries[0], "pg_advisory_xact_lock")

	// Release must be a no-op: Postgres drops the lock at transaction end.
	require.NoError(t, lock.Release(context.Background()))
	assert.Len(t, q.queries, 1)
}

func TestWithReleasesOnError(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{
		{vals: []any{true}},
		{vals: []any{true}},
	}}
	lock := NewSessionLock(q, ClassBootImport, 0, Exclusive)

	boom := errors.New("boom")
	err := lock.With(context.Background(), func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.Len(t, q.queries, 2)
	assert.Contains(t, q.queries[1], "pg_advisory_unlock")
}

func TestTryWithDoesNotRunBodyWhenContended(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{{vals: []any{false}}}}
	lock := NewSessionLock(q, ClassBootImport, 0, Exclusive)

	ran := false
	err := lock.TryWith(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.False(t, ran)
	// No unlock should have been attempted.
	assert.Len(t, q.queries, 1)
}

func TestLockKeyArguments(t *testing.T) {
	q := &fakeQuerier{}
	lock := NewSessionLock(q, ClassDiscovery, 42, Exclusive)

	require.NoError(t, lock.Acquire(context.Background()))
	require.Len(t, q.args, 1)
	assert.Equal(t, []any{int32(ClassDiscovery), int32(42)}, q.args[0])
}

func TestHeldQueriesPgLocks(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{{vals: []any{true}}}}
	lock := NewSessionLock(q, ClassReload, 9, Exclusive)

	held, err := lock.Held(context.Background())
	require.NoError(t, err)
	assert.True(t, held)
	require.Len(t, q.queries, 1)
	assert.True(t, strings.Contains(q.queries[0], "pg_locks"))
}
