// Package locks wraps Postgres advisory locks so that cluster-wide singleton
// operations are serialized across all region worker processes. Two flavors
// exist: session locks bound to a single connection, and transaction locks
// released automatically when the enclosing transaction ends.
package locks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Class partitions the advisory lock keyspace. Every lock is identified by
// (class, object id); two locks with different classes never contend.
type Class int32

const (
	ClassBootImport Class = iota + 1
	ClassStartup
	ClassDNS
	ClassDiscovery
	ClassReload
)

// Mode selects between an exclusive lock and a shared one. Shared allows
// multiple concurrent holders but excludes any exclusive holder.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

var (
	// ErrNotHeld is returned by TryAcquire when the lock is already held
	// elsewhere. It never blocks the caller.
	ErrNotHeld = errors.New("lock not held")

	// ErrNoConnection is returned when a session lock is used without an
	// open connection.
	ErrNoConnection = errors.New("lock attempt without a connection")

	// ErrNoTransaction is returned when a transaction lock is used outside
	// an active transaction.
	ErrNoTransaction = errors.New("lock attempt outside a transaction")
)

// Querier is the subset of pgx used by locks. Satisfied by *pgxpool.Conn,
// *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionLock is an advisory lock bound to the lifetime of one database
// session. It survives transaction commit and rollback on that session and
// must be released explicitly (or by closing the connection).
type SessionLock struct {
	conn  Querier
	class Class
	objID uint32
	mode  Mode
}

// NewSessionLock creates a session-scoped lock on conn. The connection must
// be a dedicated session (not a pool), otherwise release may run on a
// different backend than acquire.
func NewSessionLock(conn Querier, class Class, objID uint32, mode Mode) *SessionLock {
	return &SessionLock{conn: conn, class: class, objID: objID, mode: mode}
}

// Acquire blocks until the lock is held.
func (l *SessionLock) Acquire(ctx context.Context) error {
	if l.conn == nil {
		return ErrNoConnection
	}
	fn := "pg_advisory_lock"
	if l.mode == Shared {
		fn = "pg_advisory_lock_shared"
	}
	var ignored any
	query := fmt.Sprintf("SELECT %s($1, $2)", fn)
	if err := l.conn.QueryRow(ctx, query, int32(l.class), int32(l.objID)).Scan(&ignored); err != nil {
		return fmt.Errorf("acquire session lock (%d, %d): %w", l.class, l.objID, err)
	}
	return nil
}

// TryAcquire attempts the lock without blocking; if it is held elsewhere the
// call fails immediately with ErrNotHeld.
func (l *SessionLock) TryAcquire(ctx context.Context) error {
	if l.conn == nil {
		return ErrNoConnection
	}
	fn := "pg_try_advisory_lock"
	if l.mode == Shared {
		fn = "pg_try_advisory_lock_shared"
	}
	var got bool
	query := fmt.Sprintf("SELECT %s($1, $2)", fn)
	if err := l.conn.QueryRow(ctx, query, int32(l.class), int32(l.objID)).Scan(&got); err != nil {
		return fmt.Errorf("try session lock (%d, %d): %w", l.class, l.objID, err)
	}
	if !got {
		return ErrNotHeld
	}
	return nil
}

// Release releases the lock on its session.
func (l *SessionLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNoConnection
	}
	fn := "pg_advisory_unlock"
	if l.mode == Shared {
		fn = "pg_advisory_unlock_shared"
	}
	var released bool
	query := fmt.Sprintf("SELECT %s($1, $2)", fn)
	if err := l.conn.QueryRow(ctx, query, int32(l.class), int32(l.objID)).Scan(&released); err != nil {
		return fmt.Errorf("release session lock (%d, %d): %w", l.class, l.objID, err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// Held reports whether any granted advisory lock exists for this (class,
// object id) pair, regardless of holder.
func (l *SessionLock) Held(ctx context.Context) (bool, error) {
	if l.conn == nil {
		return false, ErrNoConnection
	}
	return lockGranted(ctx, l.conn, l.class, l.objID)
}

// With acquires the lock, runs fn, and releases on every exit path.
func (l *SessionLock) With(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// TryWith is With in TRY mode: it fails with ErrNotHeld instead of waiting.
func (l *SessionLock) TryWith(ctx context.Context, fn func(context.Context) error) error {
	if err := l.TryAcquire(ctx); err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// TransactionLock is an advisory lock scoped to the enclosing transaction.
// Postgres releases it automatically at commit or rollback; Release is a
// no-op kept so both flavors can be used interchangeably in scoped helpers.
type TransactionLock struct {
	tx    Querier
	class Class
	objID uint32
	mode  Mode
}

// NewTransactionLock creates a transaction-scoped lock on tx.
func NewTransactionLock(tx Querier, class Class, objID uint32, mode Mode) *TransactionLock {
	return &TransactionLock{tx: tx, class: class, objID: objID, mode: mode}
}

// Acquire blocks until the lock is held by the transaction.
func (l *TransactionLock) Acquire(ctx context.Context) error {
	if l.tx == nil {
		return ErrNoTransaction
	}
	fn := "pg_advisory_xact_lock"
	if l.mode == Shared {
		fn = "pg_advisory_xact_lock_shared"
	}
	var ignored any
	query := fmt.Sprintf("SELECT %s($1, $2)", fn)
	if err := l.tx.QueryRow(ctx, query, int32(l.class), int32(l.objID)).Scan(&ignored); err != nil {
		return fmt.Errorf("acquire transaction lock (%d, %d): %w", l.class, l.objID, err)
	}
	return nil
}

// TryAcquire attempts the lock without blocking.
func (l *TransactionLock) TryAcquire(ctx context.Context) error {
	if l.tx == nil {
		return ErrNoTransaction
	}
	fn := "pg_try_advisory_xact_lock"
	if l.mode == Shared {
		fn = "pg_try_advisory_xact_lock_shared"
	}
	var got bool
	query := fmt.Sprintf("SELECT %s($1, $2)", fn)
	if err := l.tx.QueryRow(ctx, query, int32(l.class), int32(l.objID)).Scan(&got); err != nil {
		return fmt.Errorf("try transaction lock (%d, %d): %w", l.class, l.objID, err)
	}
	if !got {
		return ErrNotHeld
	}
	return nil
}

// Release is a no-op: the transaction end releases the lock.
func (l *TransactionLock) Release(ctx context.Context) error {
	if l.tx == nil {
		return ErrNoTransaction
	}
	return nil
}

// Held reports whether any granted advisory lock exists for this pair.
func (l *TransactionLock) Held(ctx context.Context) (bool, error) {
	if l.tx == nil {
		return false, ErrNoTransaction
	}
	return lockGranted(ctx, l.tx, l.class, l.objID)
}

// With acquires the lock and runs fn. No explicit release: the lock lives
// until the transaction ends.
func (l *TransactionLock) With(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func lockGranted(ctx context.Context, q Querier, class Class, objID uint32) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND classid = $1 AND objid = $2 AND granted
		)
	`
	var held bool
	if err := q.QueryRow(ctx, query, int32(class), int32(objID)).Scan(&held); err != nil {
		return false, fmt.Errorf("query pg_locks: %w", err)
	}
	return held, nil
}
