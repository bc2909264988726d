// Package repository holds the pgx data access layer for the region
// controller's coordination state.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/metalgrid/regiond/common/db"
	"github.com/metalgrid/regiond/common/locks"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Querier is the query surface shared by the pool and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// AdvisoryLocks runs cluster-wide TRY-mode critical sections. Each attempt
// pins a dedicated pool connection, because session locks follow the
// connection, not the pool.
type AdvisoryLocks struct {
	db *db.DB
}

func NewAdvisoryLocks(database *db.DB) *AdvisoryLocks {
	return &AdvisoryLocks{db: database}
}

func (a *AdvisoryLocks) tryExclusive(ctx context.Context, class locks.Class, fn func(context.Context) error) error {
	conn, err := a.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()
	return locks.NewSessionLock(conn, class, 0, locks.Exclusive).TryWith(ctx, fn)
}

// TryBootImport runs fn holding the cluster boot-import lock, or fails with
// locks.ErrNotHeld when another process is importing.
func (a *AdvisoryLocks) TryBootImport(ctx context.Context, fn func(context.Context) error) error {
	return a.tryExclusive(ctx, locks.ClassBootImport, fn)
}

// TryDiscovery runs fn holding the cluster discovery lock, or fails with
// locks.ErrNotHeld when a scan is already being coordinated.
func (a *AdvisoryLocks) TryDiscovery(ctx context.Context, fn func(context.Context) error) error {
	return a.tryExclusive(ctx, locks.ClassDiscovery, fn)
}

// Notifier emits cross-process notifications through the database, the
// counterpart of the listener every region process runs.
type Notifier struct {
	db *db.DB
}

func NewNotifier(database *db.DB) *Notifier {
	return &Notifier{db: database}
}

func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	if _, err := n.db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}
