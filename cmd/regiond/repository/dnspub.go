package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/db"
	"github.com/metalgrid/regiond/common/locks"
)

// DNSStore issues zone serials. Serial allocation runs under the DNS
// advisory lock so concurrent region processes never mint the same serial.
type DNSStore struct {
	db *db.DB
}

func NewDNSStore(database *db.DB) *DNSStore {
	return &DNSStore{db: database}
}

// LatestSerial returns the most recently published serial, or 0 with
// ErrNotFound when no publication exists yet.
func (s *DNSStore) LatestSerial(ctx context.Context) (uint32, error) {
	var serial int64
	err := s.db.QueryRow(ctx,
		`SELECT serial FROM dnspublication ORDER BY id DESC LIMIT 1`).Scan(&serial)
	if err != nil {
		return 0, fmt.Errorf("latest serial: %w", notFound(err))
	}
	return uint32(serial), nil
}

// Publish records a new publication with the next serial, computed inside
// the transaction while holding the DNS lock, and returns the serial.
func (s *DNSStore) Publish(ctx context.Context, source string, next func(current uint32) uint32) (uint32, error) {
	var serial uint32
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lock := locks.NewTransactionLock(tx, locks.ClassDNS, 0, locks.Exclusive)
		if err := lock.Acquire(ctx); err != nil {
			return fmt.Errorf("acquire dns lock: %w", err)
		}
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT serial FROM dnspublication ORDER BY id DESC LIMIT 1`).Scan(&current)
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("read current serial: %w", err)
		}
		serial = next(uint32(current))
		_, err = tx.Exec(ctx, `
			INSERT INTO dnspublication (serial, source, created)
			VALUES ($1, $2, now())
		`, int64(serial), source)
		if err != nil {
			return fmt.Errorf("insert publication: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// GarbageCollect drops publications older than the cutoff, always keeping
// the newest row so the current serial stays recoverable.
func (s *DNSStore) GarbageCollect(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM dnspublication
		WHERE created < now() - interval '7 days'
		  AND id <> (SELECT max(id) FROM dnspublication)
	`)
	if err != nil {
		return 0, fmt.Errorf("garbage collect publications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Publications lists recent publications, newest first.
func (s *DNSStore) Publications(ctx context.Context, limit int) ([]models.DNSPublication, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, serial, source, created
		FROM dnspublication ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()

	var pubs []models.DNSPublication
	for rows.Next() {
		var (
			p      models.DNSPublication
			serial int64
		)
		if err := rows.Scan(&p.ID, &serial, &p.Source, &p.Created); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		p.Serial = uint32(serial)
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}
