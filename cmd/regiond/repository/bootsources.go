package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/db"
)

// BootSourceStore manages the boot image source list and the cached
// descriptor set downloaded from those sources.
type BootSourceStore struct {
	db *db.DB
}

func NewBootSourceStore(database *db.DB) *BootSourceStore {
	return &BootSourceStore{db: database}
}

// Sources lists configured boot sources in priority order.
func (s *BootSourceStore) Sources(ctx context.Context) ([]models.BootSource, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, url, keyring_filename, priority
		FROM bootsource ORDER BY priority DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list boot sources: %w", err)
	}
	defer rows.Close()

	var sources []models.BootSource
	for rows.Next() {
		var src models.BootSource
		if err := rows.Scan(&src.ID, &src.URL, &src.KeyringFilename, &src.Priority); err != nil {
			return nil, fmt.Errorf("scan boot source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// CachedImages returns the current cache rows for one source.
func (s *BootSourceStore) CachedImages(ctx context.Context, sourceID int64) ([]models.BootSourceCache, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, bootsource_id, os, arch, subarch, release, kflavor, label,
		       title, support_eol, bootloader_type
		FROM bootsourcecache WHERE bootsource_id = $1
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list cached images: %w", err)
	}
	defer rows.Close()

	var cached []models.BootSourceCache
	for rows.Next() {
		var c models.BootSourceCache
		err := rows.Scan(&c.ID, &c.BootSourceID,
			&c.OS, &c.Arch, &c.SubArch, &c.Release, &c.KFlavor, &c.Label,
			&c.Title, &c.SupportEOL, &c.BootloaderType)
		if err != nil {
			return nil, fmt.Errorf("scan cached image: %w", err)
		}
		cached = append(cached, c)
	}
	return cached, rows.Err()
}

// ApplyCachePlan applies a computed cache delta in one transaction so readers
// never observe an empty cache between refreshes. Inserts run through a
// single batch.
func (s *BootSourceStore) ApplyCachePlan(ctx context.Context, sourceID int64, plan models.CachePlan) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, id := range plan.Delete {
			if _, err := tx.Exec(ctx, `DELETE FROM bootsourcecache WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete cache row %d: %w", id, err)
			}
		}
		for _, upd := range plan.Update {
			_, err := tx.Exec(ctx, `
				UPDATE bootsourcecache
				SET title = $2, support_eol = $3, bootloader_type = $4
				WHERE id = $1
			`, upd.ID, upd.Title, upd.SupportEOL, upd.BootloaderType)
			if err != nil {
				return fmt.Errorf("update cache row %d: %w", upd.ID, err)
			}
		}
		if len(plan.Insert) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, ins := range plan.Insert {
			batch.Queue(`
				INSERT INTO bootsourcecache
					(bootsource_id, os, arch, subarch, release, kflavor, label,
					 title, support_eol, bootloader_type)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, sourceID, ins.OS, ins.Arch, ins.SubArch, ins.Release, ins.KFlavor,
				ins.Label, ins.Title, ins.SupportEOL, ins.BootloaderType)
		}
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range plan.Insert {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("insert cache rows: %w", err)
			}
		}
		return nil
	})
}

// SetComponentError records a standing failure for a subsystem, replacing any
// previous record for the same component.
func (s *BootSourceStore) SetComponentError(ctx context.Context, component, message string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO component_error (component, error, created)
		VALUES ($1, $2, now())
		ON CONFLICT (component) DO UPDATE SET error = $2, created = now()
	`, component, message)
	if err != nil {
		return fmt.Errorf("set component error: %w", err)
	}
	return nil
}

// ClearComponentError removes a standing failure record, if any.
func (s *BootSourceStore) ClearComponentError(ctx context.Context, component string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM component_error WHERE component = $1`, component)
	if err != nil {
		return fmt.Errorf("clear component error: %w", err)
	}
	return nil
}
