package service

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/logger"
)

// SourceFetcher downloads the image descriptors one boot source offers.
type SourceFetcher interface {
	Fetch(ctx context.Context, src models.BootSource) ([]models.ImageDescriptor, error)
}

// BootCacheStore is the persistence surface the cache service needs.
type BootCacheStore interface {
	Sources(ctx context.Context) ([]models.BootSource, error)
	CachedImages(ctx context.Context, sourceID int64) ([]models.BootSourceCache, error)
	ApplyCachePlan(ctx context.Context, sourceID int64, plan models.CachePlan) error
	SetComponentError(ctx context.Context, component, message string) error
	ClearComponentError(ctx context.Context, component string) error
}

// BootCacheService keeps the boot image descriptor cache in sync with the
// configured sources.
type BootCacheService struct {
	store   BootCacheStore
	fetcher SourceFetcher
	log     *logger.Logger
}

func NewBootCacheService(store BootCacheStore, fetcher SourceFetcher, log *logger.Logger) *BootCacheService {
	return &BootCacheService{store: store, fetcher: fetcher, log: log}
}

// Refresh re-downloads every source's descriptors and applies the deltas.
// A standing component error is raised only when every source fails, and
// cleared again once all sources refresh cleanly.
func (s *BootCacheService) Refresh(ctx context.Context) error {
	sources, err := s.store.Sources(ctx)
	if err != nil {
		return fmt.Errorf("load boot sources: %w", err)
	}
	if len(sources) == 0 {
		return nil
	}

	var (
		errs     *multierror.Error
		failures int
	)
	for _, src := range sources {
		if err := s.refreshSource(ctx, src); err != nil {
			failures++
			errs = multierror.Append(errs, fmt.Errorf("source %s: %w", src.URL, err))
			s.log.Error("boot source refresh failed", "url", src.URL, "error", err)
		}
	}

	if failures == len(sources) {
		msg := fmt.Sprintf("failed to refresh all %d boot sources: %v", len(sources), errs)
		if serr := s.store.SetComponentError(ctx, models.ComponentImageImport, msg); serr != nil {
			errs = multierror.Append(errs, serr)
		}
	} else if failures == 0 {
		if serr := s.store.ClearComponentError(ctx, models.ComponentImageImport); serr != nil {
			errs = multierror.Append(errs, serr)
		}
	}
	return errs.ErrorOrNil()
}

func (s *BootCacheService) refreshSource(ctx context.Context, src models.BootSource) error {
	images, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return err
	}
	existing, err := s.store.CachedImages(ctx, src.ID)
	if err != nil {
		return err
	}
	plan := PlanCacheUpdate(existing, images)
	if len(plan.Delete) == 0 && len(plan.Update) == 0 && len(plan.Insert) == 0 {
		return nil
	}
	if err := s.store.ApplyCachePlan(ctx, src.ID, plan); err != nil {
		return err
	}
	s.log.Info("boot source cache updated", "url", src.URL,
		"deleted", len(plan.Delete), "updated", len(plan.Update), "inserted", len(plan.Insert))
	return nil
}

// PlanCacheUpdate diffs the cached rows against a fresh descriptor set.
// Rows whose image spec survives keep their database identity and get
// their metadata updated in place.
func PlanCacheUpdate(existing []models.BootSourceCache, images []models.ImageDescriptor) models.CachePlan {
	var plan models.CachePlan

	current := make(map[models.ImageSpec]models.BootSourceCache, len(existing))
	for _, row := range existing {
		current[row.ImageSpec] = row
	}

	seen := make(map[models.ImageSpec]bool, len(images))
	for _, img := range images {
		if seen[img.ImageSpec] {
			continue
		}
		seen[img.ImageSpec] = true

		row, ok := current[img.ImageSpec]
		if !ok {
			plan.Insert = append(plan.Insert, img)
			continue
		}
		if row.Title != img.Title || !row.SupportEOL.Equal(img.SupportEOL) || row.BootloaderType != img.BootloaderType {
			row.Title = img.Title
			row.SupportEOL = img.SupportEOL
			row.BootloaderType = img.BootloaderType
			plan.Update = append(plan.Update, row)
		}
	}

	for _, row := range existing {
		if !seen[row.ImageSpec] {
			plan.Delete = append(plan.Delete, row.ID)
		}
	}
	return plan
}
