package service

import (
	"context"
	"errors"
	"time"

	"github.com/metalgrid/regiond/common/locks"
	"github.com/metalgrid/regiond/common/logger"
)

// DiscoveryChannel carries active-discovery scan announcements.
const DiscoveryChannel = "sys_discovery"

// ScanLocker serializes discovery scans across the cluster.
type ScanLocker interface {
	TryDiscovery(ctx context.Context, fn func(context.Context) error) error
}

// DiscoveryService periodically announces a neighbour discovery scan. Only
// one region process coordinates a scan at a time; racks listening on the
// announcement channel carry out the actual probing.
type DiscoveryService struct {
	lock     ScanLocker
	notifier Notifier
	log      *logger.Logger
}

func NewDiscoveryService(lock ScanLocker, notifier Notifier, log *logger.Logger) *DiscoveryService {
	return &DiscoveryService{lock: lock, notifier: notifier, log: log}
}

// Scan announces one discovery pass. A scan already held elsewhere is not
// an error.
func (s *DiscoveryService) Scan(ctx context.Context) error {
	err := s.lock.TryDiscovery(ctx, func(ctx context.Context) error {
		started := time.Now().UTC().Format(time.RFC3339)
		if err := s.notifier.Notify(ctx, DiscoveryChannel, started); err != nil {
			return err
		}
		s.log.Info("discovery scan announced", "started", started)
		return nil
	})
	if errors.Is(err, locks.ErrNotHeld) {
		s.log.Debug("discovery scan already coordinated by another process")
		return nil
	}
	return err
}
