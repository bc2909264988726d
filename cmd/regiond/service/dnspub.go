package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/metalgrid/regiond/cmd/regiond/repository"
	"github.com/metalgrid/regiond/common/logger"
)

// DNSChannel is the system notification channel zone reloaders listen on.
const DNSChannel = "sys_dns"

// SerialStore persists zone serial publications.
type SerialStore interface {
	LatestSerial(ctx context.Context) (uint32, error)
	Publish(ctx context.Context, source string, next func(current uint32) uint32) (uint32, error)
	GarbageCollect(ctx context.Context) (int64, error)
}

// Notifier emits cross-process notifications.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// DNSPublicationService mints zone serials and tells every region process
// to reload its zones.
type DNSPublicationService struct {
	store    SerialStore
	notifier Notifier
	log      *logger.Logger
}

func NewDNSPublicationService(store SerialStore, notifier Notifier, log *logger.Logger) *DNSPublicationService {
	return &DNSPublicationService{store: store, notifier: notifier, log: log}
}

// NextSerial computes the successor of a zone serial. Serials live in
// [1, 2^32-1] and wrap back to 1, never 0.
func NextSerial(current uint32) uint32 {
	if current == math.MaxUint32 {
		return 1
	}
	return current + 1
}

// Publish records a new publication and wakes the zone reloaders. The
// write is the commit point: reloaders that miss the notification pick the
// serial up on their next reload anyway.
func (s *DNSPublicationService) Publish(ctx context.Context, source string) (uint32, error) {
	serial, err := s.store.Publish(ctx, source, NextSerial)
	if err != nil {
		return 0, fmt.Errorf("publish dns serial: %w", err)
	}
	s.log.Info("dns serial published", "serial", serial, "source", source)

	if err := s.notifier.Notify(ctx, DNSChannel, strconv.FormatUint(uint64(serial), 10)); err != nil {
		s.log.Error("dns reload notification failed", "serial", serial, "error", err)
	}
	return serial, nil
}

// CurrentSerial reports the newest published serial, 0 when none exists.
func (s *DNSPublicationService) CurrentSerial(ctx context.Context) (uint32, error) {
	serial, err := s.store.LatestSerial(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	return serial, err
}

// GarbageCollect prunes old publications. Run periodically.
func (s *DNSPublicationService) GarbageCollect(ctx context.Context) error {
	removed, err := s.store.GarbageCollect(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Debug("pruned dns publications", "removed", removed)
	}
	return nil
}
