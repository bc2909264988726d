package service

import (
	"context"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/logger"
)

// ComponentErrorStore raises and clears standing failure records.
type ComponentErrorStore interface {
	SetComponentError(ctx context.Context, component, message string) error
	ClearComponentError(ctx context.Context, component string) error
}

// ConnectionCounter reports how many racks this process can reach.
type ConnectionCounter interface {
	Len() int
}

// StatusService watches rack connectivity and keeps the standing
// rack-controllers error in sync with it.
type StatusService struct {
	store ComponentErrorStore
	racks ConnectionCounter
	log   *logger.Logger

	lastConnected int
	everConnected bool
}

func NewStatusService(store ComponentErrorStore, racks ConnectionCounter, log *logger.Logger) *StatusService {
	return &StatusService{store: store, racks: racks, log: log}
}

// Check runs one monitoring pass. Losing the last rack raises the standing
// error; regaining any rack clears it.
func (s *StatusService) Check(ctx context.Context) error {
	connected := s.racks.Len()
	defer func() {
		s.lastConnected = connected
		if connected > 0 {
			s.everConnected = true
		}
	}()

	if connected == 0 {
		// Startup with no racks yet is expected, not a failure.
		if !s.everConnected {
			return nil
		}
		if s.lastConnected > 0 {
			s.log.Warn("lost connection to all rack controllers")
		}
		return s.store.SetComponentError(ctx, models.ComponentRackControllers,
			"no rack controllers are connected to this region process")
	}

	if s.lastConnected == 0 {
		s.log.Info("rack controllers reachable", "connected", connected)
		return s.store.ClearComponentError(ctx, models.ComponentRackControllers)
	}
	return nil
}
