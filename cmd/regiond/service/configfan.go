package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/metalgrid/regiond/cmd/regiond/registry"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
)

// ConfigLoader reads one named configuration blob for fanout.
type ConfigLoader interface {
	Get(ctx context.Context, name string, out any) error
}

// Broadcaster fans a command out across connected racks.
type Broadcaster interface {
	CallAll(ctx context.Context, command string, args rpc.ArgMap, opts registry.CallAllOptions) (map[string]rpc.ArgMap, error)
	Connected() []string
}

// ConfigFanoutService pushes configuration changes to every connected rack.
// Racks that miss a push are retried on the next Retry tick, and racks that
// reconnect pull current configuration themselves, so delivery converges
// without the region tracking per-rack acknowledgements durably.
type ConfigFanoutService struct {
	loader ConfigLoader
	racks  Broadcaster
	log    *logger.Logger

	mu      sync.Mutex
	pending map[string]map[string]bool // config kind -> rack ids awaiting a push
}

func NewConfigFanoutService(loader ConfigLoader, racks Broadcaster, log *logger.Logger) *ConfigFanoutService {
	return &ConfigFanoutService{
		loader:  loader,
		racks:   racks,
		log:     log,
		pending: make(map[string]map[string]bool),
	}
}

// Push sends the named configuration to every connected rack. Failures are
// remembered for Retry; the push itself reports only total unavailability.
func (s *ConfigFanoutService) Push(ctx context.Context, kind string) error {
	var payload map[string]any
	if err := s.loader.Get(ctx, kind, &payload); err != nil {
		return fmt.Errorf("load %s configuration: %w", kind, err)
	}
	return s.push(ctx, kind, payload, nil)
}

// Retry re-pushes configurations that failed to reach some racks, to just
// those racks.
func (s *ConfigFanoutService) Retry(ctx context.Context) {
	s.mu.Lock()
	kinds := make([]string, 0, len(s.pending))
	for kind := range s.pending {
		kinds = append(kinds, kind)
	}
	s.mu.Unlock()

	for _, kind := range kinds {
		s.mu.Lock()
		targets := make([]string, 0, len(s.pending[kind]))
		for id := range s.pending[kind] {
			targets = append(targets, id)
		}
		delete(s.pending, kind)
		s.mu.Unlock()

		var payload map[string]any
		if err := s.loader.Get(ctx, kind, &payload); err != nil {
			s.log.Error("config retry load failed", "kind", kind, "error", err)
			continue
		}
		if err := s.push(ctx, kind, payload, targets); err != nil {
			s.log.Warn("config retry push incomplete", "kind", kind, "error", err)
		}
	}
}

// PendingRetries reports how many racks still await a push for any kind.
func (s *ConfigFanoutService) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, racks := range s.pending {
		n += len(racks)
	}
	return n
}

func (s *ConfigFanoutService) push(ctx context.Context, kind string, payload map[string]any, targets []string) error {
	replies, err := s.racks.CallAll(ctx, rpc.ConfigurationUpdated.Name, rpc.ArgMap{
		"kind":   kind,
		"config": payload,
	}, registry.CallAllOptions{
		Controllers:  targets,
		IgnoreErrors: true,
	})
	if err == nil {
		return nil
	}

	// Remember which targets did not get the push. CallAll returns the
	// successful replies even alongside an error.
	expected := targets
	if len(expected) == 0 {
		expected = s.racks.Connected()
	}
	s.mu.Lock()
	for _, id := range expected {
		if _, ok := replies[id]; ok {
			continue
		}
		if s.pending[kind] == nil {
			s.pending[kind] = make(map[string]bool)
		}
		s.pending[kind][id] = true
	}
	s.mu.Unlock()

	if len(replies) == 0 {
		return fmt.Errorf("push %s configuration: %w", kind, err)
	}
	s.log.Warn("config push partially failed", "kind", kind, "error", err)
	return nil
}
