package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/cmd/regiond/registry"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
)

// PowerError marks a transient BMC failure worth retrying.
type PowerError struct {
	Message string
}

func (e *PowerError) Error() string { return e.Message }

// PowerFatalError marks a BMC failure retries cannot fix, such as bad
// credentials.
type PowerFatalError struct {
	Message string
}

func (e *PowerFatalError) Error() string { return e.Message }

// DefaultPowerRetrySchedule are the waits between power query attempts.
var DefaultPowerRetrySchedule = []time.Duration{3 * time.Second, 5 * time.Second, 10 * time.Second}

// QueryWithRetries runs fn until it succeeds, raises a fatal error, or the
// retry schedule is exhausted. The last error is returned on exhaustion.
func QueryWithRetries(ctx context.Context, waits []time.Duration, fn func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		state, err := fn(ctx)
		if err == nil {
			return state, nil
		}
		var fatal *PowerFatalError
		if errors.As(err, &fatal) {
			return "", err
		}
		lastErr = err
		if attempt >= len(waits) {
			return "", lastErr
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(waits[attempt]):
		}
	}
}

// MergeDriverSchemas folds the per-rack driver schema lists into one list,
// deduplicated by driver name and ordered by description for stable
// presentation.
func MergeDriverSchemas(perRack map[string][]models.PowerDriverSchema) []models.PowerDriverSchema {
	byName := map[string]models.PowerDriverSchema{}
	for _, schemas := range perRack {
		for _, schema := range schemas {
			if _, ok := byName[schema.Name]; !ok {
				byName[schema.Name] = schema
			}
		}
	}
	merged := make([]models.PowerDriverSchema, 0, len(byName))
	for _, schema := range byName {
		merged = append(merged, schema)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Description < merged[j].Description
	})
	return merged
}

// PowerNodeStore is the persistence surface of power monitoring.
type PowerNodeStore interface {
	PowerParameters(ctx context.Context, limit int) ([]models.PowerParametersEntry, error)
	MarkPowerQueried(ctx context.Context, systemIDs []string) error
	SetPowerState(ctx context.Context, systemID, state string) error
}

// RackCaller is the fan-out surface power monitoring uses to reach racks.
type RackCaller interface {
	Connected() []string
	Call(ctx context.Context, systemID, command string, args rpc.ArgMap) (rpc.ArgMap, error)
}

// PowerService periodically asks connected racks to query BMC power state,
// a batch of least recently queried machines per sweep.
type PowerService struct {
	store PowerNodeStore
	racks RackCaller
	log   *logger.Logger
	waits []time.Duration
	limit int
}

func NewPowerService(store PowerNodeStore, racks RackCaller, log *logger.Logger) *PowerService {
	return &PowerService{
		store: store,
		racks: racks,
		log:   log,
		waits: DefaultPowerRetrySchedule,
		limit: 15,
	}
}

// Sweep queries one batch of machines through whichever racks are
// connected. A machine failure marks its state unknown rather than failing
// the sweep.
func (s *PowerService) Sweep(ctx context.Context) error {
	racks := s.racks.Connected()
	if len(racks) == 0 {
		return nil
	}
	entries, err := s.store.PowerParameters(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("load power parameters: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	queried := make([]string, 0, len(entries))
	for i, entry := range entries {
		rack := racks[i%len(racks)]
		state, err := s.queryOne(ctx, rack, entry)
		if err != nil {
			s.log.Warn("power query failed",
				"system_id", entry.SystemID, "rack", rack, "error", err)
			state = "unknown"
		}
		if err := s.store.SetPowerState(ctx, entry.SystemID, state); err != nil {
			return fmt.Errorf("record power state: %w", err)
		}
		queried = append(queried, entry.SystemID)
	}
	return s.store.MarkPowerQueried(ctx, queried)
}

func (s *PowerService) queryOne(ctx context.Context, rack string, entry models.PowerParametersEntry) (string, error) {
	return QueryWithRetries(ctx, s.waits, func(ctx context.Context) (string, error) {
		reply, err := s.racks.Call(ctx, rack, rpc.PowerQuery.Name, rpc.ArgMap{
			"system_id":  entry.SystemID,
			"hostname":   entry.Hostname,
			"power_type": entry.PowerType,
			"context":    entry.PowerParameters,
		})
		if err != nil {
			if errors.Is(err, registry.ErrNoConnection) {
				return "", &PowerFatalError{Message: err.Error()}
			}
			return "", &PowerError{Message: err.Error()}
		}
		return reply.String("state"), nil
	})
}
