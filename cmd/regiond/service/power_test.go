package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryWithRetriesSucceedsFirstTry(t *testing.T) {
	calls := 0
	state, err := QueryWithRetries(context.Background(), nil, func(ctx context.Context) (string, error) {
		calls++
		return "on", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "on", state)
	assert.Equal(t, 1, calls)
}

func TestQueryWithRetriesRetriesTransientErrors(t *testing.T) {
	calls := 0
	waits := []time.Duration{time.Millisecond, time.Millisecond}
	state, err := QueryWithRetries(context.Background(), waits, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &PowerError{Message: "bmc busy"}
		}
		return "off", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "off", state)
	assert.Equal(t, 3, calls)
}

func TestQueryWithRetriesFatalAborts(t *testing.T) {
	calls := 0
	waits := []time.Duration{time.Millisecond, time.Millisecond}
	_, err := QueryWithRetries(context.Background(), waits, func(ctx context.Context) (string, error) {
		calls++
		return "", &PowerFatalError{Message: "bad credentials"}
	})
	var fatal *PowerFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, calls)
}

func TestQueryWithRetriesExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	waits := []time.Duration{time.Millisecond}
	_, err := QueryWithRetries(context.Background(), waits, func(ctx context.Context) (string, error) {
		calls++
		return "", &PowerError{Message: "still busy"}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still busy")
	assert.Equal(t, 2, calls)
}

func TestMergeDriverSchemas(t *testing.T) {
	perRack := map[string][]models.PowerDriverSchema{
		"rack-a": {
			{Name: "ipmi", Description: "IPMI"},
			{Name: "redfish", Description: "Redfish"},
		},
		"rack-b": {
			{Name: "ipmi", Description: "IPMI"},
			{Name: "amt", Description: "Intel AMT"},
		},
	}

	merged := MergeDriverSchemas(perRack)
	require.Len(t, merged, 3)
	assert.Equal(t, "IPMI", merged[0].Description)
	assert.Equal(t, "Intel AMT", merged[1].Description)
	assert.Equal(t, "Redfish", merged[2].Description)
}

type fakePowerStore struct {
	mu      sync.Mutex
	entries []models.PowerParametersEntry
	states  map[string]string
	queried []string
}

func (f *fakePowerStore) PowerParameters(ctx context.Context, limit int) ([]models.PowerParametersEntry, error) {
	return f.entries, nil
}

func (f *fakePowerStore) MarkPowerQueried(ctx context.Context, systemIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, systemIDs...)
	return nil
}

func (f *fakePowerStore) SetPowerState(ctx context.Context, systemID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = map[string]string{}
	}
	f.states[systemID] = state
	return nil
}

type fakeRackCaller struct {
	racks  []string
	states map[string]string
	err    error
}

func (f *fakeRackCaller) Connected() []string { return f.racks }

func (f *fakeRackCaller) Call(ctx context.Context, systemID, command string, args rpc.ArgMap) (rpc.ArgMap, error) {
	if f.err != nil {
		return nil, f.err
	}
	target, _ := args["system_id"].(string)
	return rpc.ArgMap{"state": f.states[target]}, nil
}

func testPowerService(store *fakePowerStore, racks *fakeRackCaller) *PowerService {
	svc := NewPowerService(store, racks, logger.New("error", "json"))
	svc.waits = nil
	return svc
}

func TestSweepRecordsStates(t *testing.T) {
	store := &fakePowerStore{
		entries: []models.PowerParametersEntry{
			{SystemID: "m1", PowerType: "ipmi"},
			{SystemID: "m2", PowerType: "redfish"},
		},
	}
	racks := &fakeRackCaller{
		racks:  []string{"rack-a"},
		states: map[string]string{"m1": "on", "m2": "off"},
	}

	require.NoError(t, testPowerService(store, racks).Sweep(context.Background()))
	assert.Equal(t, "on", store.states["m1"])
	assert.Equal(t, "off", store.states["m2"])
	assert.ElementsMatch(t, []string{"m1", "m2"}, store.queried)
}

func TestSweepNoRacksIsNoop(t *testing.T) {
	store := &fakePowerStore{
		entries: []models.PowerParametersEntry{{SystemID: "m1"}},
	}
	require.NoError(t, testPowerService(store, &fakeRackCaller{}).Sweep(context.Background()))
	assert.Empty(t, store.states)
}

func TestSweepFailureMarksUnknown(t *testing.T) {
	store := &fakePowerStore{
		entries: []models.PowerParametersEntry{{SystemID: "m1"}},
	}
	racks := &fakeRackCaller{
		racks: []string{"rack-a"},
		err:   errors.New("rack unreachable"),
	}

	require.NoError(t, testPowerService(store, racks).Sweep(context.Background()))
	assert.Equal(t, "unknown", store.states["m1"])
	assert.Equal(t, []string{"m1"}, store.queried)
}
