package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/metalgrid/regiond/cmd/regiond/registry"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigLoader struct {
	configs map[string]map[string]any
}

func (f *fakeConfigLoader) Get(ctx context.Context, name string, out any) error {
	cfg, ok := f.configs[name]
	if !ok {
		return errors.New("unset")
	}
	*(out.(*map[string]any)) = cfg
	return nil
}

// fakeBroadcaster mimics the registry's fan-out, failing for the racks
// named in failing.
type fakeBroadcaster struct {
	mu      sync.Mutex
	racks   []string
	failing map[string]bool
	pushes  []pushRecord
}

type pushRecord struct {
	command string
	targets []string
}

func (f *fakeBroadcaster) Connected() []string { return f.racks }

func (f *fakeBroadcaster) CallAll(ctx context.Context, command string, args rpc.ArgMap, opts registry.CallAllOptions) (map[string]rpc.ArgMap, error) {
	targets := opts.Controllers
	if len(targets) == 0 {
		targets = f.racks
	}
	f.mu.Lock()
	f.pushes = append(f.pushes, pushRecord{command: command, targets: append([]string(nil), targets...)})
	f.mu.Unlock()

	replies := map[string]rpc.ArgMap{}
	var errs *multierror.Error
	for _, id := range targets {
		if f.failing[id] {
			errs = multierror.Append(errs, errors.New(id+": unreachable"))
			continue
		}
		replies[id] = rpc.ArgMap{}
	}
	if len(replies) == 0 && errs.ErrorOrNil() != nil {
		return nil, registry.ErrClusterUnavailable
	}
	return replies, errs.ErrorOrNil()
}

func testFanout(racks *fakeBroadcaster) *ConfigFanoutService {
	loader := &fakeConfigLoader{configs: map[string]map[string]any{
		"proxy": {"enabled": true, "port": 8000},
	}}
	return NewConfigFanoutService(loader, racks, logger.New("error", "json"))
}

func TestPushReachesAllRacks(t *testing.T) {
	racks := &fakeBroadcaster{racks: []string{"a", "b"}}
	svc := testFanout(racks)

	require.NoError(t, svc.Push(context.Background(), "proxy"))
	require.Len(t, racks.pushes, 1)
	assert.Equal(t, rpc.ConfigurationUpdated.Name, racks.pushes[0].command)
	assert.Zero(t, svc.PendingRetries())
}

func TestPushPartialFailureQueuesRetry(t *testing.T) {
	racks := &fakeBroadcaster{
		racks:   []string{"a", "b"},
		failing: map[string]bool{"b": true},
	}
	svc := testFanout(racks)

	require.NoError(t, svc.Push(context.Background(), "proxy"))
	assert.Equal(t, 1, svc.PendingRetries())

	// Rack b recovers; the retry targets only the rack that missed it.
	racks.failing = nil
	svc.Retry(context.Background())
	assert.Zero(t, svc.PendingRetries())
	require.Len(t, racks.pushes, 2)
	assert.Equal(t, []string{"b"}, racks.pushes[1].targets)
}

func TestPushTotalFailure(t *testing.T) {
	racks := &fakeBroadcaster{
		racks:   []string{"a"},
		failing: map[string]bool{"a": true},
	}
	svc := testFanout(racks)

	err := svc.Push(context.Background(), "proxy")
	assert.Error(t, err)
	assert.Equal(t, 1, svc.PendingRetries())
}

func TestRetryStillFailingRequeues(t *testing.T) {
	racks := &fakeBroadcaster{
		racks:   []string{"a", "b"},
		failing: map[string]bool{"b": true},
	}
	svc := testFanout(racks)
	require.NoError(t, svc.Push(context.Background(), "proxy"))

	svc.Retry(context.Background())
	assert.Equal(t, 1, svc.PendingRetries())
}

func TestPushUnknownKind(t *testing.T) {
	svc := testFanout(&fakeBroadcaster{racks: []string{"a"}})
	assert.Error(t, svc.Push(context.Background(), "missing"))
}
