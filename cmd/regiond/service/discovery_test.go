package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/regiond/common/locks"
	"github.com/metalgrid/regiond/common/logger"
)

type fakeScanLocker struct {
	contended bool
	err       error
}

func (f *fakeScanLocker) TryDiscovery(ctx context.Context, fn func(context.Context) error) error {
	if f.contended {
		return locks.ErrNotHeld
	}
	if f.err != nil {
		return f.err
	}
	return fn(ctx)
}

func TestDiscoveryScanAnnounces(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := NewDiscoveryService(&fakeScanLocker{}, notifier, logger.New("error", "json"))

	require.NoError(t, svc.Scan(context.Background()))
	require.Len(t, notifier.channels, 1)
	assert.Equal(t, DiscoveryChannel, notifier.channels[0])
	assert.NotEmpty(t, notifier.payloads[0])
}

func TestDiscoveryScanContendedIsQuiet(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := NewDiscoveryService(&fakeScanLocker{contended: true}, notifier, logger.New("error", "json"))

	require.NoError(t, svc.Scan(context.Background()))
	assert.Empty(t, notifier.channels)
}

func TestDiscoveryScanSurfacesLockErrors(t *testing.T) {
	boom := errors.New("connection refused")
	svc := NewDiscoveryService(&fakeScanLocker{err: boom}, &fakeNotifier{}, logger.New("error", "json"))

	err := svc.Scan(context.Background())
	require.ErrorIs(t, err, boom)
}
