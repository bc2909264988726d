package service

import (
	"context"
	"testing"

	"github.com/metalgrid/regiond/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponentStore struct {
	set     []string
	cleared []string
}

func (f *fakeComponentStore) SetComponentError(ctx context.Context, component, message string) error {
	f.set = append(f.set, component)
	return nil
}

func (f *fakeComponentStore) ClearComponentError(ctx context.Context, component string) error {
	f.cleared = append(f.cleared, component)
	return nil
}

type fakeCounter struct{ n int }

func (f *fakeCounter) Len() int { return f.n }

func TestStatusStartupWithNoRacksIsQuiet(t *testing.T) {
	store := &fakeComponentStore{}
	svc := NewStatusService(store, &fakeCounter{n: 0}, logger.New("error", "json"))

	require.NoError(t, svc.Check(context.Background()))
	require.NoError(t, svc.Check(context.Background()))
	assert.Empty(t, store.set)
	assert.Empty(t, store.cleared)
}

func TestStatusLosingAllRacksRaisesError(t *testing.T) {
	store := &fakeComponentStore{}
	counter := &fakeCounter{n: 2}
	svc := NewStatusService(store, counter, logger.New("error", "json"))

	require.NoError(t, svc.Check(context.Background()))
	assert.Len(t, store.cleared, 1)

	counter.n = 0
	require.NoError(t, svc.Check(context.Background()))
	assert.Len(t, store.set, 1)
}

func TestStatusRecoveryClearsError(t *testing.T) {
	store := &fakeComponentStore{}
	counter := &fakeCounter{n: 1}
	svc := NewStatusService(store, counter, logger.New("error", "json"))

	require.NoError(t, svc.Check(context.Background()))
	counter.n = 0
	require.NoError(t, svc.Check(context.Background()))
	counter.n = 3
	require.NoError(t, svc.Check(context.Background()))

	assert.Len(t, store.cleared, 2)
}
