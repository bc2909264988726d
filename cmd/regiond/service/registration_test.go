package service

import (
	"context"
	"testing"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/cmd/regiond/repository"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRackTx is an in-memory RackTx backed by maps.
type fakeRackTx struct {
	controllers map[string]*models.Controller // keyed by system_id
	interfaces  map[string][]models.Interface
	domains     map[string]*models.Domain
	nextDomain  int64
	migrated    map[string]string // nodegroup uuid -> rack system_id
}

func newFakeRackTx() *fakeRackTx {
	return &fakeRackTx{
		controllers: map[string]*models.Controller{},
		interfaces:  map[string][]models.Interface{},
		domains: map[string]*models.Domain{
			"maas": {ID: 1, Name: "maas", Authoritative: true},
		},
		nextDomain: 1,
		migrated:   map[string]string{},
	}
}

func (f *fakeRackTx) ControllerBySystemID(ctx context.Context, systemID string) (*models.Controller, error) {
	if c, ok := f.controllers[systemID]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRackTx) ControllerByHostname(ctx context.Context, hostname string) (*models.Controller, error) {
	for _, c := range f.controllers {
		if c.Hostname == hostname {
			copied := *c
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRackTx) ControllerByMAC(ctx context.Context, mac string) (*models.Controller, error) {
	for systemID, ifaces := range f.interfaces {
		for _, iface := range ifaces {
			if iface.MAC == mac {
				copied := *f.controllers[systemID]
				return &copied, nil
			}
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRackTx) CreateController(ctx context.Context, c *models.Controller) error {
	copied := *c
	f.controllers[c.SystemID] = &copied
	return nil
}

func (f *fakeRackTx) UpdateController(ctx context.Context, c *models.Controller) error {
	copied := *c
	f.controllers[c.SystemID] = &copied
	return nil
}

func (f *fakeRackTx) ReplaceInterfaces(ctx context.Context, systemID string, ifaces []models.Interface) error {
	f.interfaces[systemID] = append([]models.Interface(nil), ifaces...)
	return nil
}

func (f *fakeRackTx) DomainByName(ctx context.Context, name string) (*models.Domain, error) {
	if d, ok := f.domains[name]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRackTx) CreateDomain(ctx context.Context, name string, authoritative bool) (*models.Domain, error) {
	f.nextDomain++
	d := &models.Domain{ID: f.nextDomain, Name: name, Authoritative: authoritative}
	f.domains[name] = d
	return d, nil
}

func (f *fakeRackTx) DefaultDomain(ctx context.Context) (*models.Domain, error) {
	return f.domains["maas"], nil
}

func (f *fakeRackTx) MigrateLegacyCluster(ctx context.Context, nodegroupUUID, rackSystemID string) (bool, error) {
	if _, done := f.migrated[nodegroupUUID]; done {
		return false, nil
	}
	f.migrated[nodegroupUUID] = rackSystemID
	return true, nil
}

// fakeRackStore hands every registration the same transaction so tests can
// inspect the end state.
type fakeRackStore struct {
	tx *fakeRackTx
}

func (f *fakeRackStore) WithStartupLock(ctx context.Context, fn func(ctx context.Context, tx repository.RackTx) error) error {
	return fn(ctx, f.tx)
}

func testService(t *testing.T) (*RegistrationService, *fakeRackTx) {
	t.Helper()
	tx := newFakeRackTx()
	return NewRegistrationService(&fakeRackStore{tx: tx}, logger.New("error", "json")), tx
}

func TestRegisterNewRack(t *testing.T) {
	svc, tx := testService(t)

	c, err := svc.Register(context.Background(), RegistrationRequest{
		Hostname: "rack01",
		Version:  "3.4.0",
		Interfaces: []models.Interface{
			{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01", Type: "physical", Enabled: true},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.SystemID)
	assert.Equal(t, models.TypeRackController, c.Type)
	assert.Equal(t, "3.4.0", c.Version)
	assert.Len(t, tx.interfaces[c.SystemID], 1)
}

func TestRegisterIsIdempotent(t *testing.T) {
	svc, tx := testService(t)
	req := RegistrationRequest{
		Hostname: "rack01",
		Interfaces: []models.Interface{
			{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01"},
		},
	}

	first, err := svc.Register(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.SystemID, second.SystemID)
	assert.Len(t, tx.controllers, 1)
}

func TestRegisterResolvesByMACWhenHostnameChanged(t *testing.T) {
	svc, _ := testService(t)

	first, err := svc.Register(context.Background(), RegistrationRequest{
		Hostname:   "rack01",
		Interfaces: []models.Interface{{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01"}},
	})
	require.NoError(t, err)

	second, err := svc.Register(context.Background(), RegistrationRequest{
		Hostname:   "rack01-renamed",
		Interfaces: []models.Interface{{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01"}},
	})
	require.NoError(t, err)

	assert.Equal(t, first.SystemID, second.SystemID)
	assert.Equal(t, "rack01-renamed", second.Hostname)
}

func TestRegisterUpgradesRegionToRegionAndRack(t *testing.T) {
	svc, tx := testService(t)
	tx.controllers["abc123"] = &models.Controller{
		SystemID: "abc123",
		Hostname: "region01",
		Type:     models.TypeRegionController,
	}

	c, err := svc.Register(context.Background(), RegistrationRequest{
		SystemID: "abc123",
		Hostname: "region01",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TypeRegionAndRackController, c.Type)
}

func TestRegisterUpgradesMachineToRack(t *testing.T) {
	svc, tx := testService(t)
	tx.controllers["abc123"] = &models.Controller{
		SystemID: "abc123",
		Hostname: "host01",
		Type:     models.TypeMachine,
	}

	c, err := svc.Register(context.Background(), RegistrationRequest{
		SystemID: "abc123",
		Hostname: "host01",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TypeRackController, c.Type)
}

func TestRegisterAssignsWorkerOwner(t *testing.T) {
	svc, _ := testService(t)

	c, err := svc.Register(context.Background(), RegistrationRequest{Hostname: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, models.WorkerUser, c.Owner)
}

func TestRegisterDefaultsOwnerOnUnownedMachine(t *testing.T) {
	svc, tx := testService(t)
	tx.controllers["abc123"] = &models.Controller{
		SystemID: "abc123",
		Hostname: "host01",
		Type:     models.TypeMachine,
	}

	c, err := svc.Register(context.Background(), RegistrationRequest{
		SystemID: "abc123",
		Hostname: "host01",
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkerUser, c.Owner)
	assert.Equal(t, models.WorkerUser, tx.controllers["abc123"].Owner)
}

func TestRegisterPreservesExistingOwner(t *testing.T) {
	svc, tx := testService(t)
	tx.controllers["abc123"] = &models.Controller{
		SystemID: "abc123",
		Hostname: "host01",
		Type:     models.TypeMachine,
		Owner:    "alice",
	}

	c, err := svc.Register(context.Background(), RegistrationRequest{
		SystemID: "abc123",
		Hostname: "host01",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Owner)
	assert.Equal(t, "alice", tx.controllers["abc123"].Owner)
}

func TestRegisterCreatesNonAuthoritativeDomain(t *testing.T) {
	svc, tx := testService(t)

	c, err := svc.Register(context.Background(), RegistrationRequest{
		Hostname: "rack01.lab.example",
	})
	require.NoError(t, err)
	assert.Equal(t, "rack01", c.Hostname)

	domain := tx.domains["lab.example"]
	require.NotNil(t, domain)
	assert.False(t, domain.Authoritative)
	assert.Equal(t, domain.ID, c.DomainID)
}

func TestRegisterKeepsExistingDomainFlag(t *testing.T) {
	svc, tx := testService(t)
	tx.domains["lab.example"] = &models.Domain{ID: 9, Name: "lab.example", Authoritative: true}

	c, err := svc.Register(context.Background(), RegistrationRequest{
		Hostname: "rack01.lab.example",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.DomainID)
	assert.True(t, tx.domains["lab.example"].Authoritative)
}

func TestRegisterDefaultsLegacyVersion(t *testing.T) {
	svc, _ := testService(t)

	c, err := svc.Register(context.Background(), RegistrationRequest{Hostname: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, models.LegacyVersion, c.Version)
}

func TestRegisterReplacesInterfaces(t *testing.T) {
	svc, tx := testService(t)

	first, err := svc.Register(context.Background(), RegistrationRequest{
		Hostname: "rack01",
		Interfaces: []models.Interface{
			{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01"},
			{Name: "eth1", MAC: "aa:bb:cc:dd:ee:02"},
		},
	})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegistrationRequest{
		SystemID:   first.SystemID,
		Hostname:   "rack01",
		Interfaces: []models.Interface{{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01"}},
	})
	require.NoError(t, err)

	ifaces := tx.interfaces[first.SystemID]
	require.Len(t, ifaces, 1)
	assert.Equal(t, "eth0", ifaces[0].Name)
}

func TestRegisterMigratesLegacyClusterOnce(t *testing.T) {
	svc, tx := testService(t)
	req := RegistrationRequest{
		Hostname:      "rack01",
		NodeGroupUUID: "ng-uuid-1",
	}

	first, err := svc.Register(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.SystemID, tx.migrated["ng-uuid-1"])

	_, err = svc.Register(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, tx.migrated, 1)
}

func TestRegisterRequiresHostname(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Register(context.Background(), RegistrationRequest{})
	assert.Error(t, err)
}

func TestNewSystemID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewSystemID()
		assert.Len(t, id, 6)
		for _, r := range id {
			assert.Contains(t, sysIDAlphabet, string(r))
		}
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90)
}
