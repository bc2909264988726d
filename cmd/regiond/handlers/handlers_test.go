package handlers

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/cmd/regiond/repository"
	"github.com/metalgrid/regiond/cmd/regiond/service"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	lastReq    service.RegistrationRequest
	controller *models.Controller
	err        error
}

func (f *fakeRegistrar) Register(ctx context.Context, req service.RegistrationRequest) (*models.Controller, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.controller, nil
}

type fakeControllerInfo struct {
	types  map[string]models.NodeType
	ifaces map[string][]models.Interface
}

func (f *fakeControllerInfo) ControllerType(ctx context.Context, systemID string) (models.NodeType, error) {
	t, ok := f.types[systemID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return t, nil
}

func (f *fakeControllerInfo) UpdateInterfaces(ctx context.Context, systemID string, ifaces []models.Interface) error {
	if _, ok := f.types[systemID]; !ok {
		return repository.ErrNotFound
	}
	if f.ifaces == nil {
		f.ifaces = map[string][]models.Interface{}
	}
	f.ifaces[systemID] = ifaces
	return nil
}

type fakeNodeAdmin struct {
	created  []*models.Node
	macs     [][]string
	statuses map[string]models.NodeStatus
	entries  []models.PowerParametersEntry
	marked   []string
	err      error
}

func (f *fakeNodeAdmin) CreateNode(ctx context.Context, n *models.Node, macs []string) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, n)
	f.macs = append(f.macs, macs)
	return nil
}

func (f *fakeNodeAdmin) SetStatus(ctx context.Context, systemID string, status models.NodeStatus) error {
	if f.err != nil {
		return f.err
	}
	if f.statuses == nil {
		f.statuses = map[string]models.NodeStatus{}
	}
	f.statuses[systemID] = status
	return nil
}

func (f *fakeNodeAdmin) PowerParameters(ctx context.Context, limit int) ([]models.PowerParametersEntry, error) {
	return f.entries, nil
}

func (f *fakeNodeAdmin) MarkPowerQueried(ctx context.Context, systemIDs []string) error {
	f.marked = append(f.marked, systemIDs...)
	return nil
}

type fakeEvents struct {
	mu       sync.Mutex
	recorded []string
}

func (f *fakeEvents) record(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, kind)
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded)
}

func (f *fakeEvents) Insert(ctx context.Context, systemID, typeName, description string, created time.Time) error {
	f.record("system:" + systemID)
	return nil
}

func (f *fakeEvents) InsertByMAC(ctx context.Context, mac, typeName, description string, created time.Time) error {
	f.record("mac:" + mac)
	return nil
}

func (f *fakeEvents) InsertByIP(ctx context.Context, ip, typeName, description string, created time.Time) error {
	f.record("ip:" + ip)
	return nil
}

type fakeConfig struct {
	values map[string]func(out any)
}

func (f *fakeConfig) Get(ctx context.Context, name string, out any) error {
	fn, ok := f.values[name]
	if !ok {
		return repository.ErrNotFound
	}
	fn(out)
	return nil
}

type handlerFixture struct {
	handler     *Handler
	registrar   *fakeRegistrar
	controllers *fakeControllerInfo
	nodes       *fakeNodeAdmin
	events      *fakeEvents
	conn        *rpc.Conn
	registered  []string
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	fx := &handlerFixture{
		registrar: &fakeRegistrar{
			controller: &models.Controller{SystemID: "rack01", Version: "3.4.0"},
		},
		controllers: &fakeControllerInfo{types: map[string]models.NodeType{}},
		nodes:       &fakeNodeAdmin{},
		events:      &fakeEvents{},
	}
	fx.handler = New(Options{
		Secret:      []byte("shared-secret"),
		ClusterUUID: "cluster-uuid",
		Registrar:   fx.registrar,
		Controllers: fx.controllers,
		Nodes:       fx.nodes,
		Events:      fx.events,
		Config:      &fakeConfig{values: map[string]func(any){}},
		Log:         logger.New("error", "json"),
		OnRegistered: func(ctx context.Context, conn *rpc.Conn, systemID string) {
			fx.registered = append(fx.registered, systemID)
		},
	})

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	fx.conn = rpc.NewConn(server, rpc.ConnOptions{
		Registry: rpc.DefaultRegistry(),
		Log:      logger.New("error", "json"),
	})
	t.Cleanup(func() { fx.conn.Close() })
	return fx
}

func (fx *handlerFixture) call(t *testing.T, cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	t.Helper()
	return fx.handler.HandleCommand(context.Background(), fx.conn, cmd, args)
}

func TestAuthenticateComputesDigest(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.Authenticate, rpc.ArgMap{"message": []byte("challenge")})
	require.Nil(t, callErr)

	digest, _ := reply["digest"].([]byte)
	salt, _ := reply["salt"].([]byte)
	require.NotEmpty(t, digest)
	require.Len(t, salt, 16)
	assert.True(t, rpc.VerifyDigest([]byte("shared-secret"), []byte("challenge"), salt, digest))
}

func TestRegisterRackController(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.RegisterRackController, rpc.ArgMap{
		"hostname": "rack01.maas",
		"version":  "3.4.0",
		"interfaces": map[string]any{
			"eth0": map[string]any{"type": "physical", "mac_address": "aa:bb:cc:dd:ee:01"},
		},
	})
	require.Nil(t, callErr)
	assert.Equal(t, "rack01", reply["system_id"])
	assert.Equal(t, "cluster-uuid", reply["uuid"])
	assert.Equal(t, "rack01", fx.conn.Ident())
	assert.Equal(t, []string{"rack01"}, fx.registered)

	require.Len(t, fx.registrar.lastReq.Interfaces, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", fx.registrar.lastReq.Interfaces[0].MAC)
	assert.True(t, fx.registrar.lastReq.Interfaces[0].Enabled)
}

func TestRegisterRackControllerFailure(t *testing.T) {
	fx := newFixture(t)
	fx.registrar.err = assert.AnError

	_, callErr := fx.call(t, rpc.RegisterRackController, rpc.ArgMap{"hostname": "rack01"})
	require.NotNil(t, callErr)
	assert.Equal(t, rpc.CodeCannotRegisterRackController, callErr.Code)
	assert.Empty(t, fx.registered)
}

func TestGetBootConfigDefaults(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.GetBootConfig, rpc.ArgMap{
		"system_id": "node01",
		"local_ip":  "10.0.0.1",
		"remote_ip": "10.0.0.50",
	})
	require.Nil(t, callErr)
	assert.Equal(t, "ubuntu", reply["osystem"])
	assert.Equal(t, "amd64", reply["arch"])
	assert.Contains(t, reply["preseed_url"], "node01")
}

func TestListNodePowerParameters(t *testing.T) {
	fx := newFixture(t)
	fx.nodes.entries = []models.PowerParametersEntry{
		{SystemID: "m1", PowerType: "ipmi"},
		{SystemID: "m2", PowerType: "redfish"},
	}

	reply, callErr := fx.call(t, rpc.ListNodePowerParameters, rpc.ArgMap{"uuid": "cluster-uuid"})
	require.Nil(t, callErr)
	assert.Len(t, reply["nodes"], 2)
	assert.Equal(t, []string{"m1", "m2"}, fx.nodes.marked)
}

func TestUpdateInterfaces(t *testing.T) {
	fx := newFixture(t)
	fx.controllers.types["rack01"] = models.TypeRackController

	_, callErr := fx.call(t, rpc.UpdateInterfaces, rpc.ArgMap{
		"system_id": "rack01",
		"interfaces": map[string]any{
			"eth1": map[string]any{"type": "physical", "mac_address": "aa:bb:cc:dd:ee:02"},
		},
	})
	require.Nil(t, callErr)
	require.Len(t, fx.controllers.ifaces["rack01"], 1)
}

func TestUpdateInterfacesUnknownNode(t *testing.T) {
	fx := newFixture(t)

	_, callErr := fx.call(t, rpc.UpdateInterfaces, rpc.ArgMap{
		"system_id":  "ghost",
		"interfaces": map[string]any{},
	})
	require.NotNil(t, callErr)
	assert.Equal(t, rpc.CodeNoSuchNode, callErr.Code)
}

func TestSendEventAcknowledgesImmediately(t *testing.T) {
	fx := newFixture(t)

	_, callErr := fx.call(t, rpc.SendEvent, rpc.ArgMap{
		"system_id": "m1", "type_name": "NODE_POWERED_ON", "description": "",
	})
	require.Nil(t, callErr)

	assert.Eventually(t, func() bool { return fx.events.count() == 1 }, time.Second, time.Millisecond)
}

func TestSendEventByMACAndIP(t *testing.T) {
	fx := newFixture(t)

	_, callErr := fx.call(t, rpc.SendEventMACAddress, rpc.ArgMap{
		"mac_address": "aa:bb:cc:dd:ee:01", "type_name": "PXE_REQUEST", "description": "",
	})
	require.Nil(t, callErr)
	_, callErr = fx.call(t, rpc.SendEventIPAddress, rpc.ArgMap{
		"ip_address": "10.0.0.50", "type_name": "PXE_REQUEST", "description": "",
	})
	require.Nil(t, callErr)

	assert.Eventually(t, func() bool { return fx.events.count() == 2 }, time.Second, time.Millisecond)
}

func TestCreateNode(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.CreateNode, rpc.ArgMap{
		"architecture":     "amd64/generic",
		"power_type":       "ipmi",
		"power_parameters": `{"power_address": "10.1.0.5"}`,
		"mac_addresses":    []string{"aa:bb:cc:dd:ee:01"},
	})
	require.Nil(t, callErr)
	assert.NotEmpty(t, reply["system_id"])

	require.Len(t, fx.nodes.created, 1)
	assert.Equal(t, "ipmi", fx.nodes.created[0].PowerType)
	assert.Equal(t, "10.1.0.5", fx.nodes.created[0].PowerParameters["power_address"])
}

func TestCreateNodeRepeatedMACsCollapse(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.CreateNode, rpc.ArgMap{
		"architecture": "amd64/generic",
		"power_type":   "ipmi",
		"mac_addresses": []string{
			"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02",
		},
	})
	require.Nil(t, callErr)
	assert.NotEmpty(t, reply["system_id"])

	require.Len(t, fx.nodes.macs, 1)
	assert.Equal(t,
		[]string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"}, fx.nodes.macs[0])
}

func TestCreateNodeMACConflict(t *testing.T) {
	fx := newFixture(t)
	fx.nodes.err = repository.ErrMACInUse

	_, callErr := fx.call(t, rpc.CreateNode, rpc.ArgMap{
		"architecture":  "amd64/generic",
		"power_type":    "ipmi",
		"mac_addresses": []string{"aa:bb:cc:dd:ee:01"},
	})
	require.NotNil(t, callErr)
	assert.Equal(t, rpc.CodeNodeAlreadyExists, callErr.Code)
}

func TestCommissionNode(t *testing.T) {
	fx := newFixture(t)

	_, callErr := fx.call(t, rpc.CommissionNode, rpc.ArgMap{"system_id": "m1", "user": "admin"})
	require.Nil(t, callErr)
	assert.Equal(t, models.StatusCommissioning, fx.nodes.statuses["m1"])
}

func TestGetControllerType(t *testing.T) {
	fx := newFixture(t)
	fx.controllers.types["rack01"] = models.TypeRegionAndRackController

	reply, callErr := fx.call(t, rpc.GetControllerType, rpc.ArgMap{"system_id": "rack01"})
	require.Nil(t, callErr)
	assert.Equal(t, true, reply["is_region"])
	assert.Equal(t, true, reply["is_rack"])

	_, callErr = fx.call(t, rpc.GetControllerType, rpc.ArgMap{"system_id": "ghost"})
	require.NotNil(t, callErr)
	assert.Equal(t, rpc.CodeNoSuchNode, callErr.Code)
}

func TestConfigurationPullsDefaultWhenUnset(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.GetTimeConfiguration, rpc.ArgMap{"system_id": "rack01"})
	require.Nil(t, callErr)
	assert.Equal(t, []string{}, reply["servers"])

	reply, callErr = fx.call(t, rpc.GetSyslogConfiguration, rpc.ArgMap{"system_id": "rack01"})
	require.Nil(t, callErr)
	assert.Equal(t, 5247, reply["port"])
}

func TestProxyConfiguration(t *testing.T) {
	fx := newFixture(t)
	fx.handler.opts.Config = &fakeConfig{values: map[string]func(any){
		"proxy": func(out any) {
			*(out.(*repository.ProxyConfiguration)) = repository.ProxyConfiguration{
				Enabled: true, Port: 8000, Prefer: "v4",
				AllowedCIDRs: []string{"10.0.0.0/8", "192.168.1.0/24"},
			}
		},
	}}

	reply, callErr := fx.call(t, rpc.GetProxyConfiguration, rpc.ArgMap{"system_id": "rack01"})
	require.Nil(t, callErr)
	assert.Equal(t, true, reply["enabled"])
	assert.Equal(t, 8000, reply["port"])
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.0/24"}, reply["allowed_cidrs"])
	assert.Equal(t, true, reply["prefer_v4_proxy"])
}

func TestProxyConfigurationUnsetCIDRs(t *testing.T) {
	fx := newFixture(t)

	reply, callErr := fx.call(t, rpc.GetProxyConfiguration, rpc.ArgMap{"system_id": "rack01"})
	require.Nil(t, callErr)
	assert.Equal(t, []string{}, reply["allowed_cidrs"])
}
