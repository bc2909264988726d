package rpcserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/registry"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rackResponder plays the rack side of the handshake.
type rackResponder struct {
	secret []byte
}

func (r *rackResponder) HandleCommand(ctx context.Context, conn *rpc.Conn, cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	if cmd.Name != rpc.Authenticate.Name {
		return nil, rpc.NewCallError("UNHANDLED", cmd.Name)
	}
	message, _ := args["message"].([]byte)
	salt, err := rpc.NewSalt()
	if err != nil {
		return nil, rpc.NewCallError(rpc.CodeAuthenticationFailed, err.Error())
	}
	return rpc.ArgMap{
		"digest": rpc.ComputeDigest(r.secret, message, salt),
		"salt":   salt,
	}, nil
}

// regionResponder answers RegisterRackController with a fixed identity.
type regionResponder struct{}

func (regionResponder) HandleCommand(ctx context.Context, conn *rpc.Conn, cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	if cmd.Name != rpc.RegisterRackController.Name {
		return nil, rpc.NewCallError("UNHANDLED", cmd.Name)
	}
	conn.SetIdent("rack01")
	return rpc.ArgMap{"system_id": "rack01"}, nil
}

type fakeTracker struct {
	mu           sync.Mutex
	unregistered []string
}

func (f *fakeTracker) Unregister(ctx context.Context, systemID string, conn registry.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, systemID)
}

func startServer(t *testing.T, secret []byte) (*Server, *fakeTracker) {
	t.Helper()
	tracker := &fakeTracker{}
	srv := New(Options{
		Addr:        "127.0.0.1:0",
		Secret:      secret,
		Registry:    rpc.DefaultRegistry(),
		Responder:   regionResponder{},
		Sessions:    tracker,
		Log:         logger.New("error", "json"),
		CallTimeout: 2 * time.Second,
		AuthTimeout: 2 * time.Second,
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, tracker
}

func dialRack(t *testing.T, addr string, secret []byte) *rpc.Conn {
	t.Helper()
	netConn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn := rpc.NewConn(netConn, rpc.ConnOptions{
		Registry:    rpc.DefaultRegistry(),
		Responder:   &rackResponder{secret: secret},
		Log:         logger.New("error", "json"),
		CallTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandshakeAndRegistration(t *testing.T) {
	secret := []byte("cluster-secret")
	srv, tracker := startServer(t, secret)
	rack := dialRack(t, srv.Addr(), secret)

	reply, err := rack.Call(context.Background(), rpc.RegisterRackController.Name, rpc.ArgMap{
		"hostname":   "rack01",
		"interfaces": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "rack01", reply["system_id"])

	rack.Close()
	assert.Eventually(t, func() bool {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		return len(tracker.unregistered) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWrongSecretIsDisconnected(t *testing.T) {
	srv, tracker := startServer(t, []byte("cluster-secret"))
	rack := dialRack(t, srv.Addr(), []byte("wrong-secret"))

	select {
	case <-rack.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection with wrong secret was not closed")
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.unregistered, "unauthenticated peers never reach the registry")
}

// deafResponder never answers the region's Authenticate challenge.
type deafResponder struct{}

func (deafResponder) HandleCommand(ctx context.Context, conn *rpc.Conn, cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	return nil, rpc.NewCallError("UNHANDLED", cmd.Name)
}

func TestCommandsBeforeHandshakeAreNotDispatched(t *testing.T) {
	srv, tracker := startServer(t, []byte("cluster-secret"))

	netConn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	rogue := rpc.NewConn(netConn, rpc.ConnOptions{
		Registry:    rpc.DefaultRegistry(),
		Responder:   deafResponder{},
		Log:         logger.New("error", "json"),
		CallTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { rogue.Close() })

	_, err = rogue.Call(context.Background(), rpc.RegisterRackController.Name, rpc.ArgMap{
		"hostname":   "rogue",
		"interfaces": map[string]any{},
	})
	require.Error(t, err, "registration must not execute before the handshake")

	select {
	case <-rogue.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("unauthenticated session was not closed")
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.unregistered, "rogue session never held an identity")
}

func TestStopClosesSessions(t *testing.T) {
	secret := []byte("cluster-secret")
	srv, _ := startServer(t, secret)
	rack := dialRack(t, srv.Addr(), secret)

	_, err := rack.Call(context.Background(), rpc.RegisterRackController.Name, rpc.ArgMap{
		"hostname":   "rack01",
		"interfaces": map[string]any{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case <-rack.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("session survived server stop")
	}
}
