// Package rpcserver runs the TCP listener rack controllers dial into.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/registry"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
)

// SessionTracker follows rack sessions through their lifecycle. The
// registry implements it.
type SessionTracker interface {
	Unregister(ctx context.Context, systemID string, conn registry.Conn)
}

// Options configure the server.
type Options struct {
	Addr        string
	Secret      []byte
	Registry    *rpc.Registry
	Responder   rpc.Responder
	Sessions    SessionTracker
	Log         *logger.Logger
	CallTimeout time.Duration

	// AuthTimeout bounds the handshake; unauthenticated peers are cut
	// off after it. Defaults to 10s.
	AuthTimeout time.Duration
}

// Server accepts rack connections, authenticates them, and hands the
// session to the command handler. Commands arriving before the handshake
// completes wait for it; a connection that fails the handshake is closed
// and never reaches the command handler or the registry.
type Server struct {
	opts     Options
	listener net.Listener

	mu     sync.Mutex
	conns  map[*rpc.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	return &Server{opts: opts, conns: make(map[*rpc.Conn]struct{})}
}

func (s *Server) Name() string { return "rpc" }

// Start binds the listen address and begins accepting.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.Log.Info("rpc listener started", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(context.WithoutCancel(ctx))
	return nil
}

// Addr returns the bound listen address, usable once Start returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.opts.Log.Error("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, netConn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, netConn net.Conn) {
	gate := newAuthGate(s.opts.Responder)
	conn := rpc.NewConn(netConn, rpc.ConnOptions{
		Registry:    s.opts.Registry,
		Responder:   gate,
		Log:         s.opts.Log,
		CallTimeout: s.opts.CallTimeout,
	})
	conn.OnClose(func(c *rpc.Conn, err error) {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		if ident := c.Ident(); ident != "" {
			s.opts.Sessions.Unregister(context.WithoutCancel(ctx), ident, c)
		}
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	if err := s.authenticate(ctx, conn); err != nil {
		s.opts.Log.Warn("rack authentication failed",
			"remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	gate.open()
	s.opts.Log.Debug("rack authenticated",
		"remote", conn.RemoteAddr(),
		"version", conn.Version(),
		"commands", len(s.opts.Registry.SupportedBy(conn.Version())))
}

// authGate holds every command except Authenticate until the server has
// verified the peer's digest. A session closed before verification rejects
// the held commands instead of dispatching them.
type authGate struct {
	inner rpc.Responder
	ok    chan struct{}
}

func newAuthGate(inner rpc.Responder) *authGate {
	return &authGate{inner: inner, ok: make(chan struct{})}
}

func (g *authGate) open() {
	close(g.ok)
}

func (g *authGate) HandleCommand(ctx context.Context, conn *rpc.Conn, cmd *rpc.Command, args rpc.ArgMap) (rpc.ArgMap, *rpc.CallError) {
	if cmd.Name == rpc.Authenticate.Name {
		return g.inner.HandleCommand(ctx, conn, cmd, args)
	}
	select {
	case <-g.ok:
		return g.inner.HandleCommand(ctx, conn, cmd, args)
	case <-conn.Closed():
	case <-ctx.Done():
	}
	return nil, rpc.NewCallError("UNHANDLED", "session not authenticated")
}

// authenticate challenges the peer to prove it holds the shared secret.
// The region picks the challenge; the rack replies with an HMAC over it
// plus a salt of its own choosing.
func (s *Server) authenticate(ctx context.Context, conn *rpc.Conn) error {
	challenge, err := rpc.NewChallenge()
	if err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancel()
	reply, err := conn.Call(ctx, rpc.Authenticate.Name, rpc.ArgMap{"message": challenge})
	if err != nil {
		return fmt.Errorf("authenticate call: %w", err)
	}

	digest, _ := reply["digest"].([]byte)
	salt, _ := reply["salt"].([]byte)
	if len(salt) == 0 || len(digest) == 0 {
		return errors.New("peer returned empty digest or salt")
	}
	if !rpc.VerifyDigest(s.opts.Secret, challenge, salt, digest) {
		return errors.New("digest mismatch")
	}
	return nil
}

// Stop closes the listener and every live session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]*rpc.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
