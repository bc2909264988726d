// Package registry tracks live rack RPC connections owned by this region
// process and fans RPC calls out across them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/metalgrid/regiond/common/events"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
)

var (
	// ErrNoConnection means the named rack has no live session in this
	// process.
	ErrNoConnection = errors.New("no connection to rack controller")

	// ErrClusterUnavailable means a fan-out call could not reach any rack.
	ErrClusterUnavailable = errors.New("no rack controllers available")
)

// Conn is the call surface the registry needs from a session. *rpc.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	Ident() string
	Version() int
	RemoteAddr() string
	Call(ctx context.Context, name string, args rpc.ArgMap) (rpc.ArgMap, error)
	Close() error
}

// ConnectionStore is the database mirror of the in-process connection map.
type ConnectionStore interface {
	RegisterConnection(ctx context.Context, rackSystemID, endpoint string, version int) error
	UnregisterConnection(ctx context.Context, rackSystemID, endpoint string) error
}

// Registry holds the sessions of every rack connected to this process.
// A rack may hold several sessions at once; per-rack calls pick one at
// random to spread load.
type Registry struct {
	log   *logger.Logger
	store ConnectionStore
	group *events.Group

	mu    sync.RWMutex
	conns map[string][]Conn // rack system_id -> sessions
}

func New(log *logger.Logger, store ConnectionStore) *Registry {
	return &Registry{
		log:   log,
		store: store,
		group: events.NewGroup(),
		conns: make(map[string][]Conn),
	}
}

// Subscribe registers a callback for connect and disconnect events. The
// returned function cancels the subscription.
func (r *Registry) Subscribe(fn func(events.Event)) func() {
	return r.group.Subscribe(fn)
}

// Register adds a session for a rack and mirrors it to the database.
// Database failures are logged but do not reject the session: the mirror
// is advisory and heals on the next registration.
func (r *Registry) Register(ctx context.Context, systemID string, conn Conn) {
	r.mu.Lock()
	r.conns[systemID] = append(r.conns[systemID], conn)
	total := len(r.conns[systemID])
	r.mu.Unlock()

	log := r.log.WithRack(systemID)
	log.Info("rack controller connected",
		"endpoint", conn.RemoteAddr(), "sessions", total)

	if r.store != nil {
		if err := r.store.RegisterConnection(ctx, systemID, conn.RemoteAddr(), conn.Version()); err != nil {
			log.Error("record rack connection", "error", err)
		}
	}
	r.group.Notify(events.Event{
		Type:     events.Connected,
		SystemID: systemID,
		Endpoint: conn.RemoteAddr(),
	})
}

// Unregister drops a session. The event only fires when the session was
// actually present, so a double unregister stays silent.
func (r *Registry) Unregister(ctx context.Context, systemID string, conn Conn) {
	r.mu.Lock()
	sessions := r.conns[systemID]
	found := false
	for i, c := range sessions {
		if c == conn {
			r.conns[systemID] = append(sessions[:i], sessions[i+1:]...)
			found = true
			break
		}
	}
	if len(r.conns[systemID]) == 0 {
		delete(r.conns, systemID)
	}
	r.mu.Unlock()

	if !found {
		return
	}
	log := r.log.WithRack(systemID)
	log.Info("rack controller disconnected", "endpoint", conn.RemoteAddr())

	if r.store != nil {
		if err := r.store.UnregisterConnection(ctx, systemID, conn.RemoteAddr()); err != nil {
			log.Error("remove rack connection", "error", err)
		}
	}
	r.group.Notify(events.Event{
		Type:     events.Disconnected,
		SystemID: systemID,
		Endpoint: conn.RemoteAddr(),
	})
}

// Connected lists the system IDs of every rack with at least one session.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether a rack has a live session.
func (r *Registry) IsConnected(systemID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[systemID]) > 0
}

// Len returns the number of connected racks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) pick(systemID string) (Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.conns[systemID]
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, systemID)
	}
	return sessions[rand.Intn(len(sessions))], nil
}

// Call invokes a command on one rack over a randomly chosen session.
func (r *Registry) Call(ctx context.Context, systemID, command string, args rpc.ArgMap) (rpc.ArgMap, error) {
	conn, err := r.pick(systemID)
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, command, args)
}

// CallRandom invokes a command on any one connected rack, chosen at
// random. Used for work any rack can serve.
func (r *Registry) CallRandom(ctx context.Context, command string, args rpc.ArgMap) (rpc.ArgMap, error) {
	connected := r.Connected()
	if len(connected) == 0 {
		return nil, ErrClusterUnavailable
	}
	return r.Call(ctx, connected[rand.Intn(len(connected))], command, args)
}

// CallAllOptions narrows and shapes a fan-out call.
type CallAllOptions struct {
	// Controllers limits the fan-out to these system IDs. Empty means
	// every connected rack.
	Controllers []string

	// IgnoreErrors collects partial results instead of failing the whole
	// call on the first rack error.
	IgnoreErrors bool
}

// CallAll invokes a command on many racks concurrently. With IgnoreErrors
// the successful replies are returned keyed by system ID alongside an
// aggregate of the failures; without it any rack failure fails the call.
// No reachable target at all is ErrClusterUnavailable either way.
func (r *Registry) CallAll(ctx context.Context, command string, args rpc.ArgMap, opts CallAllOptions) (map[string]rpc.ArgMap, error) {
	targets := opts.Controllers
	if len(targets) == 0 {
		targets = r.Connected()
	}

	type result struct {
		systemID string
		reply    rpc.ArgMap
		err      error
	}
	results := make(chan result, len(targets))
	attempted := 0
	for _, systemID := range targets {
		conn, err := r.pick(systemID)
		if err != nil {
			results <- result{systemID: systemID, err: err}
			attempted++
			continue
		}
		attempted++
		go func(systemID string, conn Conn) {
			reply, err := conn.Call(ctx, command, args)
			results <- result{systemID: systemID, reply: reply, err: err}
		}(systemID, conn)
	}
	if attempted == 0 {
		return nil, ErrClusterUnavailable
	}

	replies := make(map[string]rpc.ArgMap)
	var errs *multierror.Error
	for i := 0; i < attempted; i++ {
		res := <-results
		if res.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.systemID, res.err))
			continue
		}
		replies[res.systemID] = res.reply
	}

	if len(replies) == 0 && errs.ErrorOrNil() != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, errs)
	}
	if opts.IgnoreErrors {
		return replies, errs.ErrorOrNil()
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return replies, nil
}

// CloseAll closes every session, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string][]Conn)
	r.mu.Unlock()

	for _, sessions := range conns {
		for _, c := range sessions {
			_ = c.Close()
		}
	}
}
