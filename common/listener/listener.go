// Package listener maintains a persistent, auto-reconnecting subscription to
// the Postgres NOTIFY stream and dispatches change events to registered
// per-channel handlers.
//
// The wire-level notification name encodes both the logical channel and an
// action suffix ("node_update"). System channels carry the "sys_" prefix, no
// action suffix, allow exactly one handler, and are dispatched synchronously
// on receipt. Ordinary notifications are deduplicated and drained on a timer.
package listener

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/metalgrid/regiond/common/logger"
)

// SystemPrefix marks low-level signalling channels.
const SystemPrefix = "sys_"

// Action is the change kind carried in the notification name suffix.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var actions = map[string]Action{
	"create": ActionCreate,
	"update": ActionUpdate,
	"delete": ActionDelete,
}

// Handler consumes one ordinary change notification. Handlers must be
// idempotent with respect to final state: the dedup buffer may coalesce
// repeats, so no strict ordering is guaranteed.
type Handler func(ctx context.Context, action Action, id string) error

// SysHandler consumes one system-channel payload, synchronously and in
// receipt order.
type SysHandler func(ctx context.Context, payload string) error

// RegistrationError reports an invalid handler registration.
type RegistrationError struct {
	Channel string
	Reason  string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("cannot register on %q: %s", e.Channel, e.Reason)
}

// State of the listener connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Listening
)

// Notification is a raw NOTIFY message.
type Notification struct {
	Channel string
	Payload string
}

// Conn is the dedicated notification connection. It must run in autocommit
// mode and is never used for queries that mutate state: a long-running query
// elsewhere must not be able to starve the notification channel.
type Conn interface {
	Exec(ctx context.Context, sql string) error
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a new notification connection.
type Dialer func(ctx context.Context) (Conn, error)

// PgDialer returns a Dialer backed by a low-level pgconn connection.
func PgDialer(dsn string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		cfg, err := pgconn.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse listener DSN: %w", err)
		}
		nc := &pgNotifyConn{}
		cfg.OnNotification = func(_ *pgconn.PgConn, n *pgconn.Notification) {
			nc.received = append(nc.received, Notification{Channel: n.Channel, Payload: n.Payload})
		}
		conn, err := pgconn.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect listener: %w", err)
		}
		nc.conn = conn
		return nc, nil
	}
}

type pgNotifyConn struct {
	conn     *pgconn.PgConn
	received []Notification
}

func (c *pgNotifyConn) Exec(ctx context.Context, sql string) error {
	return c.conn.Exec(ctx, sql).Close()
}

func (c *pgNotifyConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	for len(c.received) == 0 {
		if err := c.conn.WaitForNotification(ctx); err != nil {
			return nil, err
		}
	}
	n := c.received[0]
	c.received = c.received[1:]
	return &n, nil
}

func (c *pgNotifyConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// Options tune the listener timings.
type Options struct {
	DrainInterval     time.Duration // default 500ms
	ReconnectInterval time.Duration // default 3s
	AutoReconnect     bool
}

// Registration identifies one registered handler for Unregister.
type Registration struct {
	channel string
	id      int
}

type handlerEntry struct {
	id int
	fn Handler
}

// Listener is the single per-process notification listener.
type Listener struct {
	log  *logger.Logger
	dial Dialer
	opts Options

	mu          sync.Mutex
	state       State
	conn        Conn
	handlers    map[string][]handlerEntry
	sysHandlers map[string]SysHandler
	nextID      int

	pending *pendingSet

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	done    sync.WaitGroup
}

// New creates a listener. Call Start to connect.
func New(dial Dialer, opts Options, log *logger.Logger) *Listener {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 500 * time.Millisecond
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 3 * time.Second
	}
	return &Listener{
		log:         log,
		dial:        dial,
		opts:        opts,
		handlers:    make(map[string][]handlerEntry),
		sysHandlers: make(map[string]SysHandler),
		pending:     newPendingSet(),
	}
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Register adds a handler for an ordinary channel. Multiple handlers may
// accumulate per channel and all are invoked per event. If the listener is
// already connected the channel is registered on the live connection
// immediately.
func (l *Listener) Register(channel string, h Handler) (Registration, error) {
	if strings.HasPrefix(channel, SystemPrefix) {
		return Registration{}, &RegistrationError{
			Channel: channel,
			Reason:  "system channels take a single SysHandler",
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	reg := Registration{channel: channel, id: l.nextID}
	first := len(l.handlers[channel]) == 0
	l.handlers[channel] = append(l.handlers[channel], handlerEntry{id: reg.id, fn: h})

	if first && l.conn != nil {
		if err := l.listenChannel(l.runCtx, l.conn, channel); err != nil {
			l.log.Warn("live LISTEN failed, will retry on reconnect",
				"channel", channel, "error", err)
		}
	}
	return reg, nil
}

// RegisterSystem adds the single handler for a system channel. A second
// registration for the same channel is an error.
func (l *Listener) RegisterSystem(channel string, h SysHandler) (Registration, error) {
	if !strings.HasPrefix(channel, SystemPrefix) {
		return Registration{}, &RegistrationError{
			Channel: channel,
			Reason:  "not a system channel",
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.sysHandlers[channel]; exists {
		return Registration{}, &RegistrationError{
			Channel: channel,
			Reason:  "system channels allow exactly one handler",
		}
	}
	l.sysHandlers[channel] = h
	l.nextID++

	if l.conn != nil {
		if err := l.conn.Exec(l.runCtx, "LISTEN "+quoteIdent(channel)); err != nil {
			l.log.Warn("live LISTEN failed, will retry on reconnect",
				"channel", channel, "error", err)
		}
	}
	return Registration{channel: channel, id: l.nextID}, nil
}

// Unregister removes a previously registered handler. When the last handler
// for a channel is removed the live subscription is cancelled with the
// database.
func (l *Listener) Unregister(reg Registration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if strings.HasPrefix(reg.channel, SystemPrefix) {
		if _, exists := l.sysHandlers[reg.channel]; !exists {
			return fmt.Errorf("channel %q has no handler", reg.channel)
		}
		delete(l.sysHandlers, reg.channel)
		if l.conn != nil {
			if err := l.conn.Exec(l.runCtx, "UNLISTEN "+quoteIdent(reg.channel)); err != nil {
				l.log.Warn("UNLISTEN failed", "channel", reg.channel, "error", err)
			}
		}
		return nil
	}

	entries := l.handlers[reg.channel]
	for i, e := range entries {
		if e.id == reg.id {
			l.handlers[reg.channel] = append(entries[:i], entries[i+1:]...)
			if len(l.handlers[reg.channel]) == 0 {
				delete(l.handlers, reg.channel)
				if l.conn != nil {
					l.unlistenChannel(l.runCtx, l.conn, reg.channel)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("handler not registered on %q", reg.channel)
}

// Start connects and begins dispatching. It returns once the background
// loops are running.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("listener already started")
	}
	l.started = true
	l.runCtx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Unlock()

	l.done.Add(2)
	go l.connectLoop()
	go l.drainLoop()
	return nil
}

// Stop disables auto-reconnect, cancels any in-flight connect attempt and
// tears down gracefully.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.done.Wait()

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.state = Disconnected
	l.mu.Unlock()

	if conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

func (l *Listener) connectLoop() {
	defer l.done.Done()
	ctx := l.runCtx

	for ctx.Err() == nil {
		l.setState(Connecting)
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Error("listener connect failed", "error", err)
			if !l.opts.AutoReconnect || !l.sleepReconnect(ctx) {
				return
			}
			continue
		}

		if err := l.listenAll(ctx, conn); err != nil {
			l.log.Error("listener channel registration failed", "error", err)
			conn.Close(context.WithoutCancel(ctx))
			if !l.opts.AutoReconnect || !l.sleepReconnect(ctx) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.state = Listening
		l.mu.Unlock()
		l.log.Info("listener connected")

		err = l.receive(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.state = Disconnected
		l.mu.Unlock()
		conn.Close(context.WithoutCancel(ctx))

		if ctx.Err() != nil {
			return
		}
		// Any read error is an unrecoverable connection loss.
		l.log.Error("listener connection lost", "error", err)
		if !l.opts.AutoReconnect {
			return
		}
		if !l.sleepReconnect(ctx) {
			return
		}
	}
}

// receive blocks reading notifications until the connection fails.
func (l *Listener) receive(ctx context.Context, conn Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, n)
	}
}

// dispatch routes one raw notification. System messages run synchronously
// and immediately so low-level signals are never reordered; ordinary
// messages go through the dedup buffer.
func (l *Listener) dispatch(ctx context.Context, n *Notification) {
	if strings.HasPrefix(n.Channel, SystemPrefix) {
		l.mu.Lock()
		h, ok := l.sysHandlers[n.Channel]
		l.mu.Unlock()
		if !ok {
			l.log.Warn("notification on unknown system channel", "channel", n.Channel)
			return
		}
		if err := h(ctx, n.Payload); err != nil {
			l.log.Error("system handler failed",
				"channel", n.Channel, "payload", n.Payload, "error", err)
		}
		return
	}

	idx := strings.LastIndex(n.Channel, "_")
	if idx <= 0 {
		l.log.Warn("malformed notification channel", "channel", n.Channel)
		return
	}
	channel, suffix := n.Channel[:idx], n.Channel[idx+1:]
	action, ok := actions[suffix]
	if !ok {
		l.log.Warn("unknown notification action",
			"channel", n.Channel, "action", suffix)
		return
	}

	l.mu.Lock()
	_, registered := l.handlers[channel]
	l.mu.Unlock()
	if !registered {
		l.log.Warn("notification on unregistered channel", "channel", channel)
		return
	}

	l.pending.Add(n.Channel, n.Payload, notification{
		Channel: channel,
		Action:  action,
		ID:      n.Payload,
	})
}

func (l *Listener) drainLoop() {
	defer l.done.Done()
	ticker := time.NewTicker(l.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.runCtx.Done():
			return
		case <-ticker.C:
			l.drainOnce(l.runCtx)
		}
	}
}

// drainOnce pops all pending entries and invokes every handler on each,
// sequentially. A failing handler is logged with its channel and payload and
// does not stop the others, nor the rest of the queue.
func (l *Listener) drainOnce(ctx context.Context) {
	for _, n := range l.pending.PopAll() {
		l.mu.Lock()
		entries := append([]handlerEntry(nil), l.handlers[n.Channel]...)
		l.mu.Unlock()

		for _, e := range entries {
			if err := e.fn(ctx, n.Action, n.ID); err != nil {
				l.log.Error("notification handler failed",
					"channel", n.Channel, "action", n.Action,
					"payload", n.ID, "error", err)
			}
		}
	}
}

func (l *Listener) listenAll(ctx context.Context, conn Conn) error {
	l.mu.Lock()
	ordinary := make([]string, 0, len(l.handlers))
	for ch := range l.handlers {
		ordinary = append(ordinary, ch)
	}
	system := make([]string, 0, len(l.sysHandlers))
	for ch := range l.sysHandlers {
		system = append(system, ch)
	}
	l.mu.Unlock()

	for _, ch := range ordinary {
		if err := l.listenChannel(ctx, conn, ch); err != nil {
			return err
		}
	}
	for _, ch := range system {
		if err := conn.Exec(ctx, "LISTEN "+quoteIdent(ch)); err != nil {
			return err
		}
	}
	return nil
}

// listenChannel subscribes to each action-suffixed wire channel for one
// logical channel.
func (l *Listener) listenChannel(ctx context.Context, conn Conn, channel string) error {
	for suffix := range actions {
		if err := conn.Exec(ctx, "LISTEN "+quoteIdent(channel+"_"+suffix)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) unlistenChannel(ctx context.Context, conn Conn, channel string) {
	for suffix := range actions {
		if err := conn.Exec(ctx, "UNLISTEN "+quoteIdent(channel+"_"+suffix)); err != nil {
			l.log.Warn("UNLISTEN failed", "channel", channel, "error", err)
		}
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) sleepReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.opts.ReconnectInterval):
		return true
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
