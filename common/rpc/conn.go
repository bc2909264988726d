package rpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/metalgrid/regiond/common/logger"
)

// Responder handles commands asked by the peer. Handlers run off the read
// loop, one goroutine per incoming ask, and either return a response or one
// of the command's declared errors.
type Responder interface {
	HandleCommand(ctx context.Context, conn *Conn, cmd *Command, args ArgMap) (ArgMap, *CallError)
}

// ConnOptions configure one session.
type ConnOptions struct {
	Registry    *Registry
	Responder   Responder
	Log         *logger.Logger
	CallTimeout time.Duration // default 30s
	PeerVersion int           // default CurrentVersion
}

type pendingCall struct {
	cmd *Command
	ch  chan Box
}

// Conn is one bidirectional RPC session. Outgoing calls are multiplexed by
// ask id; incoming asks are dispatched to the Responder.
type Conn struct {
	transport io.ReadWriteCloser
	opts      ConnOptions
	log       *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingCall
	nextAsk uint64
	ident   string
	version int

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	onClose func(*Conn, error)
}

// NewConn wraps a transport in a session and starts its read loop.
func NewConn(transport io.ReadWriteCloser, opts ConnOptions) *Conn {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.PeerVersion <= 0 {
		opts.PeerVersion = CurrentVersion
	}
	c := &Conn{
		transport: transport,
		opts:      opts,
		log:       opts.Log,
		pending:   make(map[string]pendingCall),
		closed:    make(chan struct{}),
		version:   opts.PeerVersion,
	}
	go c.readLoop()
	return c
}

// OnClose registers a callback invoked once when the session ends.
func (c *Conn) OnClose(fn func(*Conn, error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// SetIdent records the authenticated identity (rack system_id) on the
// session.
func (c *Conn) SetIdent(ident string) {
	c.mu.Lock()
	c.ident = ident
	c.mu.Unlock()
}

// Ident returns the authenticated identity, or "" before registration.
func (c *Conn) Ident() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// SetVersion records the negotiated protocol version.
func (c *Conn) SetVersion(v int) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

// Version returns the negotiated protocol version.
func (c *Conn) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// RemoteAddr returns the peer address when the transport is a net.Conn.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.transport.(net.Conn); ok {
		return nc.RemoteAddr().String()
	}
	return "pipe"
}

// Closed returns a channel closed when the session ends.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Close tears the session down.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

// Call sends a command and waits for the answer or a declared error. The
// context may carry a deadline; otherwise the default call timeout applies.
// On timeout the call fails with ErrTimeout and is not retried.
func (c *Conn) Call(ctx context.Context, name string, args ArgMap) (ArgMap, error) {
	cmd := c.opts.Registry.Lookup(name)
	if cmd == nil {
		return nil, fmt.Errorf("%w: unknown command %q", ErrProtocolViolation, name)
	}
	if cmd.Since > c.Version() {
		return nil, fmt.Errorf("command %q requires protocol version %d, peer speaks %d",
			name, cmd.Since, c.Version())
	}

	box, err := encodeFields(cmd.Arguments, args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}

	c.mu.Lock()
	c.nextAsk++
	askID := strconv.FormatUint(c.nextAsk, 10)
	call := pendingCall{cmd: cmd, ch: make(chan Box, 1)}
	c.pending[askID] = call
	c.mu.Unlock()

	box[keyCommand] = []byte(name)
	box[keyAsk] = []byte(askID)

	if err := c.send(box); err != nil {
		c.dropPending(askID)
		return nil, fmt.Errorf("send %s: %w", name, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		c.dropPending(askID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, name)
		}
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrConnClosed
	case reply := <-call.ch:
		return c.decodeReply(cmd, reply)
	}
}

func (c *Conn) decodeReply(cmd *Command, box Box) (ArgMap, error) {
	if _, isErr := box[keyError]; isErr {
		code := string(box[keyErrorCode])
		if !cmd.Declares(code) {
			// Undeclared error codes are a protocol violation and the
			// session cannot be trusted any further.
			err := fmt.Errorf("%w: undeclared error %q for %s",
				ErrProtocolViolation, code, cmd.Name)
			c.fail(err)
			return nil, err
		}
		return nil, &CallError{
			Code:        code,
			Description: string(box[keyErrorDescription]),
		}
	}
	resp, err := decodeFields(cmd.Response, box)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", cmd.Name, err)
	}
	return resp, nil
}

func (c *Conn) readLoop() {
	for {
		box, err := readBox(c.transport)
		if err != nil {
			c.fail(err)
			return
		}

		switch {
		case box[keyAsk] != nil && box[keyCommand] != nil:
			c.handleAsk(box)
		case box[keyAnswer] != nil:
			c.deliver(string(box[keyAnswer]), box)
		case box[keyError] != nil:
			c.deliver(string(box[keyError]), box)
		default:
			c.fail(fmt.Errorf("%w: box with no command, answer or error",
				ErrProtocolViolation))
			return
		}
	}
}

func (c *Conn) handleAsk(box Box) {
	askID := string(box[keyAsk])
	name := string(box[keyCommand])

	cmd := c.opts.Registry.Lookup(name)
	if cmd == nil {
		c.log.Warn("peer asked unknown command", "command", name)
		c.sendError(askID, codeUnhandled, fmt.Sprintf("unknown command %q", name))
		return
	}

	args, err := decodeFields(cmd.Arguments, box)
	if err != nil {
		// Malformed arguments are fatal: the peers disagree on the schema.
		c.fail(fmt.Errorf("%w: %s arguments: %v", ErrProtocolViolation, name, err))
		return
	}

	if c.opts.Responder == nil {
		c.sendError(askID, codeUnhandled, "no responder")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		defer cancel()

		resp, callErr := c.opts.Responder.HandleCommand(ctx, c, cmd, args)
		if callErr != nil {
			if !cmd.Declares(callErr.Code) {
				c.log.Error("handler returned undeclared error code",
					"command", name, "code", callErr.Code)
			}
			c.sendError(askID, callErr.Code, callErr.Description)
			return
		}

		replyBox, err := encodeFields(cmd.Response, resp)
		if err != nil {
			c.log.Error("encode response failed", "command", name, "error", err)
			c.sendError(askID, codeUnhandled, "response encoding failed")
			return
		}
		replyBox[keyAnswer] = []byte(askID)
		if err := c.send(replyBox); err != nil {
			c.log.Warn("send answer failed", "command", name, "error", err)
		}
	}()
}

func (c *Conn) sendError(askID, code, description string) {
	box := Box{
		keyError:            []byte(askID),
		keyErrorCode:        []byte(code),
		keyErrorDescription: []byte(description),
	}
	if err := c.send(box); err != nil {
		c.log.Warn("send error reply failed", "code", code, "error", err)
	}
}

func (c *Conn) send(box Box) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeBox(c.transport, box)
}

func (c *Conn) deliver(askID string, box Box) {
	c.mu.Lock()
	call, ok := c.pending[askID]
	delete(c.pending, askID)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("reply for unknown ask", "ask", askID)
		return
	}
	call.ch <- box
}

func (c *Conn) dropPending(askID string) {
	c.mu.Lock()
	delete(c.pending, askID)
	c.mu.Unlock()
}

// fail ends the session exactly once: pending calls unblock with
// ErrConnClosed via the closed channel, the transport is closed, and the
// close callback fires.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.transport.Close()

		c.mu.Lock()
		onClose := c.onClose
		c.pending = make(map[string]pendingCall)
		c.mu.Unlock()

		if onClose != nil {
			onClose(c, err)
		}
	})
}
