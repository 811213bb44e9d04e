package couchkv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/couchkv/frame"
)

var ErrConnectionClosed = errors.New("couchkv: connection closed")

const readBufferSize = 32 * 1024

// Connection is one transport to a data node. Requests are pipelined:
// many can be in flight and responses are matched by opaque id, in any
// order. Writes are not synchronized here; the pool hands a Connection to
// one writer at a time.
type Connection struct {
	conn   net.Conn
	addr   string
	logger *slog.Logger

	opaque atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]*PendingResponse
	closed   bool
	closeErr error

	done      chan struct{}
	createdAt time.Time
	lastUsed  atomic.Int64

	// onFatal is called once when the stream breaks for a reason other than
	// Close
	onFatal func(*Connection, error)
}

// NewConnection wraps an established net.Conn and starts its reader.
func NewConnection(netConn net.Conn, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	c := &Connection{
		conn:      netConn,
		addr:      netConn.RemoteAddr().String(),
		logger:    logger,
		pending:   make(map[uint32]*PendingResponse),
		done:      make(chan struct{}),
		createdAt: now,
	}
	c.lastUsed.Store(now.UnixNano())
	go c.readLoop()
	return c
}

// OnFatal registers fn to run once when the connection breaks for a reason
// other than Close. If it already broke, fn runs immediately.
func (c *Connection) OnFatal(fn func(*Connection, error)) {
	c.mu.Lock()
	c.onFatal = fn
	closed, err := c.closed, c.closeErr
	c.mu.Unlock()

	if closed && !errors.Is(err, ErrConnectionClosed) {
		fn(c, err)
	}
}

// PendingResponse is the handle for a request written to a connection.
type PendingResponse struct {
	opaque uint32
	conn   *Connection
	ch     chan pendingResult
}

type pendingResult struct {
	frame frame.Frame
	err   error
}

// Opaque returns the correlation id of the request.
func (p *PendingResponse) Opaque() uint32 {
	return p.opaque
}

// Await blocks until the response arrives, the connection fails or ctx is
// done. The returned frame owns its memory.
func (p *PendingResponse) Await(ctx context.Context) (frame.Frame, error) {
	select {
	case r := <-p.ch:
		return r.frame, r.err
	case <-ctx.Done():
		p.conn.forget(p.opaque)
		return frame.Frame{}, ctx.Err()
	}
}

// Send writes req with a fresh opaque and registers it for a response.
// A failed write closes the connection: the peer may have received a
// partial frame.
func (c *Connection) Send(req *frame.Request) (*PendingResponse, error) {
	p := &PendingResponse{
		opaque: c.opaque.Add(1),
		conn:   c,
		ch:     make(chan pendingResult, 1),
	}
	req.Opaque = p.opaque

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[p.opaque] = p
	c.mu.Unlock()

	c.lastUsed.Store(time.Now().UnixNano())

	if err := frame.WriteRequest(c.conn, req); err != nil {
		var ce *frame.ConnectionError
		if errors.As(err, &ce) {
			c.fail(err)
			return nil, &writeError{err: err}
		}
		// encoding error, nothing was written
		c.forget(p.opaque)
		return nil, err
	}
	return p, nil
}

// RoundTrip sends req and waits for its response.
func (c *Connection) RoundTrip(ctx context.Context, req *frame.Request) (frame.Frame, error) {
	p, err := c.Send(req)
	if err != nil {
		return frame.Frame{}, err
	}
	return p.Await(ctx)
}

func (c *Connection) readLoop() {
	parser := frame.NewParser()
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			for {
				f, perr := parser.Next()
				if errors.Is(perr, frame.ErrNeedMoreData) {
					break
				}
				if perr != nil {
					c.logger.Error("framing error, closing connection", "addr", c.addr, "error", perr)
					c.fail(perr)
					return
				}
				c.dispatch(f.Clone())
			}
		}
		if err != nil {
			c.fail(&frame.ConnectionError{Op: "read", Err: err})
			return
		}
	}
}

func (c *Connection) dispatch(f frame.Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.Opaque]
	delete(c.pending, f.Opaque)
	c.mu.Unlock()

	if !ok {
		// the caller gave up waiting
		c.logger.Debug("dropping response for unknown opaque", "addr", c.addr, "opaque", f.Opaque, "opcode", f.Opcode)
		return
	}
	p.ch <- pendingResult{frame: f}
}

func (c *Connection) forget(opaque uint32) {
	c.mu.Lock()
	delete(c.pending, opaque)
	c.mu.Unlock()
}

// fail closes the connection and fails every pending request with err.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	onFatal := c.onFatal
	c.mu.Unlock()

	_ = c.conn.Close()
	close(c.done)

	for _, p := range pending {
		p.ch <- pendingResult{err: err}
	}

	if onFatal != nil && !errors.Is(err, ErrConnectionClosed) {
		onFatal(c, err)
	}
}

// Close closes the connection. Pending requests fail with ErrConnectionClosed.
func (c *Connection) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// InFlight returns the number of requests awaiting a response
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastUsed returns when a request was last written
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Addr returns the remote address
func (c *Connection) Addr() string {
	return c.addr
}

// Ping sends a NOOP and waits for the answer.
func (c *Connection) Ping(ctx context.Context) error {
	f, err := c.RoundTrip(ctx, &frame.Request{Opcode: frame.OpNoop})
	if err != nil {
		return err
	}
	if f.Status != frame.StatusSuccess {
		return &statusError{op: frame.OpNoop, status: f.Status}
	}
	return nil
}

// writeError marks a failure after bytes may have reached the peer.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// maybeWritten reports whether err happened after the request could have
// been received by the server.
func maybeWritten(err error) bool {
	var we *writeError
	return errors.As(err, &we)
}

type statusError struct {
	op     frame.Opcode
	status frame.Status
	msg    string
}

func (e *statusError) Error() string {
	if e.msg != "" {
		return e.op.String() + ": " + e.status.String() + ": " + e.msg
	}
	return e.op.String() + ": " + e.status.String()
}
