// Package msgport implements a connection-level wire-protocol handler: it
// frames and deframes fixed-header messages on a byte stream, runs the
// protocol-bootstrap handshake (endianness probe, misrouted-HTTP detection,
// opportunistic TLS upgrade) inline with ordinary traffic, correlates
// requests with responses, and optionally coalesces small outgoing frames
// into a single transport write.
package msgport

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// nextRequestID is shared across all connections in the process so that ids
// stay unique enough to disambiguate in-flight calls on any one connection.
var nextRequestID atomic.Int32

// Conn owns one transport endpoint and frames messages on it.
//
// A Conn is driven by a single owning goroutine: Recv, Say, Reply, Call and
// Piggyback must not be invoked concurrently. The only operations safe from
// other goroutines are Shutdown (and Registry.ShutdownAll, which uses it) —
// shutting down forces any blocked Recv or send on the owning goroutine to
// fail promptly with an I/O error.
type Conn struct {
	conn net.Conn // current stream; replaced on secure-transport upgrade
	raw  net.Conn // underlying socket; Shutdown closes this

	logger   Logger
	opts     options
	registry *Registry

	// awaitingHandshake is true until the first frame has been exchanged.
	// Owning goroutine only.
	awaitingHandshake bool
	pb                *piggybackBuffer
	peer              PeerIdentity
	remote            string // memoized peer address

	id     int64
	tag    atomic.Uint32
	closed atomic.Bool
}

// NewConn wraps an accepted or dialed net.Conn. If a registry is configured
// (RegistryOption) the connection registers itself immediately and remains
// registered until Close.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	c := &Conn{
		conn:              conn,
		raw:               conn,
		logger:            opts.logger,
		opts:              opts,
		registry:          opts.registry,
		awaitingHandshake: true,
	}
	c.tag.Store(opts.tag)

	if c.registry != nil {
		c.registry.Register(c)
	}
	return c, nil
}

// Recv blocks until one complete frame has been read and returns it. The
// bootstrap exchanges (handshake.go) are absorbed transparently: the caller
// only ever sees real frames. A misrouted plaintext request ends the session
// with io.EOF after a courtesy reply. Any other error is fatal to the
// session and the caller is expected to Close the connection.
func (c *Conn) Recv() (*Message, error) {
	for {
		if c.closed.Load() {
			return nil, ErrConnectionClosed
		}

		var hdr [HeaderSize]byte
		c.setReadDeadline()
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.logReadError("read message header", err)
			return nil, errors.Wrap(err, "read message header")
		}
		h := decodeHeader(hdr[:])

		if c.awaitingHandshake {
			action, err := c.handleBootstrap(h, hdr[:])
			if err != nil {
				return nil, err
			}
			switch action {
			case bootstrapAbsorbed:
				continue
			case bootstrapHangup:
				return nil, io.EOF
			}
		}

		if err := h.validate(c.opts.maxMessageSize); err != nil {
			c.logger.Error("received invalid message length",
				"length", h.Length, "min", HeaderSize, "max", c.opts.maxMessageSize,
				"remote", c.Remote())
			return nil, err
		}
		c.awaitingHandshake = false

		length := int(h.Length)
		buf := make([]byte, length, roundUpAlloc(length))
		copy(buf, hdr[:])

		c.setReadDeadline()
		if _, err := io.ReadFull(c.conn, buf[HeaderSize:]); err != nil {
			c.logReadError("read message body", err)
			return nil, errors.Wrap(err, "read message body")
		}
		return &Message{buf: buf}, nil
	}
}

// Say assigns m a fresh request id, marks it as answering responseTo, and
// sends it. If coalesced frames are pending, m either joins them in a single
// combined write or, when it would overflow the staging buffer, the pending
// frames are flushed first and m is written on its own.
func (c *Conn) Say(m *Message, responseTo int32) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	m.setID(nextRequestID.Add(1))
	m.setResponseTo(responseTo)

	if c.pb != nil && c.pb.Len() > 0 {
		if c.pb.Len()+m.Length() > c.pb.Cap() {
			if err := c.pb.Flush(); err != nil {
				return err
			}
		} else {
			if err := c.pb.Append(m); err != nil {
				return err
			}
			return c.pb.Flush()
		}
	}
	return c.write(m.Bytes())
}

// Send sends m without tying it to any request.
func (c *Conn) Send(m *Message) error {
	return c.Say(m, NoResponse)
}

// Reply sends response correlated to the received request.
func (c *Conn) Reply(received, response *Message) error {
	return c.Say(response, received.ID())
}

// ReplyTo sends response correlated to an explicit request id.
func (c *Conn) ReplyTo(response *Message, responseTo int32) error {
	return c.Say(response, responseTo)
}

// Piggyback defers m into the coalescing buffer for a later flush instead of
// writing it now. Frames larger than the buffer's capacity gain nothing from
// coalescing and are sent immediately. The buffer is flushed by the next
// Say, by Flush, or by Close.
func (c *Conn) Piggyback(m *Message, responseTo int32) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if m.Length() > c.piggybackCapacity() {
		return c.Say(m, responseTo)
	}

	m.setID(nextRequestID.Add(1))
	m.setResponseTo(responseTo)

	if c.pb == nil {
		c.pb = newPiggybackBuffer(c, c.piggybackCapacity())
	}
	return c.pb.Append(m)
}

// Flush writes out any coalesced frames still staged.
func (c *Conn) Flush() error {
	if c.pb == nil {
		return nil
	}
	return c.pb.Flush()
}

// Call sends request and blocks until the peer's answer to it arrives.
// Frames that answer nothing (responseTo 0 or NoResponse) may legitimately
// interleave in duplex use and are skipped. A frame answering some other
// request means the stream is desynchronized: Call returns a
// *CorrelationError and leaves the session's fate to the caller.
func (c *Conn) Call(request *Message) (*Message, error) {
	if err := c.Send(request); err != nil {
		return nil, err
	}

	for {
		response, err := c.Recv()
		if err != nil {
			return nil, err
		}

		responseTo := response.ResponseTo()
		if responseTo == request.ID() {
			return response, nil
		}
		if responseTo == 0 || responseTo == NoResponse {
			c.logger.Debug("skipping uncorrelated frame during call",
				"id", response.ID(), "op", response.Opcode(), "remote", c.Remote())
			continue
		}

		cerr := &CorrelationError{
			Expected:   request.ID(),
			Got:        responseTo,
			ResponseID: response.ID(),
			Opcode:     response.Opcode(),
			Remote:     c.Remote(),
		}
		c.logger.Error("response correlation mismatch",
			"expected", cerr.Expected, "got", cerr.Got,
			"response_id", cerr.ResponseID, "op", cerr.Opcode, "remote", cerr.Remote)
		return nil, cerr
	}
}

// Shutdown forces the underlying socket closed. It is idempotent and safe to
// call from any goroutine; a Recv or send blocked on the owning goroutine
// fails promptly once it runs.
func (c *Conn) Shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

// Close ends the session: pending coalesced frames are flushed best-effort,
// the socket is shut down, and the connection leaves its registry. Safe to
// call multiple times.
func (c *Conn) Close() error {
	if c.pb != nil && !c.closed.Load() {
		if err := c.pb.Flush(); err != nil {
			c.logger.Debug("flush on close failed", "remote", c.Remote(), "error", err)
		}
	}
	err := c.Shutdown()
	if c.registry != nil {
		c.registry.Deregister(c)
	}
	return err
}

// IsClosed reports whether Shutdown or Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Remote returns the peer address, resolved once and memoized.
func (c *Conn) Remote() string {
	if c.remote == "" {
		if addr := c.raw.RemoteAddr(); addr != nil {
			c.remote = addr.String()
		}
	}
	return c.remote
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

// Tag returns the connection's classification bitmask.
func (c *Conn) Tag() uint32 {
	return c.tag.Load()
}

// SetTag replaces the connection's classification bitmask. Tags are opaque
// to this package and consulted only by Registry.ShutdownAll.
func (c *Conn) SetTag(tag uint32) {
	c.tag.Store(tag)
}

// ID returns the connection id assigned by SetID, or zero.
func (c *Conn) ID() int64 {
	return c.id
}

// SetID records an application-assigned connection id, used only for
// diagnostics.
func (c *Conn) SetID(id int64) {
	c.id = id
}

// Peer returns the identity established by the secure-transport upgrade, if
// any.
func (c *Conn) Peer() PeerIdentity {
	return c.peer
}

func (c *Conn) piggybackCapacity() int {
	return c.opts.piggybackCapacity
}

// write sends raw bytes directly to the transport, bypassing the coalescer.
// Sending first also ends the bootstrap window: a connection that speaks
// first (a dialing client) must not interpret the reply it then receives as
// a handshake attempt.
func (c *Conn) write(b []byte) error {
	c.awaitingHandshake = false

	if c.opts.socketTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.socketTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		c.logWriteError(err)
		return errors.Wrap(err, "write message")
	}
	return nil
}

func (c *Conn) setReadDeadline() {
	if c.opts.socketTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.socketTimeout))
	}
}

// logReadError logs a failed read, quietly for expected disconnects.
func (c *Conn) logReadError(op string, err error) {
	if isBenignNetError(err) || c.closed.Load() {
		c.logger.Debug("connection ended", "op", op, "remote", c.Remote(), "error", err)
		return
	}
	c.logger.Warn("read failed", "op", op, "remote", c.Remote(), "error", err)
}

func (c *Conn) logWriteError(err error) {
	if isBenignNetError(err) || c.closed.Load() {
		c.logger.Debug("write on ended connection", "remote", c.Remote(), "error", err)
		return
	}
	c.logger.Warn("write failed", "remote", c.Remote(), "error", err)
}
