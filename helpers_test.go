package msgport

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeAddr implements net.Addr for the recording conn.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// recordingConn is a net.Conn whose reads come from a script and whose
// writes are captured individually, so tests can count transport writes.
type recordingConn struct {
	mu     sync.Mutex
	reader *bytes.Reader
	writes [][]byte
	closed bool
}

func newRecordingConn(script []byte) *recordingConn {
	return &recordingConn{reader: bytes.NewReader(script)}
}

func (c *recordingConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.reader.Read(b)
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *recordingConn) writtenAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[i]
}

func (c *recordingConn) LocalAddr() net.Addr                { return fakeAddr("local") }
func (c *recordingConn) RemoteAddr() net.Addr               { return fakeAddr("remote") }
func (c *recordingConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }

// wireFrame builds raw frame bytes the way a peer would put them on the wire.
func wireFrame(id, responseTo, opcode int32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	Header{
		Length:     int32(len(buf)),
		RequestID:  id,
		ResponseTo: responseTo,
		Opcode:     opcode,
	}.encode(buf)
	copy(buf[HeaderSize:], payload)
	return buf
}

// readFrame reads one complete frame from r, peer-side.
func readFrame(t *testing.T, r io.Reader) (Header, []byte) {
	t.Helper()

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	h := decodeHeader(hdr[:])
	payload := make([]byte, int(h.Length)-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	return h, payload
}

// createTestTCPPair creates a connected pair of TCP connections for testing.
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	type dialResult struct {
		conn *net.TCPConn
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		dialed <- dialResult{conn, err}
	}()

	accepted, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	res := <-dialed
	if res.err != nil {
		accepted.Close()
		t.Fatalf("failed to dial: %v", res.err)
	}

	t.Cleanup(func() {
		accepted.Close()
		res.conn.Close()
	})
	return accepted, res.conn
}

// captureLogger records log calls for assertions.
type captureLogger struct {
	mu      sync.Mutex
	entries []capturedEntry
}

type capturedEntry struct {
	level string
	msg   string
}

func (l *captureLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, capturedEntry{level: level, msg: msg})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("debug", msg) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("info", msg) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("warn", msg) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("error", msg) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

// endianMarkerBytes is the wire form of the endianness marker on this host.
func endianMarkerBytes() []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], endianMarker)
	return b[:]
}
