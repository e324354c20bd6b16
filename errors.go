package msgport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Errors surfaced by connection operations.
var (
	// ErrInvalidLength is returned when a received header declares a frame
	// length outside [HeaderSize, max message size]. The connection must be
	// closed; no resynchronization is attempted.
	ErrInvalidLength = errors.New("invalid message length")

	// ErrSecureTransportUnavailable is returned when the peer begins a
	// secure-transport handshake but no upgrader is configured.
	ErrSecureTransportUnavailable = errors.New("secure transport handshake received but not configured")

	// ErrSecureTransportRequired is returned when local policy mandates
	// secure transport and the peer sent a plaintext first frame.
	ErrSecureTransportRequired = errors.New("connection requires secure transport")

	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// CorrelationError reports a frame that claimed to answer a request this
// connection is not waiting for. It signals protocol desynchronization;
// whether that is fatal to the session is the caller's decision.
type CorrelationError struct {
	Expected   int32  // request id Call was waiting for
	Got        int32  // responseTo carried by the offending frame
	ResponseID int32  // the offending frame's own request id
	Opcode     int32  // the offending frame's opcode
	Remote     string // peer address
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("response correlation mismatch: got responseTo %d, expected %d (response id %d, op %d, remote %s)",
		e.Got, e.Expected, e.ResponseID, e.Opcode, e.Remote)
}

// isBenignNetError reports whether err is an expected way for a session to
// end (peer hangup, local shutdown) rather than a fault worth alarming on.
func isBenignNetError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
