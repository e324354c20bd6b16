package msgport

import (
	"encoding/binary"
	"fmt"
)

// Protocol-bootstrap constants. The values are fixed by the wire protocol
// and must match what clients actually send.
const (
	// httpGetSignature is the bytes "GET " decoded as a little-endian
	// int32: the length field of a client that mistakenly speaks HTTP to
	// this port.
	httpGetSignature int32 = 542393671

	// endianProbeLength in the length field marks an endianness probe, not
	// a real frame.
	endianProbeLength int32 = -1

	// endianMarker is echoed verbatim in response to an endianness probe;
	// the peer inspects the byte order it arrives in.
	endianMarker uint32 = 0x10203040
)

const httpMisrouteBody = "It looks like you are trying to speak HTTP to a wire-protocol port.\n"

// bootstrapAction tells Recv what to do with a header examined while the
// connection is still awaiting its handshake.
type bootstrapAction int

const (
	// bootstrapNone: an ordinary first frame; proceed with normal framing.
	bootstrapNone bootstrapAction = iota
	// bootstrapAbsorbed: a probe was answered; read the next header without
	// exposing the exchange to the caller.
	bootstrapAbsorbed
	// bootstrapHangup: a courtesy reply was sent and the session is over.
	bootstrapHangup
)

// handleBootstrap runs one step of the handshake state machine on a header
// received while awaitingHandshake. Branch order matters: the HTTP and
// endianness probes carry length values that would fail validation, so they
// are recognized before the length is checked, and the secure-transport
// heuristic applies only to the very first header on the stream.
func (c *Conn) handleBootstrap(h Header, raw []byte) (bootstrapAction, error) {
	switch {
	case h.Length == httpGetSignature:
		c.logger.Info("plaintext HTTP request on wire-protocol port", "remote", c.Remote())
		reply := fmt.Sprintf("HTTP/1.0 200 OK\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
			len(httpMisrouteBody), httpMisrouteBody)
		if err := c.write([]byte(reply)); err != nil {
			c.logger.Debug("failed to send HTTP courtesy reply", "remote", c.Remote(), "error", err)
		}
		return bootstrapHangup, nil

	case h.Length == endianProbeLength:
		var marker [4]byte
		binary.LittleEndian.PutUint32(marker[:], endianMarker)
		if err := c.write(marker[:]); err != nil {
			return bootstrapNone, err
		}
		c.awaitingHandshake = false
		return bootstrapAbsorbed, nil

	case h.ResponseTo != 0 && h.ResponseTo != NoResponse:
		// A first frame cannot be a reply. These are the opening bytes of
		// a secure-transport client handshake smuggled ahead of framing.
		if c.opts.upgrader == nil {
			c.logger.Error("secure-transport handshake received but not configured", "remote", c.Remote())
			return bootstrapNone, ErrSecureTransportUnavailable
		}
		conn, peer, err := c.opts.upgrader.Upgrade(raw, c.conn)
		if err != nil {
			return bootstrapNone, err
		}
		c.conn = conn
		c.peer = peer
		c.awaitingHandshake = false
		c.logger.Debug("secure transport established", "remote", c.Remote(), "peer", peer.Subject)
		return bootstrapAbsorbed, nil

	case c.opts.secureMode == SecureModeRequired:
		c.logger.Error("plaintext connection rejected, secure transport required", "remote", c.Remote())
		return bootstrapNone, ErrSecureTransportRequired

	default:
		return bootstrapNone, nil
	}
}
