package msgport

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// SecureMode is the local policy for secure-transport negotiation.
type SecureMode int

const (
	// SecureModeDisabled never negotiates secure transport. A peer that
	// attempts the upgrade fails with ErrSecureTransportUnavailable unless
	// an upgrader is configured anyway.
	SecureModeDisabled SecureMode = iota
	// SecureModeAllowed upgrades when the peer asks, accepts plaintext
	// otherwise.
	SecureModeAllowed
	// SecureModeRequired rejects peers that do not negotiate secure
	// transport with ErrSecureTransportRequired.
	SecureModeRequired
)

// PeerIdentity is what the secure-transport handshake established about the
// peer. Subject is empty when the peer presented no certificate.
type PeerIdentity struct {
	Subject string
}

// SecureUpgrader completes a secure-transport handshake whose opening bytes
// were already consumed by the framing layer. prefix holds those bytes; the
// returned net.Conn carries the secured stream and replaces the plaintext
// one for the rest of the session.
type SecureUpgrader interface {
	Upgrade(prefix []byte, conn net.Conn) (net.Conn, PeerIdentity, error)
}

// tlsUpgrader is the stock SecureUpgrader backed by crypto/tls in server
// mode.
type tlsUpgrader struct {
	config *tls.Config
}

func (u *tlsUpgrader) Upgrade(prefix []byte, conn net.Conn) (net.Conn, PeerIdentity, error) {
	tc := tls.Server(&prefixConn{Conn: conn, prefix: prefix}, u.config)
	if err := tc.Handshake(); err != nil {
		return nil, PeerIdentity{}, errors.Wrap(err, "tls handshake")
	}

	var peer PeerIdentity
	if state := tc.ConnectionState(); len(state.PeerCertificates) > 0 {
		peer.Subject = state.PeerCertificates[0].Subject.String()
	}
	return tc, peer, nil
}

// prefixConn replays already-read bytes ahead of the underlying stream so
// the TLS layer sees the complete ClientHello.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
