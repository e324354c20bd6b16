package msgport

import (
	"crypto/tls"
	"errors"
	"time"
)

// options holds the configuration for a connection.
type options struct {
	logger   Logger
	registry *Registry

	maxMessageSize    int32
	socketTimeout     time.Duration
	piggybackCapacity int
	tag               uint32

	secureMode SecureMode
	upgrader   SecureUpgrader
}

// Option is a function that configures connection options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// RegistryOption returns an Option that registers the connection with reg
// for its lifetime, making it reachable by Registry.ShutdownAll.
func RegistryOption(reg *Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// MaxMessageSizeOption returns an Option that sets the largest acceptable
// frame length. Received headers declaring more are rejected and the
// connection must be closed.
func MaxMessageSizeOption(size int32) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// SocketTimeoutOption returns an Option that bounds each individual read
// and write on the transport. Zero means no deadline; Call can then block
// indefinitely waiting for its response.
func SocketTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.socketTimeout = timeout
	}
}

// TagOption returns an Option that sets the connection's classification
// bitmask, consulted by Registry.ShutdownAll as an exclusion filter.
func TagOption(tag uint32) Option {
	return func(o *options) {
		o.tag = tag
	}
}

// CoalesceCapacityOption returns an Option that overrides the piggyback
// staging capacity. The default of 1300 bytes keeps a batch within one
// network packet.
func CoalesceCapacityOption(capacity int) Option {
	return func(o *options) {
		o.piggybackCapacity = capacity
	}
}

// SecureModeOption returns an Option that sets the secure-transport policy.
func SecureModeOption(mode SecureMode) Option {
	return func(o *options) {
		o.secureMode = mode
	}
}

// TLSConfigOption returns an Option that enables the stock TLS upgrader
// with config. The connection answers an opportunistic TLS handshake from
// the peer and carries the rest of the session over the secured stream.
func TLSConfigOption(config *tls.Config) Option {
	return func(o *options) {
		o.upgrader = &tlsUpgrader{config: config}
		if o.secureMode == SecureModeDisabled {
			o.secureMode = SecureModeAllowed
		}
	}
}

// SecureUpgraderOption returns an Option that sets a custom secure-transport
// negotiator in place of the stock TLS one.
func SecureUpgraderOption(upgrader SecureUpgrader) Option {
	return func(o *options) {
		o.upgrader = upgrader
		if o.secureMode == SecureModeDisabled {
			o.secureMode = SecureModeAllowed
		}
	}
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = DefaultMaxMessageSize
	}
	if opts.maxMessageSize < HeaderSize {
		return errors.New("max message size smaller than header")
	}

	if opts.piggybackCapacity <= 0 {
		opts.piggybackCapacity = defaultPiggybackCapacity
	}
	if opts.piggybackCapacity < HeaderSize {
		return errors.New("coalesce capacity smaller than header")
	}

	if opts.secureMode == SecureModeRequired && opts.upgrader == nil {
		return errors.New("secure transport required but no TLS config or upgrader set")
	}

	return nil
}
