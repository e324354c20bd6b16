package msgport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler is the interface for serving an accepted connection. The handler
// owns the connection: it drives Recv/Say/Reply for the session and must
// Close the connection when done.
type Handler interface {
	Handle(conn *Conn)
}

// Server accepts TCP connections and hands each one, wrapped in a Conn and
// registered with the server's Registry, to a Handler.
type Server struct {
	listener *net.TCPListener
	logger   Logger
	registry *Registry
	connOpts []Option

	shutdownTimeout time.Duration
	skipTags        uint32

	nextConnID atomic.Int64
	shutdown   atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerRegistryOption sets the registry new connections join. By default
// the server creates its own.
func ServerRegistryOption(reg *Registry) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

// ServerConnOption appends an Option applied to every accepted connection.
func ServerConnOption(opt ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opt...)
	}
}

// ServerShutdownTimeoutOption sets how long Serve waits after its context is
// canceled before sweeping live connections. This gives in-flight sessions
// time to finish on their own. Default is 0 (immediate sweep).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerShutdownSkipTagsOption sets the tag mask excluded from the shutdown
// sweep: connections whose tag intersects the mask survive Serve's exit and
// must be closed by their handlers.
func ServerShutdownSkipTagsOption(mask uint32) ServerOption {
	return func(s *Server) {
		s.skipTags = mask
	}
}

// NewServer creates a TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{listener: listener}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = defaultLogger()
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s, nil
}

// Registry returns the registry accepted connections join.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections and dispatches them to the handler, each on its
// own goroutine. It blocks until the context is canceled or the listener
// fails. On cancellation the listener closes, and once the optional shutdown
// timeout elapses every registered connection outside the skip-tag mask is
// shut down.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		s.shutdown.Store(true)
		_ = s.listener.Close()

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			timer := time.NewTimer(s.shutdownTimeout)
			defer timer.Stop()
			<-timer.C
		}
		s.registry.ShutdownAll(s.skipTags)
		return nil
	})

	group.Go(func() error {
		// Waking the watcher on exit guarantees the listener closes and the
		// sweep runs no matter why accepting stopped.
		defer cancel()
		for {
			conn, err := s.listener.AcceptTCP()
			if err != nil {
				if s.shutdown.Load() {
					s.logger.Info("server stopped", "addr", s.Addr())
					return ctx.Err()
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				s.logger.Error("accept error", "error", err)
				return err
			}

			_ = conn.SetNoDelay(true)

			opts := append([]Option{
				RegistryOption(s.registry),
				LoggerOption(s.logger),
			}, s.connOpts...)

			c, err := NewConn(conn, opts...)
			if err != nil {
				s.logger.Error("rejecting connection", "remote", conn.RemoteAddr(), "error", err)
				_ = conn.Close()
				continue
			}
			c.SetID(s.nextConnID.Add(1))

			s.logger.Debug("accepted connection", "conn_id", c.ID(), "remote", c.Remote())
			go handler.Handle(c)
		}
	})

	return group.Wait()
}

// Close stops the server by closing the underlying listener. Any blocked
// Accept calls return with an error. Live connections are untouched; sweep
// them through the registry if needed.
func (s *Server) Close() error {
	s.shutdown.Store(true)
	return s.listener.Close()
}
