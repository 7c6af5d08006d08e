package sprotocol

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Peer identifies the process at the other end of an accepted connection.
// Fields are zero when the platform cannot report them.
type Peer struct {
	PID      int
	UID, GID uint32
}

// Handler serves workers that connected to a Server.
type Handler interface {
	// Handle is called with a channel whose handshake succeeded.
	// The implementation owns the channel and must close it.
	Handle(ctx context.Context, c *Channel, peer Peer)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, c *Channel, peer Peer)

func (f HandlerFunc) Handle(ctx context.Context, c *Channel, peer Peer) { f(ctx, c, peer) }

// Server accepts worker connections on a UNIX socket.
type Server struct {
	listener        *net.UnixListener
	logger          Logger
	shutdownTimeout time.Duration
	channelOpts     []Option

	mu       sync.Mutex
	closing  bool
	closeNow chan struct{} // cuts the shutdown timeout short
	stopped  chan struct{} // closed once the shutdown watcher exits
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption delays closing the listener after the Serve
// context is canceled, so workers already dialing still get a channel.
// Default is 0 (immediate).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerChannelOption sets the options of every accepted channel.
func ServerChannelOption(opt ...Option) ServerOption {
	return func(s *Server) {
		s.channelOpts = append(s.channelOpts, opt...)
	}
}

// Listen creates a server bound to the UNIX socket at path. A stale socket
// left at path by a previous run is removed; any other file is an error.
func Listen(path string, opts ...ServerOption) (*Server, error) {
	if st, err := os.Lstat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrap(err, "sprotocol: remove stale socket")
		}
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrap(err, "sprotocol: listen")
	}
	listener.SetUnlinkOnClose(true)

	s := &Server{
		listener: listener,
		logger:   defaultLogger(),
		closeNow: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve accepts workers, performs the handshake and hands each channel to
// handler on its own goroutine. Workers failing the handshake are logged
// and disconnected. It returns ctx.Err() once ctx is canceled, or the
// accept error, after the running handlers returned.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	group, gctx := errgroup.WithContext(ctx)
	defer group.Wait()

	done := make(chan struct{})
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		s.stopOnDone(ctx, done)
	}()
	defer func() {
		close(done)
		<-s.stopped
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if s.isClosing() {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "sprotocol: accept")
		}

		group.Go(func() error {
			s.serveConn(gctx, conn, handler)
			return nil
		})
	}
}

// stopOnDone unblocks Accept once ctx is done and the shutdown timeout,
// if any, elapsed. It returns early when Serve returned on its own.
func (s *Server) stopOnDone(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	if s.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
		select {
		case <-time.After(s.shutdownTimeout):
		case <-s.closeNow:
		case <-done:
			return
		}
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	_ = s.listener.SetDeadline(time.Now())
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn, handler Handler) {
	peer := peerOf(conn)

	c, err := NewConn(conn, s.channelOpts...)
	if err != nil {
		s.logger.Error("channel setup failed", "pid", peer.PID, "error", err)
		return
	}

	ok, err := c.Handshake()
	if err != nil || !ok {
		s.logger.Warn("worker rejected", "pid", peer.PID, "error", err)
		c.Close()
		return
	}

	s.logger.Debug("worker accepted", "pid", peer.PID, "uid", peer.UID)
	handler.Handle(ctx, c, peer)
}

// Close stops accepting workers, skipping any remaining shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	select {
	case s.closeNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
