// Package server accepts TCP connections and runs the HTTP/1.x protocol
// handler on each of them, one goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"example.com/qsonac/internal/config"
	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
	"example.com/qsonac/internal/stream"
	"example.com/qsonac/internal/util"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server: closed")

const (
	// batchAcceptWait bounds each accept after the first in a batch, so a
	// batch only drains connections that are already queued.
	batchAcceptWait = time.Millisecond

	shutdownPollInterval = 10 * time.Millisecond
)

// Hooks customize the per-connection lifecycle. Nil hooks are skipped.
type Hooks struct {
	// Verify decides whether a freshly accepted connection is served.
	// Rejected connections are closed immediately.
	Verify func(conn net.Conn) bool
	// Finish runs after the protocol handler returns and before the
	// connection is shut down. err is nil when the connection ended cleanly.
	Finish func(conn net.Conn, err error)
	// ServiceActions runs once per accept batch.
	ServiceActions func()
}

// Server manages the listening socket, connection goroutines and graceful
// shutdown.
type Server struct {
	settings config.Settings
	log      *logger.Logger
	handler  http1.Handler
	hooks    Hooks

	mu       sync.Mutex
	listener net.Listener

	conns      *xsync.MapOf[*stream.Stream, *http1.Conn]
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	inShutdown atomic.Bool
}

// NewServer creates a Server. handler is usually a *router.Router.
func NewServer(cfg *config.Config, lg *logger.Logger, handler http1.Handler, hooks Hooks) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	settings, err := cfg.Server.Settings()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		settings: settings,
		log:      lg,
		handler:  handler,
		hooks:    hooks,
		conns:    xsync.NewMapOf[*stream.Stream, *http1.Conn](),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Settings returns the resolved server settings.
func (s *Server) Settings() config.Settings { return s.settings }

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int { return s.conns.Size() }

// ListenAndServe binds the configured address and serves on it.
func (s *Server) ListenAndServe() error {
	l, err := util.CreateListener(s.settings.Host, s.settings.Port, s.settings.Backlog)
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s is already in use: %w", s.settings.Addr(), err)
		}
		return err
	}
	return s.Serve(l)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Serve accepts connections on l until Shutdown or a fatal accept error.
// Each round blocks for one connection, then drains up to
// AcceptBatchSize-1 more that are already pending. Serve takes ownership
// of l.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("Listening", logger.LogFields{
		"address":         l.Addr().String(),
		"backlog":         s.settings.Backlog,
		"accept_batch":    s.settings.AcceptBatchSize,
		"timeout":         s.settings.Timeout.String(),
		"max_line_bytes":  s.settings.MaxLineBytes,
		"high_watermark":  s.settings.HighWatermark,
		"low_watermark":   s.settings.LowWatermark,
		"server_name":     s.settings.ServerName,
		"debug_responses": s.settings.Debug,
	})

	dl, _ := l.(deadliner)
	for {
		if dl != nil {
			dl.SetDeadline(time.Time{})
		}
		conn, err := l.Accept()
		if err != nil {
			if ferr := s.acceptFailed(err); ferr != nil {
				return ferr
			}
			continue
		}
		s.spawn(conn)

		for i := 1; i < s.settings.AcceptBatchSize && dl != nil; i++ {
			dl.SetDeadline(time.Now().Add(batchAcceptWait))
			conn, err := l.Accept()
			if err != nil {
				if util.IsTransientAccept(err) {
					break
				}
				if ferr := s.acceptFailed(err); ferr != nil {
					return ferr
				}
				break
			}
			s.spawn(conn)
		}

		if s.hooks.ServiceActions != nil {
			s.hooks.ServiceActions()
		}
	}
}

// acceptFailed classifies an accept error. It returns nil when serving
// should continue, after backing off for resource exhaustion.
func (s *Server) acceptFailed(err error) error {
	switch {
	case s.inShutdown.Load():
		return ErrServerClosed
	case util.IsTransientAccept(err):
		return nil
	case util.IsResourceExhaustion(err):
		s.log.Warn("Accept failed on resource limits; pausing", logger.LogFields{
			"error":       err.Error(),
			"retry_delay": s.settings.AcceptRetryDelay.String(),
			"active":      s.ActiveConnections(),
		})
		t := time.NewTimer(s.settings.AcceptRetryDelay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-s.ctx.Done():
			return ErrServerClosed
		}
	default:
		s.log.Error("Accept failed", logger.LogFields{"error": err.Error()})
		return fmt.Errorf("accept: %w", err)
	}
}

// spawn starts a connection goroutine. The WaitGroup is only grown under
// mu before shutdown begins, so Shutdown's Wait never races an Add.
func (s *Server) spawn(conn net.Conn) {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.handleConn(conn)
}

// handleConn runs verify, process, finish and shutdown for one connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	if s.ctx.Err() != nil {
		conn.Close()
		return
	}
	if !s.verify(conn) {
		s.log.Debug("Connection rejected", logger.LogFields{"remote_addr": remote})
		conn.Close()
		return
	}

	st := stream.New(conn, stream.Options{
		HighWatermark: s.settings.HighWatermark,
		LowWatermark:  s.settings.LowWatermark,
		Timeout:       s.settings.Timeout,
	})
	hc := http1.NewConn(st, s.handler, http1.Options{
		MaxLineBytes: s.settings.MaxLineBytes,
		MaxHeaders:   s.settings.MaxHeaders,
		Debug:        s.settings.Debug,
		ServerName:   s.settings.ServerName,
		Multithread:  true,
	}, s.log)

	s.conns.Store(st, hc)
	defer s.conns.Delete(st)
	s.log.Debug("Connection accepted", logger.LogFields{"remote_addr": remote})

	err := s.process(hc)
	if ferr := s.finish(conn, err); ferr != nil && err == nil {
		err = ferr
	}
	s.shutdownConn(st, remote, err)
}

// recoverPanic turns a panic in one connection's code path into an error
// stored in *err, leaving the rest of the server running.
func (s *Server) recoverPanic(stage string, err *error) {
	if r := recover(); r != nil {
		s.log.Error("Connection "+stage+" panicked", logger.LogFields{
			"panic": fmt.Sprint(r),
			"stack": string(debug.Stack()),
		})
		*err = fmt.Errorf("%s panic: %v", stage, r)
	}
}

// verify runs the Verify hook. A panicking hook rejects the connection.
func (s *Server) verify(conn net.Conn) (ok bool) {
	if s.hooks.Verify == nil {
		return true
	}
	var err error
	defer func() {
		if err != nil {
			ok = false
		}
	}()
	defer s.recoverPanic("verify", &err)
	return s.hooks.Verify(conn)
}

func (s *Server) finish(conn net.Conn, cerr error) (err error) {
	if s.hooks.Finish == nil {
		return nil
	}
	defer s.recoverPanic("finish", &err)
	s.hooks.Finish(conn, cerr)
	return nil
}

// process runs the protocol handler, containing any panic to this connection.
func (s *Server) process(hc *http1.Conn) (err error) {
	defer s.recoverPanic("handler", &err)
	return hc.Serve(s.ctx)
}

// shutdownConn closes gracefully after a clean end and aborts otherwise.
func (s *Server) shutdownConn(st *stream.Stream, remote string, err error) {
	if err != nil {
		s.log.Debug("Aborting connection", logger.LogFields{"remote_addr": remote, "error": err.Error()})
		st.ForceClose()
		return
	}
	if cerr := st.CloseGracefully(); cerr != nil {
		s.log.Debug("Graceful close failed", logger.LogFields{"remote_addr": remote, "error": cerr.Error()})
	}
}

// closeIdle aborts connections waiting for their next request.
func (s *Server) closeIdle() {
	s.conns.Range(func(st *stream.Stream, hc *http1.Conn) bool {
		if hc.Idle() {
			st.ForceClose()
		}
		return true
	})
}

// Shutdown stops accepting, closes idle connections and waits for in-flight
// requests to finish. When ctx expires first, remaining connections are
// aborted and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	l := s.listener
	s.mu.Unlock()
	s.cancel()

	var lerr error
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			lerr = err
		}
	}
	s.log.Info("Shutting down", logger.LogFields{"active": s.ActiveConnections()})

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		s.closeIdle()
		if s.ActiveConnections() == 0 {
			s.wg.Wait()
			return lerr
		}
		select {
		case <-ctx.Done():
			s.log.Warn("Shutdown timed out; aborting connections", logger.LogFields{"active": s.ActiveConnections()})
			s.conns.Range(func(st *stream.Stream, _ *http1.Conn) bool {
				st.ForceClose()
				return true
			})
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run serves until ctx is cancelled, then shuts down within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, ErrServerClosed) {
		return err
	}
	return nil
}
