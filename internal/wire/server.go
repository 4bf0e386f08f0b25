package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/shutdown"
	"github.com/blockdkit/blockdkit/pkg/metrics"
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the "host:port" address to accept connections on.
	ListenAddr string
	// Readonly forces every connection read-only regardless of what the
	// client negotiates, independent of any readonly filter in the
	// pipeline itself.
	Readonly bool
	// UsingTLS reports whether connections are already wrapped in TLS by
	// the time they reach the server (this package does no TLS handshake
	// of its own); passed straight through to Open/ListExports.
	UsingTLS bool
	// IdleTimeout closes a connection that exchanges no frames for this
	// long. Zero disables idle timeouts.
	IdleTimeout time.Duration
	// ExitSignal, if set, is polled between accepts; once it fires the
	// server stops accepting new connections and Serve returns, letting
	// in-flight connections drain on their own. Wired from an exitwhen
	// filter's Signal(), if one is configured in the pipeline.
	ExitSignal *shutdown.Signal
	// Metrics records per-request and per-connection observability. Nil
	// disables metrics collection with zero overhead.
	Metrics metrics.PipelineMetrics
}

// Server accepts TCP connections and drives each one through the
// handshake/negotiation/command-loop protocol against a single, shared
// pipeline topmost backend. Grounded on dittofs's SMBAdapter.Serve
// accept loop (pkg/adapter/smb/smb_adapter.go): per-connection goroutine,
// a WaitGroup tracking in-flight connections, a listener closed on
// shutdown to unblock Accept.
type Server struct {
	cfg Config
	top backend.Backend

	readonly       bool
	usingTLS       bool
	idleTimeout    time.Duration
	effectiveModel backend.ThreadModel

	mu       sync.Mutex
	listener net.Listener
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	connCount int64

	// allRequestsMu is the process-wide request gate for
	// SerializeAllRequests: shared across every connection's
	// Connection.RequestGate rather than each having its own.
	allRequestsMu sync.Mutex

	// connGate admits one connection at a time for SerializeConnections,
	// held for a connection's whole lifetime rather than per-request.
	connGate chan struct{}
}

// New constructs a Server that will dispatch every accepted connection
// against top, the already-assembled pipeline (e.g. from
// registry.Global().Build).
func New(top backend.Backend, cfg Config) *Server {
	return &Server{
		cfg:            cfg,
		top:            top,
		readonly:       cfg.Readonly,
		usingTLS:       cfg.UsingTLS,
		idleTimeout:    cfg.IdleTimeout,
		effectiveModel: pipeline.EffectiveThreadModel(top),
		quit:           make(chan struct{}),
		connGate:       make(chan struct{}, 1),
	}
}

// Serve listens on cfg.ListenAddr and accepts connections until ctx is
// cancelled, Stop is called, or cfg.ExitSignal fires. It blocks until all
// in-flight connections have finished.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("wire: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("wire: listening", logger.Source(s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if s.cfg.ExitSignal != nil {
		go s.watchExitSignal()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				s.wg.Wait()
				return nil
			default:
				logger.Warn("wire: accept failed", logger.Err(err))
				continue
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	if s.effectiveModel == backend.SerializeConnections {
		select {
		case s.connGate <- struct{}{}:
			defer func() { <-s.connGate }()
		case <-s.quit:
			conn.Close()
			return
		}
	}

	count := atomic.AddInt64(&s.connCount, 1)
	metrics.ObserveConnections(s.cfg.Metrics, int(count))
	defer func() {
		count := atomic.AddInt64(&s.connCount, -1)
		metrics.ObserveConnections(s.cfg.Metrics, int(count))
	}()

	sess := &session{
		srv:      s,
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		clientIP: clientIPFrom(conn),
	}
	sess.serve(ctx)
}

// watchExitSignal stops the server from accepting new connections once
// cfg.ExitSignal fires, letting a wire front-end observe an exitwhen
// filter's shutdown flag.
func (s *Server) watchExitSignal() {
	const pollInterval = 250 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if s.cfg.ExitSignal.Quit() {
				logger.Info("wire: exit signal observed, stopping accept loop")
				s.Stop()
				return
			}
		}
	}
}

// Stop closes the listener, unblocking Accept, and prevents future
// accepts. Safe to call more than once and from any goroutine.
func (s *Server) Stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
	})
}

// listExports opens a throwaway context chain (no export name fixed
// yet), queries the advertised exports, and closes it; used to answer
// OptList before the client has committed to an export via OptGo.
func (s *Server) listExports(ctx context.Context, readonly bool) (*export.Set, error) {
	c, err := pipeline.Open(ctx, s.top, readonly, "", s.usingTLS)
	if err != nil {
		return nil, err
	}
	defer pipeline.Close(ctx, c)

	if err := pipeline.Prepare(ctx, c, readonly); err != nil {
		return nil, err
	}
	defer pipeline.Finalize(ctx, c)

	return pipeline.ListExports(ctx, c, readonly, s.usingTLS)
}
