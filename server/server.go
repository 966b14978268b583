package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/store"
)

// Server exposes ExecutionService over Connect. The same port speaks the
// Connect, gRPC and gRPC-Web protocols, over HTTP/1.1 or cleartext HTTP/2.
type Server struct {
	pool    *WorkerPool
	service *ExecutionService
	mux     *http.ServeMux
	log     commonlog.Logger

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers   int
	timeout   time.Duration
	maxOutput int
	maxMemory int64
	store     *store.Store
}

// WithWorkers sets how many programs may execute at once. Defaults to
// GOMAXPROCS.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// WithTimeout sets the per-request execution deadline.
func WithTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.timeout = d }
}

// WithMaxOutput caps how many bytes one run may print.
func WithMaxOutput(n int) ServerOption {
	return func(c *serverConfig) { c.maxOutput = n }
}

// WithMaxMemory caps the words (globals, operand stack and call frames) a
// submitted image may size its machine to. Larger images are rejected
// before a machine is allocated.
func WithMaxMemory(words int64) ServerOption {
	return func(c *serverConfig) { c.maxMemory = words }
}

// WithStore records every run (and its image) in st.
func WithStore(st *store.Store) ServerOption {
	return func(c *serverConfig) { c.store = st }
}

// New creates a Server and starts its worker pool.
func New(opts ...ServerOption) *Server {
	cfg := &serverConfig{
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pool := NewWorkerPool(cfg.workers)
	svc := NewExecutionService(pool, cfg.store, cfg.timeout, cfg.maxOutput, cfg.maxMemory)

	s := &Server{
		pool:    pool,
		service: svc,
		mux:     http.NewServeMux(),
		log:     commonlog.GetLogger("stackvm.server"),
	}

	s.mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, svc.Execute))
	s.mux.Handle(DisassembleProcedure, connect.NewUnaryHandler(DisassembleProcedure, svc.Disassemble))
	s.mux.Handle(RunsProcedure, connect.NewUnaryHandler(RunsProcedure, svc.Runs))

	return s
}

// Handler returns the HTTP handler serving all procedures.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.httpServer = &http.Server{
		Addr:      addr,
		Handler:   s.mux,
		Protocols: &protocols,
	}

	s.log.Noticef("stackvm server listening on %s", addr)
	s.log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, ExecuteProcedure)
	s.log.Noticef("  gRPC (binary):       grpc://%s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the HTTP server, if any, and the worker pool.
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warningf("shutdown: %s", err)
		}
	}
	s.pool.Stop()
}
