// Package ops serves the operator HTTP endpoints: health, schedule and engine
// snapshots, registered task identifiers, manual dispatch and pprof.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"invtasks/internal/lifecycle"
	"invtasks/internal/task/dispatch"
	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	"invtasks/internal/task/scheduler"
	logx "invtasks/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8085"

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

type SchedulerSnapshotter interface {
	Snapshot() scheduler.Snapshot
}

type EngineSnapshotter interface {
	Snapshot() engine.Snapshot
}

type Identifiers interface {
	Identifiers() []string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, identifier string, args registry.Args, opts ...dispatch.Option) error
}

// Deps are the components the endpoints read from. Nil members make the
// matching endpoints answer 503.
type Deps struct {
	Scheduler  SchedulerSnapshotter
	Engine     EngineSnapshotter
	Registry   Identifiers
	Dispatcher Dispatcher
	Gate       *lifecycle.Gate
}

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	deps Deps
	cfg  Config

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{deps: deps, log: log.With(logx.String("comp", "ops"))}
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Apply starts, stops or restarts the server for cfg. Safe during hot reload.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// Wait for an in-flight stop so the address is free.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}
		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = DefaultAddr
		}
		if cur.Token == "" && !isLoopbackAddr(addr) {
			if !cur.AllowInsecure {
				s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure",
					logx.String("addr", addr))
				return
			}
			s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
			return
		}
		srv := &http.Server{
			Handler:      Handler(cur, s.deps, s.log),
			ReadTimeout:  cur.ReadTimeout,
			WriteTimeout: cur.WriteTimeout,
			IdleTimeout:  cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("ops server stopped with error", logx.Err(err))
			}
		}()

		listenAddr := ln.Addr().String()
		s.log.Info("ops server started",
			logx.String("addr", listenAddr),
			logx.Bool("token_set", cur.Token != ""),
			logx.Bool("pprof", cur.Pprof),
			logx.String("hint", fmt.Sprintf("http://%s/healthz", listenAddr)),
		)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		shutdownCtx := ctx
		if shutdownCtx == nil {
			shutdownCtx = context.Background()
		}
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
