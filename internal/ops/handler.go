package ops

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"invtasks/internal/task/dispatch"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

const maxArgsBody = 1 << 20

// Handler builds the ops router. Every route sits behind the bearer token
// when cfg.Token is set.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))
	r.Use(bearer(cfg.Token))

	r.Get("/healthz", h.health)
	r.Get("/schedules", h.schedules)
	r.Get("/engine", h.engine)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.tasks)
		r.Post("/{identifier}", h.dispatch)
	})

	if cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", hpprof.Index)
			r.HandleFunc("/cmdline", hpprof.Cmdline)
			r.HandleFunc("/profile", hpprof.Profile)
			r.HandleFunc("/symbol", hpprof.Symbol)
			r.HandleFunc("/trace", hpprof.Trace)
			r.HandleFunc("/{name}", func(w http.ResponseWriter, r *http.Request) {
				hpprof.Handler(chi.URLParam(r, "name")).ServeHTTP(w, r)
			})
		})
	}
	return r
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Gate.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) schedules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Snapshot())
}

func (h *handlers) engine(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "task engine not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.Snapshot())
}

func (h *handlers) tasks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": h.deps.Registry.Identifiers()})
}

type dispatchResponse struct {
	Identifier string `json:"identifier"`
	Sync       bool   `json:"sync"`
	Error      string `json:"error,omitempty"`
	TookMS     int64  `json:"took_ms"`
}

// dispatch offloads the task, or runs it inline with ?sync=1. The body is
// optional: {"args": [...], "kwargs": {...}}.
func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	if !h.deps.Gate.Ready() {
		writeError(w, http.StatusServiceUnavailable, "app registry not ready")
		return
	}
	id := chi.URLParam(r, "identifier")
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))

	var args registry.Args
	dec := json.NewDecoder(io.LimitReader(r.Body, maxArgsBody))
	if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid args: "+err.Error())
		return
	}

	var opts []dispatch.Option
	if sync {
		opts = append(opts, dispatch.ForceSync())
	}
	start := time.Now()
	err := h.deps.Dispatcher.Dispatch(r.Context(), id, args, opts...)
	resp := dispatchResponse{Identifier: id, Sync: sync, TookMS: time.Since(start).Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
		h.log.Warn("manual dispatch failed", logx.String("task", id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	status := http.StatusAccepted
	if sync {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("ops request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
