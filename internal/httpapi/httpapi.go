// Package httpapi exposes the agent over HTTP: chat runs streamed as
// server-sent events, live activity streams off the bus, runtime status,
// screenshots, and config.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	alter "github.com/nevindra/alter"
)

const (
	// defaultSession is the conversation session chat runs share unless
	// the request names one.
	defaultSession = "api"

	// defaultMaxRuns caps concurrent chat runs; excess requests get 429.
	defaultMaxRuns = 3

	// drainTimeout bounds graceful server shutdown.
	drainTimeout = 5 * time.Second
)

// ScreenshotSource resolves a screenshot id to an image file on disk.
type ScreenshotSource interface {
	ScreenshotPath(id string) (string, error)
}

// Server is the HTTP surface over the agent runtime.
type Server struct {
	agent     *alter.Agent
	store     alter.Store
	bus       *alter.Bus
	conscious *alter.Consciousness
	usage     *alter.UsageAccountant
	shots     ScreenshotSource
	logger    *slog.Logger

	maxRuns int64
	sem     *semaphore.Weighted
	active  atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithConsciousness lets chat requests interrupt the autonomous loop.
func WithConsciousness(c *alter.Consciousness) Option {
	return func(s *Server) { s.conscious = c }
}

// WithUsage exposes API usage counters on the status endpoint.
func WithUsage(u *alter.UsageAccountant) Option {
	return func(s *Server) { s.usage = u }
}

// WithScreenshots serves browser screenshots by id.
func WithScreenshots(src ScreenshotSource) Option {
	return func(s *Server) { s.shots = src }
}

// WithMaxRuns caps concurrent chat runs.
func WithMaxRuns(n int) Option {
	return func(s *Server) {
		if n >= 1 {
			s.maxRuns = int64(n)
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the HTTP surface over an agent, store, and event bus.
func New(agent *alter.Agent, store alter.Store, bus *alter.Bus, opts ...Option) *Server {
	s := &Server{
		agent:   agent,
		store:   store,
		bus:     bus,
		maxRuns: defaultMaxRuns,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.maxRuns)
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Post("/api/chat", s.handleChat)
	r.Get("/api/stream/{stream}", s.handleStream)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/screenshots/{id}", s.handleScreenshot)
	r.Get("/api/config", s.handleConfigAll)
	r.Get("/api/config/{key}", s.handleConfigGet)
	r.Put("/api/config/{key}", s.handleConfigSet)
	r.Delete("/api/config/{key}", s.handleConfigDelete)

	return r
}

// Serve runs the HTTP server on addr until ctx is cancelled, then drains
// in-flight requests with a short grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info("http api listening", "addr", addr)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return srv.Shutdown(drainCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type chatRequest struct {
	Message string `json:"message"`
	Session string `json:"session,omitempty"`
}

// handleChat runs the agent once and streams its events as SSE, one event
// per run event, named by the event type.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	if !s.sem.TryAcquire(1) {
		http.Error(w, "too many concurrent runs", http.StatusTooManyRequests)
		return
	}
	defer s.sem.Release(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A live user takes priority over background thinking.
	if s.conscious != nil {
		s.conscious.Interrupt()
	}

	session := req.Session
	if session == "" {
		session = defaultSession
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := s.agent.RunStream(r.Context(), req.Message, alter.WithSession(session))
	for ev := range events {
		writeSSE(w, flusher, string(ev.Type), ev)
	}
}

// handleStream forwards one bus stream as SSE. Bus heartbeats arrive as
// ordinary messages, keeping idle connections alive.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	stream := chi.URLParam(r, "stream")
	switch stream {
	case alter.StreamThoughts, alter.StreamTasks, alter.StreamTimeline:
	default:
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	msgs, cancel := s.bus.Subscribe(stream)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "hello", map[string]string{"stream": stream})

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			writeSSE(w, flusher, msg.Type, msg)
		}
	}
}

type statusResponse struct {
	SurvivalBalance float64                   `json:"survival_balance"`
	ActiveRuns      int64                     `json:"active_runs"`
	MaxRuns         int64                     `json:"max_runs"`
	Memories        int                       `json:"memories"`
	Knowledge       int                       `json:"knowledge"`
	Autonomous      bool                      `json:"autonomous_running"`
	Usage           map[string]alter.APIUsage `json:"usage,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := statusResponse{ActiveRuns: s.active.Load(), MaxRuns: s.maxRuns}
	if balance, err := s.store.SurvivalBalance(ctx); err == nil {
		st.SurvivalBalance = balance
	}
	if n, err := s.store.CountMemory(ctx); err == nil {
		st.Memories = n
	}
	if n, err := s.store.CountKnowledge(ctx); err == nil {
		st.Knowledge = n
	}
	if s.conscious != nil {
		st.Autonomous = s.conscious.Running()
	}
	if s.usage != nil {
		st.Usage = s.usage.Snapshot()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.shots == nil {
		http.Error(w, "screenshots unavailable", http.StatusNotFound)
		return
	}
	path, err := s.shots.ScreenshotPath(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "screenshot not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (s *Server) handleConfigAll(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.AllConfig(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.store.GetConfig(r.Context(), key)
	if errors.Is(err, alter.ErrNotFound) {
		http.Error(w, "unknown config key", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := alter.ValidateConfigValue(key, body.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.SetConfig(r.Context(), key, body.Value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if alter.ConfigProtected(key) {
		http.Error(w, "config key "+key+" is protected", http.StatusForbidden)
		return
	}
	if err := s.store.DeleteConfig(r.Context(), key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSSE(w io.Writer, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
