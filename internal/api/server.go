// Package api exposes the agent over HTTP.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/felixgeelhaar/noetik/internal/agent"
	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/observe"
	"github.com/felixgeelhaar/noetik/internal/store"
)

// Runner processes one message. *agent.Agent satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// TraceStore lists persisted traces.
type TraceStore interface {
	ListArtifacts(sessionID string) ([]*store.Artifact, error)
	GetArtifact(id string) (*store.Artifact, []byte, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	agent    Runner
	sessions memory.Store
	traces   TraceStore
	events   *agent.EventBus
	observe  *observe.Observer
	upgrader websocket.Upgrader
	server   *http.Server
}

type Option func(*Server)

func WithTraceStore(ts TraceStore) Option {
	return func(s *Server) { s.traces = ts }
}

func WithEventBus(eb *agent.EventBus) Option {
	return func(s *Server) { s.events = eb }
}

func WithObserver(o *observe.Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.observe = o
		}
	}
}

func NewServer(addr string, r Runner, sessions memory.Store, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		agent:    r,
		sessions: sessions,
		observe:  observe.Nop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AgentRequest is the body of POST /v1/agent.
type AgentRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// Trace includes the step trace in the response.
	Trace bool `json:"trace,omitempty"`
	// Render "html" adds the answer rendered from markdown.
	Render string `json:"render,omitempty"`
}

type AgentResponse struct {
	Answer     string       `json:"answer"`
	AnswerHTML string       `json:"answer_html,omitempty"`
	SessionID  string       `json:"session_id"`
	State      agent.State  `json:"state"`
	Reason     agent.Reason `json:"reason"`
	Steps      int          `json:"steps"`
	Retries    int          `json:"retries"`
	Trace      agent.Trace  `json:"trace,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/sessions/{id}/traces", s.handleTraces)
	mux.HandleFunc("POST /v1/agent", s.handleAgent)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return s.withLogging(mux)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.observe.Log().Info().Str("addr", s.addr).Msg("API server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.CreateSession(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.Sessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid n %q", v))
			return
		}
		n = parsed
	}

	turns, err := s.sessions.Recent(r.Context(), id, n)
	if errors.Is(err, memory.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

type traceEntry struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Digest    string          `json:"digest"`
	Trace     json.RawMessage `json:"trace"`
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("trace persistence is not configured"))
		return
	}
	id := r.PathValue("id")
	arts, err := s.traces.ListArtifacts(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]traceEntry, 0, len(arts))
	for _, a := range arts {
		if a.Type != store.ArtifactTrace {
			continue
		}
		_, content, err := s.traces.GetArtifact(a.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		entries = append(entries, traceEntry{
			ID:        a.ID,
			CreatedAt: a.CreatedAt,
			Digest:    a.Digest,
			Trace:     content,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "traces": entries})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Render != "" && req.Render != "html" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported render %q", req.Render))
		return
	}

	res, err := s.agent.Run(r.Context(), agent.Request{Message: req.Message, SessionID: req.SessionID})
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, err)
		return
	case err != nil && (res == nil || res.Reason == agent.ReasonStoreFailed):
		s.writeError(w, http.StatusInternalServerError, err)
		return
	case err != nil:
		// The client went away; the result is written for completeness.
		s.observe.Log().Warn().Str("session", res.SessionID).Err(err).Msg("agent run interrupted")
	}

	resp := AgentResponse{
		Answer:    res.Answer,
		SessionID: res.SessionID,
		State:     res.State,
		Reason:    res.Reason,
		Steps:     res.Steps,
		Retries:   res.Retries,
	}
	if req.Trace {
		resp.Trace = res.Trace
	}
	if req.Render == "html" {
		html, err := RenderHTML(res.Answer)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.AnswerHTML = html
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// RenderHTML converts a markdown answer to an HTML fragment.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("failed to render answer: %w", err)
	}
	return buf.String(), nil
}

// handleEvents streams loop events over a websocket, optionally filtered by
// the session_id query parameter. Slow clients drop events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("event streaming is not configured"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.observe.Log().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	filter := r.URL.Query().Get("session_id")
	queue := make(chan agent.Event, 64)
	unsubscribe := s.events.SubscribeAll(func(e agent.Event) {
		if filter != "" && e.SessionID != filter {
			return
		}
		select {
		case queue <- e:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-queue:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.observe.Log().Debug().Err(err).Msg("failed to write JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.observe.Log().Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("duration_ms", int(time.Since(start).Milliseconds())).
			Msg("request")
	})
}
