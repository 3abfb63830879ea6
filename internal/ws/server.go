// Package ws is the HTTP and WebSocket request surface of the preview
// service.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/jadypamella/natively-case/internal/bus"
	"github.com/jadypamella/natively-case/internal/logging"
	"github.com/jadypamella/natively-case/internal/session"
)

const (
	serviceName     = "previewd"
	maxRequestBytes = 1 << 20
)

type Options struct {
	AuthToken      string
	AllowedOrigins []string
	Privacy        session.PrivacyFilter
	PingInterval   time.Duration
	Version        string
	Logger         *log.Logger
}

type Server struct {
	manager        *session.Manager
	bus            *bus.Bus
	hub            *Hub
	privacy        session.PrivacyFilter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	version        string
	logger         *log.Logger
}

func NewServer(manager *session.Manager, b *bus.Bus, opts Options) *Server {
	logger := logging.OrDiscard(opts.Logger)
	s := &Server{
		manager:        manager,
		bus:            b,
		hub:            NewHub(opts.PingInterval, logger),
		privacy:        opts.Privacy,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
		version:        opts.Version,
		logger:         logger,
	}
	if s.version == "" {
		s.version = "dev"
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Handler returns the routed API wrapped in the CORS and security header
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(s.cors(mux))
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/chat", s.protect(s.handleChat))
	mux.HandleFunc("GET /api/sessions", s.protect(s.handleList))
	mux.HandleFunc("GET /api/sessions/{id}", s.protect(s.handleStatus))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.protect(s.handleDelete))
	mux.HandleFunc("POST /api/sessions/{id}/close", s.protect(s.handleClose))
	mux.HandleFunc("POST /api/sessions/{id}/turns", s.protect(s.handleTurn))
	mux.HandleFunc("GET /api/sessions/{id}/events", s.protect(s.handleEvents))
	mux.HandleFunc("GET /api/sessions/{id}/pages", s.protect(s.handlePages))
	mux.HandleFunc("GET /api/sessions/{id}/health", s.protect(s.handleSessionHealth))
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.protect(s.handleWS))
}

// ClientCount returns the number of open subscriber connections.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// CloseClients disconnects every subscriber. Used on shutdown, since
// hijacked connections are not tracked by http.Server.
func (s *Server) CloseClients() {
	s.hub.CloseAll()
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServiceInfo{Service: serviceName, Status: "ok", Version: s.version})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.bus.Status()
	resp := HealthResponse{
		Status:           "healthy",
		ConnectedClients: s.hub.ClientCount(),
		QueuedEvents:     st.QueuedEvents,
	}
	code := http.StatusOK
	if s.degraded(st) {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// degraded reports a closed bus, or subscriber queues that are on average
// more than three quarters full.
func (s *Server) degraded(st bus.Status) bool {
	if !st.Accepting {
		return true
	}
	return st.Subscribers > 0 && st.QueuedEvents*4 > st.Subscribers*s.bus.QueueCapacity()*3
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	snap, created, err := s.manager.CreateOrAttach(r.Context(), strings.TrimSpace(req.SessionID), req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s.privacy.Apply(snap))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.privacy.ApplyAll(s.manager.ListSessions()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.GetStatus(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(snap))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(snap))
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.manager.SubmitTurn(id, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.manager.GetStatus(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.privacy.Apply(snap))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, ok := parseAfter(w, r)
	if !ok {
		return
	}
	events, err := s.manager.Events(r.PathValue("id"), after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesFromEvents(events))
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	idx, err := s.manager.Pages(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Health(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := HealthResponse{Status: "healthy", ConnectedClients: st.Subscribers, QueuedEvents: st.QueuedEvents}
	if s.degraded(st) {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWS subscribes before upgrading so an unknown session is a plain 404.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	after, ok := parseAfter(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	sub, err := s.manager.Subscribe(id, after)
	if err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		s.logger.Warn("ws upgrade failed", "session", id, "err", err)
		return
	}
	s.hub.Serve(conn, id, sub, s.manager)
}

func (s *Server) protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: ErrorDetail{Code: "unauthorized", Message: "missing or invalid token"}})
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Preview-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// cors answers preflight requests and echoes allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Preview-Token")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// errorStatus maps a session error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionTerminal):
		return http.StatusConflict, "session_terminal"
	case errors.Is(err, session.ErrTurnQueueFull):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, name := errorStatus(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, code, ErrorBody{Error: ErrorDetail{Code: name, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_request", Message: "malformed JSON body: " + err.Error()}})
		return false
	}
	return true
}

func parseAfter(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, true
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_request", Message: "after must be a sequence number"}})
		return 0, false
	}
	return after, true
}
