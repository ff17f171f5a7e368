// Package admin serves the wssd control endpoint: health, metrics, the
// session list and broadcast controls.
package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitalvas/wss/server"
	"github.com/vitalvas/wss/websocket"
)

// Broadcaster is the part of *server.Server the endpoint drives.
type Broadcaster interface {
	IsStarted() bool
	Sessions() []*server.Session
	FindSession(id uuid.UUID) *server.Session
	MulticastText(data []byte) bool
	MulticastBinary(data []byte) bool
	CloseAll(status int, reason string) bool
}

type Config struct {
	// Token, when set, guards every route except /healthz.
	Token string

	MaxBodySize int64

	// Gatherer backs /metrics. The route is not mounted when nil.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// SessionInfo is one entry of GET /sessions.
type SessionInfo struct {
	ID            string `json:"id"`
	RemoteAddr    string `json:"remote_addr"`
	State         string `json:"state"`
	Handshaked    bool   `json:"handshaked"`
	Subprotocol   string `json:"subprotocol,omitempty"`
	BytesPending  int64  `json:"bytes_pending"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
}

// CloseAllRequest is the optional body of POST /close-all.
type CloseAllRequest struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	srv    Broadcaster
	logger *slog.Logger
}

// NewRouter builds the admin HTTP handler for srv.
func NewRouter(srv Broadcaster, cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{srv: srv, logger: logger.With("component", "admin")}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recovery(h.logger))
	r.Use(middleware.NoCache)

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Use(limitBody(cfg.MaxBodySize))

		if cfg.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
		}

		r.Get("/sessions", h.listSessions)
		r.Delete("/sessions/{id}", h.disconnectSession)
		r.Post("/broadcast", h.broadcast)
		r.Post("/close-all", h.closeAll)
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	if !h.srv.IsStarted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.srv.Sessions()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:            s.ID().String(),
			RemoteAddr:    addrString(s.RemoteAddr()),
			State:         s.State().String(),
			Handshaked:    s.IsHandshaked(),
			Subprotocol:   s.Subprotocol(),
			BytesPending:  s.BytesPending(),
			BytesSent:     s.BytesSent(),
			BytesReceived: s.BytesReceived(),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (h *handler) disconnectSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sess := h.srv.FindSession(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if sess.IsHandshaked() {
		sess.Close(websocket.ClosePolicyViolation, "disconnected by administrator")
	} else {
		sess.Disconnect()
	}

	h.logger.Info("session disconnected",
		"session_id", id.String(),
		"request_id", RequestIDFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// broadcast multicasts the request body. ?type=binary selects binary
// frames, otherwise the body must be UTF-8 text.
func (h *handler) broadcast(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var sent bool
	switch kind := r.URL.Query().Get("type"); kind {
	case "", "text":
		if !h.srv.IsStarted() {
			writeError(w, http.StatusServiceUnavailable, server.ErrServerStopped.Error())
			return
		}
		sent = h.srv.MulticastText(body)
		if !sent {
			writeError(w, http.StatusBadRequest, "body is not valid UTF-8 text")
			return
		}
	case "binary":
		sent = h.srv.MulticastBinary(body)
	default:
		writeError(w, http.StatusBadRequest, "unknown message type "+kind)
		return
	}

	if !sent {
		writeError(w, http.StatusServiceUnavailable, server.ErrServerStopped.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"bytes": len(body)})
}

func (h *handler) closeAll(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	req := CloseAllRequest{Status: websocket.CloseGoingAway}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if !h.srv.IsStarted() {
		writeError(w, http.StatusServiceUnavailable, server.ErrServerStopped.Error())
		return
	}
	if !h.srv.CloseAll(req.Status, req.Reason) {
		writeError(w, http.StatusBadRequest, "invalid close status")
		return
	}

	h.logger.Info("closed all sessions",
		"status", req.Status,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, req)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	} else {
		writeError(w, http.StatusBadRequest, "failed to read request body")
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
