package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/adapter/auth"
	"github.com/cterryc/pyme-sub001/internal/adapter/eventbus"
	"github.com/cterryc/pyme-sub001/internal/adapter/push"
	"github.com/cterryc/pyme-sub001/internal/domain"
)

// PushHandler serves the long-lived event streams. Requests must already
// carry an identity from auth.Middleware.
type PushHandler struct {
	manager  *push.Manager
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewPushHandler creates SSE and WebSocket handlers backed by manager.
// allowedOrigins lists the browser origins accepted for WebSocket upgrades in
// addition to the server's own; "*" accepts any origin.
func NewPushHandler(manager *push.Manager, allowedOrigins []string, logger *zap.Logger) *PushHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.Named("push_http"),
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), same-origin requests and origins listed in allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
		}
		set[strings.ToLower(o)] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// ServeSSE streams events as Server-Sent Events.
func (h *PushHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	err := h.manager.Accept(r.Context(), id.Subject, push.NewSSETransport(w, r))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidIdentity):
		writeProblem(w, http.StatusUnauthorized, "missing or invalid credential")
	case errors.Is(err, push.ErrTooManyConnections):
		writeProblem(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, eventbus.ErrClosed):
		writeProblem(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		// The stream was already open; nothing more can be written.
		h.logger.Debug("sse stream ended", zap.String("owner_id", id.Subject), zap.Error(err))
	}
}

// ServeWS streams events as WebSocket text frames.
func (h *PushHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if id.Subject == "" {
		writeProblem(w, http.StatusUnauthorized, "missing or invalid credential")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	t := push.NewWSTransport(conn)

	err = h.manager.Accept(r.Context(), id.Subject, t)
	switch {
	case errors.Is(err, push.ErrTooManyConnections):
		_ = t.Close(websocket.CloseTryAgainLater, "too many connections")
	case err == nil, errors.Is(err, eventbus.ErrClosed):
		_ = t.Close(websocket.CloseGoingAway, "")
	default:
		h.logger.Debug("websocket stream ended", zap.String("owner_id", id.Subject), zap.Error(err))
		_ = t.Close(websocket.CloseAbnormalClosure, "")
	}
}

// writeProblem writes an error body shaped like Huma's error model.
func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
