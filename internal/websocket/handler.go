package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"classhub/pkg/types"
)

// Authorizer resolves the role a user holds in a room. Satisfied by
// *registry.Registry.
type Authorizer interface {
	ResolveRole(ctx context.Context, roomID, userID string) (types.Role, error)
}

// SessionRunner drives an accepted connection until it closes.
// Satisfied by *hub.Hub.
type SessionRunner interface {
	Run(ctx context.Context, conn *Conn, roomID, userID string, role types.Role)
}

// Handler performs the realtime handshake on GET /ws/{room}. The
// principal must already be a room member; rejection happens with a
// plain HTTP status before the protocol upgrade, so unauthorized
// clients never receive a websocket frame.
type Handler struct {
	upgrader websocket.Upgrader
	cfg      Config
	auth     Authorizer
	sessions SessionRunner
	logger   *slog.Logger
}

// NewHandler creates the handshake handler. cfg is applied to every
// accepted connection.
func NewHandler(cfg Config, auth Authorizer, sessions SessionRunner, logger *slog.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg:      cfg,
		auth:     auth,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	userID := principal(r)

	if !types.IsValidUserID(userID) {
		http.Error(w, "missing or invalid user id", http.StatusBadRequest)
		return
	}

	role, err := h.auth.ResolveRole(r.Context(), roomID, userID)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrNotFound):
			http.Error(w, "room not found", http.StatusNotFound)
		default:
			h.logger.Error("failed to resolve role for handshake",
				"room_id", roomID, "user_id", userID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if role == types.RoleNone {
		http.Error(w, "not a member of this room", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("websocket upgrade failed", "room_id", roomID, "error", err)
		return
	}

	conn := NewConn(ws, h.cfg, h.logger)
	h.logger.Info("websocket connected", "room_id", roomID, "user_id", userID, "role", role)
	h.sessions.Run(r.Context(), conn, roomID, userID, role)
}

// principal reads the authenticated user id. Browsers cannot set
// custom headers on a websocket handshake, so the query string is
// accepted as a fallback.
func principal(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}
