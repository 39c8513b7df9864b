package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/auth"
)

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

type Handler struct {
	auth     Authenticator
	rooms    Rooms
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewHandler(authn Authenticator, rooms Rooms, checkOrigin func(r *http.Request) bool, log *logrus.Entry) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		auth:  authn,
		rooms: rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: log,
	}
}

// ServeHTTP authenticates, upgrades and runs the connection until it drops.
// A room query parameter joins that room straight away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.FromRequest(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "details": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := NewClient(conn, identity, h.rooms, h.log)
	h.log.WithFields(logrus.Fields{
		"connection_id": client.ID(),
		"user_id":       identity.UserID,
		"role":          identity.Role,
	}).Info("websocket connected")

	go client.WritePump()

	if roomID := r.URL.Query().Get("room"); roomID != "" {
		client.join(r.Context(), roomID)
	}
	client.ReadPump(r.Context())

	h.log.WithField("connection_id", client.ID()).Info("websocket disconnected")
}
