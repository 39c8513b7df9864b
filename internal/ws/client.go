// Package ws carries room messages over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/consultation"
	"github.com/hackgods/teleconsult-signaling/internal/quality"
	"github.com/hackgods/teleconsult-signaling/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Rooms is the room manager as seen by a connection.
type Rooms interface {
	Join(ctx context.Context, roomID string, who auth.Identity, peer signaling.Peer) (signaling.RoomState, error)
	Leave(roomID, userID string) error
	Disconnect(userID, peerID string)
	Relay(roomID, fromID string, env signaling.Envelope) error
	StartScreenShare(roomID, userID string) error
	StopScreenShare(roomID, userID string, trackEnded bool) error
	SetMediaState(roomID, userID string, audio, video bool) error
	PushQuality(roomID, userID string, sample quality.Sample) (quality.Report, error)
	EndCall(ctx context.Context, roomID string, who auth.Identity) (*consultation.Request, error)
}

// Client is one authenticated connection. It implements signaling.Peer.
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	rooms    Rooms
	log      *logrus.Entry

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// roomID is the room joined over this connection. Only ReadPump touches it.
	roomID string
}

func NewClient(conn *websocket.Conn, identity auth.Identity, rooms Rooms, log *logrus.Entry) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		rooms:    rooms,
		send:     make(chan []byte, sendBuffer),
		log: log.WithFields(logrus.Fields{
			"connection_id": id,
			"user_id":       identity.UserID,
		}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues env for the write pump without blocking.
func (c *Client) Send(env signaling.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads frames until the connection drops, then removes the
// participant from its room.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.rooms.Disconnect(c.identity.UserID, c.id)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		c.handle(ctx, message)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type mediaPayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handle dispatches one inbound frame. Failures go back to the sender as an
// error envelope and leave the connection open.
func (c *Client) handle(ctx context.Context, message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		c.fail(c.roomID, apperr.Validation("malformed message: %v", err))
		return
	}
	kind, err := signaling.ParseClientKind(f.Type)
	if err != nil {
		c.fail(f.RoomID, err)
		return
	}

	roomID := f.RoomID
	if roomID == "" {
		roomID = c.roomID
	}
	if roomID == "" {
		c.fail("", apperr.Validation("room_id is required"))
		return
	}

	if err := c.dispatch(ctx, kind, roomID, f); err != nil {
		c.fail(roomID, err)
	}
}

func (c *Client) dispatch(ctx context.Context, kind signaling.Kind, roomID string, f frame) error {
	uid := c.identity.UserID

	if kind.Relayed() {
		return c.rooms.Relay(roomID, uid, signaling.Envelope{Kind: kind, To: f.To, Payload: f.Payload})
	}

	switch kind {
	case signaling.KindJoin:
		if _, err := c.rooms.Join(ctx, roomID, c.identity, c); err != nil {
			return err
		}
		c.roomID = roomID
		return nil

	case signaling.KindLeave:
		if err := c.rooms.Leave(roomID, uid); err != nil {
			return err
		}
		c.roomID = ""
		return nil

	case signaling.KindEndCall:
		_, err := c.rooms.EndCall(ctx, roomID, c.identity)
		if err == nil {
			c.roomID = ""
		}
		return err

	case signaling.KindMediaState:
		var p mediaPayload
		if err := decodePayload(f.Payload, &p); err != nil {
			return err
		}
		return c.rooms.SetMediaState(roomID, uid, p.Audio, p.Video)

	case signaling.KindQualitySample:
		var s quality.Sample
		if err := decodePayload(f.Payload, &s); err != nil {
			return err
		}
		_, err := c.rooms.PushQuality(roomID, uid, s)
		return err

	case signaling.KindScreenShareStart:
		return c.rooms.StartScreenShare(roomID, uid)

	case signaling.KindScreenShareStop:
		return c.rooms.StopScreenShare(roomID, uid, false)

	case signaling.KindScreenShareTrackEnded:
		return c.rooms.StopScreenShare(roomID, uid, true)
	}
	return apperr.Validation("unsupported message type %q", kind)
}

func (c *Client) join(ctx context.Context, roomID string) {
	if err := c.dispatch(ctx, signaling.KindJoin, roomID, frame{}); err != nil {
		c.fail(roomID, err)
	}
}

func (c *Client) fail(roomID string, err error) {
	code := errorCode(err)
	c.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "code": code}).Debug("rejected client message")
	if sendErr := c.Send(signaling.ErrorEnvelope(roomID, code, err.Error())); sendErr != nil {
		c.log.WithError(sendErr).Debug("could not deliver error envelope")
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Validation("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation("invalid payload: %v", err)
	}
	return nil
}

func errorCode(err error) string {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return "validation_error"
	case apperr.ErrStateConflict:
		return "state_conflict"
	case apperr.ErrNotFound:
		return "not_found"
	case apperr.ErrUnauthorized:
		return "unauthorized"
	case apperr.ErrUpstreamUnavailable:
		return "upstream_unavailable"
	}
	return "internal_error"
}
