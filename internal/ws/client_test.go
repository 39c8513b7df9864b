package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/availability"
	"github.com/hackgods/teleconsult-signaling/internal/consultation"
	"github.com/hackgods/teleconsult-signaling/internal/matching"
	"github.com/hackgods/teleconsult-signaling/internal/notify"
	"github.com/hackgods/teleconsult-signaling/internal/quality"
	redisclient "github.com/hackgods/teleconsult-signaling/internal/redis"
	"github.com/hackgods/teleconsult-signaling/internal/signaling"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

type harness struct {
	server    *httptest.Server
	tokens    *auth.Service
	lifecycle *consultation.Manager
	registry  *availability.Registry
	rooms     *signaling.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.Discard()
	reg := availability.NewRegistry(90*time.Second, log)
	lifecycle := consultation.NewManager(
		consultation.NewMemoryRepository(),
		redisclient.NewLocalLocker(),
		matching.NewEngine(reg),
		reg,
		notify.NewLogDispatcher(log),
		consultation.Policy{RetryLimit: 3, RequestTimeout: 10 * time.Minute, MinDwell: 15 * time.Second},
		log,
	)
	rooms := signaling.NewManager(lifecycle, quality.NewMonitor(log), 2*time.Minute, log)
	lifecycle.AddListener(rooms)

	tokens := auth.NewService("test-secret", time.Hour)
	srv := httptest.NewServer(NewHandler(tokens, rooms, nil, log))
	t.Cleanup(srv.Close)

	return &harness{server: srv, tokens: tokens, lifecycle: lifecycle, registry: reg, rooms: rooms}
}

func (h *harness) acceptedRoom(t *testing.T, patient, doctor string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := h.registry.SetOnline(ctx, doctor, []string{"general"}); err != nil {
		t.Fatal(err)
	}
	req, err := h.lifecycle.Create(ctx, auth.Identity{UserID: patient, Role: auth.RolePatient}, consultation.CreateInput{Category: "general"})
	if err != nil {
		t.Fatal(err)
	}
	req, err = h.lifecycle.Accept(ctx, auth.Identity{UserID: doctor, Role: auth.RoleDoctor}, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	return req.RoomID()
}

func (h *harness) dial(t *testing.T, userID string, role auth.Role, roomID string) *websocket.Conn {
	t.Helper()
	token, err := h.tokens.Issue(userID, role)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=" + token
	if roomID != "" {
		url += "&room=" + roomID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one of the given kind arrives.
func next(t *testing.T, conn *websocket.Conn, kind signaling.Kind) signaling.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if env.Kind == kind {
			return env
		}
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestCallSetupOverWebSocket(t *testing.T) {
	h := newHarness(t)
	roomID := h.acceptedRoom(t, "patient-1", "doctor-1")

	patient := h.dial(t, "patient-1", auth.RolePatient, roomID)
	next(t, patient, signaling.KindRoomState)

	doctor := h.dial(t, "doctor-1", auth.RoleDoctor, "")
	if err := doctor.WriteJSON(map[string]string{"type": "join", "room_id": roomID}); err != nil {
		t.Fatal(err)
	}
	next(t, doctor, signaling.KindRoomState)
	joined := next(t, patient, signaling.KindParticipantJoined)
	if !strings.Contains(string(joined.Payload), "doctor-1") {
		t.Fatalf("unexpected join payload %s", joined.Payload)
	}

	// room_id may be omitted once joined
	offer := map[string]any{"type": "offer", "payload": map[string]string{"sdp": "v=0"}}
	if err := patient.WriteJSON(offer); err != nil {
		t.Fatal(err)
	}
	got := next(t, doctor, signaling.KindOffer)
	if got.From != "patient-1" || got.RoomID != roomID {
		t.Fatalf("unexpected relayed offer %+v", got)
	}
	var sdp map[string]string
	if err := json.Unmarshal(got.Payload, &sdp); err != nil || sdp["sdp"] != "v=0" {
		t.Fatalf("payload not forwarded intact: %s", got.Payload)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		req, err := h.lifecycle.Get(context.Background(), auth.Identity{UserID: "patient-1", Role: auth.RolePatient}, mustParse(t, roomID))
		if err != nil {
			t.Fatal(err)
		}
		if req.Status == consultation.StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected active consultation, got %s", req.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBadMessagesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	roomID := h.acceptedRoom(t, "patient-1", "doctor-1")
	patient := h.dial(t, "patient-1", auth.RolePatient, roomID)
	next(t, patient, signaling.KindRoomState)

	cases := []struct {
		frame string
		code  string
	}{
		{`not json`, "validation_error"},
		{`{"type":"dance"}`, "validation_error"},
		{`{"type":"answer","payload":{}}`, "state_conflict"},
		{`{"type":"media-state"}`, "validation_error"},
		{`{"type":"join","room_id":"room-00000000-0000-0000-0000-000000000000"}`, "not_found"},
	}
	for _, tc := range cases {
		if err := patient.WriteMessage(websocket.TextMessage, []byte(tc.frame)); err != nil {
			t.Fatal(err)
		}
		env := next(t, patient, signaling.KindError)
		var body map[string]string
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			t.Fatal(err)
		}
		if body["error"] != tc.code {
			t.Errorf("%s: expected %s, got %s (%s)", tc.frame, tc.code, body["error"], body["details"])
		}
	}

	if err := patient.WriteJSON(map[string]any{"type": "media-state", "payload": map[string]bool{"audio": false, "video": true}}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := h.rooms.State(roomID, auth.Identity{UserID: "patient-1", Role: auth.RolePatient})
		if err != nil {
			t.Fatal(err)
		}
		if len(st.Participants) == 1 && !st.Participants[0].Media.Audio {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("media state never applied after earlier errors")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	h := newHarness(t)
	roomID := h.acceptedRoom(t, "patient-1", "doctor-1")
	patient := h.dial(t, "patient-1", auth.RolePatient, roomID)
	next(t, patient, signaling.KindRoomState)

	patient.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := h.rooms.RoomOf("patient-1"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("participant still in room after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendDoesNotBlockWhenBufferFull(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), log: logger.Discard()}
	env := signaling.Envelope{Kind: signaling.KindRoomState}

	if err := c.Send(env); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(env); err != ErrSendBufferFull {
		t.Fatalf("expected full buffer, got %v", err)
	}
	c.close()
	if err := c.Send(env); err != ErrClientClosed {
		t.Fatalf("expected closed client, got %v", err)
	}
}

func mustParse(t *testing.T, roomID string) uuid.UUID {
	t.Helper()
	id, err := consultation.ParseRoomID(roomID)
	if err != nil {
		t.Fatal(err)
	}
	return id
}
