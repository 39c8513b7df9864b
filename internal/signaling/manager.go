// Package signaling keeps per-consultation rooms and relays negotiation
// messages between the two parties of a call. Rooms live only in memory and
// only as long as their connections.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/consultation"
	"github.com/hackgods/teleconsult-signaling/internal/quality"
)

const (
	reasonLeft          = "left"
	reasonDisconnected  = "disconnected"
	reasonStopped       = "stopped"
	reasonTrackEnded    = "track_ended"
	reasonSharerLeft    = "sharer_left"
	reasonCallEnded     = "call_ended"
	reasonGraceElapsed  = "grace_period_elapsed"
	reasonRequestClosed = "request_closed"
)

// Lifecycle is the part of the request lifecycle the rooms depend on.
type Lifecycle interface {
	AuthorizeRoom(ctx context.Context, roomID string, who auth.Identity) (*consultation.Request, error)
	MarkActive(ctx context.Context, id uuid.UUID) (*consultation.Request, error)
	CloseFromRoom(ctx context.Context, id uuid.UUID, reason string) (*consultation.Request, error)
}

// Manager owns the room table. Lock order is Manager.mu then Room.mu; calls
// into the lifecycle are made with no lock held.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	userRoom map[string]string
	// ended holds rooms whose consultation has closed; Join refuses them.
	ended map[string]time.Time

	lifecycle Lifecycle
	monitor   *quality.Monitor
	grace     time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(lifecycle Lifecycle, monitor *quality.Monitor, grace time.Duration, log *logrus.Entry, opts ...Option) *Manager {
	m := &Manager{
		rooms:     make(map[string]*Room),
		userRoom:  make(map[string]string),
		ended:     make(map[string]time.Time),
		lifecycle: lifecycle,
		monitor:   monitor,
		grace:     grace,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join admits who into roomID over peer. Joining again from a new connection
// replaces the old handle. The first time both parties are present the
// consultation becomes active.
func (m *Manager) Join(ctx context.Context, roomID string, who auth.Identity, peer Peer) (RoomState, error) {
	req, err := m.lifecycle.AuthorizeRoom(ctx, roomID, who)
	if err != nil {
		return RoomState{}, err
	}

	m.mu.Lock()
	if _, gone := m.ended[roomID]; gone {
		m.mu.Unlock()
		return RoomState{}, apperr.Conflict("consultation for room %s has ended", roomID)
	}
	if current, ok := m.userRoom[who.UserID]; ok && current != roomID {
		m.mu.Unlock()
		return RoomState{}, apperr.Conflict("%s is already in room %s", who.UserID, current)
	}

	room, ok := m.rooms[roomID]
	if !ok {
		room = newRoom(roomID, req.ID, req.PatientID, req.AssignedDoctor(), req.Status == consultation.StatusActive, m.now())
		m.rooms[roomID] = room
	}

	room.mu.Lock()
	now := m.now()
	p, rejoin := room.participants[who.UserID]
	if rejoin {
		p.peer = peer
	} else {
		if len(room.participants) >= 2 {
			room.mu.Unlock()
			m.mu.Unlock()
			return RoomState{}, apperr.Unauthorized("room %s is full", roomID)
		}
		p = &participant{
			userID:   who.UserID,
			role:     room.roleOf(who.UserID),
			peer:     peer,
			media:    MediaState{Audio: true, Video: true},
			joinedAt: now,
		}
		room.participants[who.UserID] = p
	}
	m.userRoom[who.UserID] = roomID
	room.lastActivity = now

	if !rejoin {
		room.broadcast(event(KindParticipantJoined, roomID, ParticipantState{
			UserID:   p.userID,
			Role:     p.role,
			Media:    p.media,
			JoinedAt: p.joinedAt,
		}), who.UserID, m.dropped(roomID))
	}

	activate := len(room.participants) == 2 && !room.activated
	if activate {
		room.activated = true
	}
	state := room.stateLocked()
	m.send(p, event(KindRoomState, roomID, state))
	room.mu.Unlock()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": who.UserID,
		"rejoin":  rejoin,
	}).Info("participant joined")

	if activate {
		if _, err := m.lifecycle.MarkActive(ctx, req.ID); err != nil {
			m.log.WithError(err).WithField("room_id", roomID).Warn("failed to mark consultation active")
			room.mu.Lock()
			room.activated = false
			room.mu.Unlock()
		}
	}
	return state, nil
}

// Leave removes userID from roomID. An empty room is kept for the grace
// period so the parties can reconnect.
func (m *Manager) Leave(roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return apperr.NotFound("room %s not found", roomID)
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if _, ok := room.participants[userID]; !ok {
		return apperr.NotFound("%s is not in room %s", userID, roomID)
	}
	m.removeLocked(room, userID, reasonLeft)
	return nil
}

// Disconnect is called when a connection drops. It only removes the
// participant if peerID is still its current connection.
func (m *Manager) Disconnect(userID, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok := m.userRoom[userID]
	if !ok {
		return
	}
	room, ok := m.rooms[roomID]
	if !ok {
		delete(m.userRoom, userID)
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok || p.peer.ID() != peerID {
		return
	}
	m.removeLocked(room, userID, reasonDisconnected)
}

// removeLocked requires m.mu and room.mu.
func (m *Manager) removeLocked(room *Room, userID, reason string) {
	delete(room.participants, userID)
	delete(m.userRoom, userID)
	m.monitor.Forget(room.id, userID)

	now := m.now()
	room.lastActivity = now

	if room.screen != nil && room.screen.sharer == userID {
		room.screen = nil
		room.broadcast(event(KindScreenShareStopped, room.id, map[string]string{
			"sharer_id": userID,
			"reason":    reasonSharerLeft,
		}), "", m.dropped(room.id))
	}
	// The remaining side has to offer again when the peer comes back.
	room.primary.reset()

	room.broadcast(event(KindParticipantLeft, room.id, map[string]string{
		"user_id": userID,
		"reason":  reason,
	}), "", m.dropped(room.id))

	m.log.WithFields(logrus.Fields{
		"room_id":   room.id,
		"user_id":   userID,
		"reason":    reason,
		"remaining": len(room.participants),
	}).Info("participant left")
}

// Relay forwards a negotiation message from fromID to the other participant.
// It never echoes back to the sender and does not wait for delivery.
func (m *Manager) Relay(roomID, fromID string, env Envelope) error {
	if !env.Kind.Relayed() {
		return apperr.Validation("%q is not a relayable message", env.Kind)
	}

	room, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return apperr.NotFound("room %s not found", roomID)
	}
	if _, ok := room.participants[fromID]; !ok {
		return apperr.Unauthorized("%s is not in room %s", fromID, roomID)
	}

	if env.To != "" {
		if env.To == fromID {
			return apperr.Validation("cannot relay to yourself")
		}
		if _, ok := room.participants[env.To]; !ok {
			return apperr.NotFound("%s is not in room %s", env.To, roomID)
		}
	}

	if env.Kind.screenShare() {
		if room.screen == nil {
			return apperr.Conflict("no screen share in progress in room %s", roomID)
		}
		if err := room.screen.session.apply(env.Kind, fromID); err != nil {
			return err
		}
	} else if err := room.primary.apply(env.Kind, fromID); err != nil {
		return err
	}

	env.RoomID = roomID
	env.From = fromID
	room.lastActivity = m.now()

	for id, p := range room.participants {
		if id == fromID || (env.To != "" && id != env.To) {
			continue
		}
		m.send(p, env)
	}
	return nil
}

// StartScreenShare opens the screen-share sub-session for userID. Starting
// again while already sharing is a no-op.
func (m *Manager) StartScreenShare(roomID, userID string) error {
	room, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok || room.closed {
		return apperr.Unauthorized("%s is not in room %s", userID, roomID)
	}
	if room.screen != nil {
		if room.screen.sharer == userID {
			return nil
		}
		return apperr.Conflict("%s is already sharing in room %s", room.screen.sharer, roomID)
	}

	now := m.now()
	room.screen = &screenShare{sharer: userID, startedAt: now}
	room.screen.session.reset()
	p.media.ScreenShare = true
	room.lastActivity = now

	room.broadcast(event(KindScreenShareStarted, roomID, map[string]string{"sharer_id": userID}), "", m.dropped(roomID))
	return nil
}

// StopScreenShare tears the sub-session down. A track-ended signal from the
// sharer's side takes the same path as an explicit stop.
func (m *Manager) StopScreenShare(roomID, userID string, trackEnded bool) error {
	room, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if _, ok := room.participants[userID]; !ok || room.closed {
		return apperr.Unauthorized("%s is not in room %s", userID, roomID)
	}
	if room.screen == nil {
		return nil
	}
	if room.screen.sharer != userID {
		return apperr.Conflict("only %s can stop the screen share", room.screen.sharer)
	}

	reason := reasonStopped
	if trackEnded {
		reason = reasonTrackEnded
	}
	room.screen = nil
	room.participants[userID].media.ScreenShare = false
	room.lastActivity = m.now()

	room.broadcast(event(KindScreenShareStopped, roomID, map[string]string{
		"sharer_id": userID,
		"reason":    reason,
	}), "", m.dropped(roomID))
	return nil
}

// SetMediaState records audio/video toggles and tells the other side.
func (m *Manager) SetMediaState(roomID, userID string, audio, video bool) error {
	room, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok || room.closed {
		return apperr.Unauthorized("%s is not in room %s", userID, roomID)
	}
	p.media.Audio = audio
	p.media.Video = video
	room.lastActivity = m.now()

	env := event(KindMediaState, roomID, p.media)
	env.From = userID
	room.broadcast(env, userID, m.dropped(roomID))
	return nil
}

// PushQuality records a telemetry sample. The sender gets its own report and
// the other participant gets a peer-quality hint.
func (m *Manager) PushQuality(roomID, userID string, sample quality.Sample) (quality.Report, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return quality.Report{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok || room.closed {
		return quality.Report{}, apperr.Unauthorized("%s is not in room %s", userID, roomID)
	}

	report, err := m.monitor.RecordSample(roomID, userID, sample)
	if err != nil {
		return quality.Report{}, err
	}
	room.lastActivity = m.now()

	m.send(p, event(KindQualityReport, roomID, report))
	peerEnv := event(KindPeerQuality, roomID, report)
	peerEnv.From = userID
	room.broadcast(peerEnv, userID, m.dropped(roomID))
	return report, nil
}

// EndCall terminates the call for both parties and finishes the backing
// request. It is accepted from either party whether or not they are
// currently connected.
func (m *Manager) EndCall(ctx context.Context, roomID string, who auth.Identity) (*consultation.Request, error) {
	var consultationID uuid.UUID

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if ok {
		room.mu.Lock()
		party := room.isParty(who.UserID)
		room.mu.Unlock()
		if !party {
			m.mu.Unlock()
			return nil, apperr.Unauthorized("%s is not a party to room %s", who.UserID, roomID)
		}
		consultationID = room.consultationID
		m.closeLocked(room, reasonCallEnded, who.UserID)
	}
	m.mu.Unlock()

	if !ok {
		req, err := m.lifecycle.AuthorizeRoom(ctx, roomID, who)
		if err != nil {
			return nil, err
		}
		consultationID = req.ID
	}

	m.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": who.UserID}).Info("call ended")
	return m.lifecycle.CloseFromRoom(ctx, consultationID, reasonCallEnded)
}

// RequestClosed closes the room of a request that was cancelled or expired
// elsewhere. It does not call back into the lifecycle.
func (m *Manager) RequestClosed(_ context.Context, req consultation.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ended[req.RoomID()] = m.now()
	room, ok := m.rooms[req.RoomID()]
	if !ok {
		return
	}
	m.closeLocked(room, reasonRequestClosed, "")
	m.log.WithFields(logrus.Fields{
		"room_id": room.id,
		"status":  req.Status,
	}).Info("room closed with its consultation")
}

// closeLocked requires m.mu. It notifies every participant and drops the
// room from the table.
func (m *Manager) closeLocked(room *Room, reason, by string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	payload := map[string]string{"reason": reason}
	if by != "" {
		payload["ended_by"] = by
	}
	room.broadcast(event(KindCallEnded, room.id, payload), "", m.dropped(room.id))

	for id := range room.participants {
		delete(m.userRoom, id)
	}
	room.participants = map[string]*participant{}
	room.screen = nil
	room.closed = true
	delete(m.rooms, room.id)
	m.monitor.ForgetRoom(room.id)
}

// CleanupIdle removes rooms that have had no participants for longer than
// the grace period. Rooms where the call had started finish their request;
// rooms that never had both parties are simply dropped.
func (m *Manager) CleanupIdle(ctx context.Context) int {
	type finished struct {
		roomID         string
		consultationID uuid.UUID
		activated      bool
	}

	now := m.now()
	var done []finished

	m.mu.Lock()
	for id, room := range m.rooms {
		room.mu.Lock()
		idle := len(room.participants) == 0 && now.Sub(room.lastActivity) >= m.grace
		if idle {
			room.closed = true
			delete(m.rooms, id)
			done = append(done, finished{roomID: id, consultationID: room.consultationID, activated: room.activated})
		}
		room.mu.Unlock()
		if idle {
			m.monitor.ForgetRoom(id)
		}
	}
	for id, at := range m.ended {
		if now.Sub(at) >= m.grace {
			delete(m.ended, id)
		}
	}
	m.mu.Unlock()

	for _, f := range done {
		if !f.activated {
			continue
		}
		if _, err := m.lifecycle.CloseFromRoom(ctx, f.consultationID, reasonGraceElapsed); err != nil {
			m.log.WithError(err).WithField("room_id", f.roomID).Warn("failed to finish consultation for idle room")
		}
	}
	return len(done)
}

// State returns the room as seen by one of its parties.
func (m *Manager) State(roomID string, who auth.Identity) (RoomState, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return RoomState{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.isParty(who.UserID) {
		return RoomState{}, apperr.Unauthorized("%s is not a party to room %s", who.UserID, roomID)
	}
	return room.stateLocked(), nil
}

// RoomOf returns the room userID is currently in.
func (m *Manager) RoomOf(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.userRoom[userID]
	return id, ok
}

func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) lookup(roomID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("room %s not found", roomID)
	}
	return room, nil
}

func (m *Manager) send(p *participant, env Envelope) {
	if err := p.peer.Send(env); err != nil {
		m.dropped(env.RoomID)(p.userID, err)
	}
}

func (m *Manager) dropped(roomID string) func(string, error) {
	return func(userID string, err error) {
		m.log.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
		}).Debug("dropped signaling message")
	}
}
