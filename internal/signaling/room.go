package signaling

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
)

type NegotiationState string

const (
	NegotiationIdle        NegotiationState = "idle"
	NegotiationOffered     NegotiationState = "offered"
	NegotiationEstablished NegotiationState = "established"
)

// session tracks one peer-connection negotiation. A new offer after
// establishment is a renegotiation and moves the session back to offered.
type session struct {
	state   NegotiationState
	offerer string
}

func (s *session) apply(kind Kind, from string) error {
	switch kind {
	case KindOffer, KindScreenShareOffer:
		s.state = NegotiationOffered
		s.offerer = from
	case KindAnswer, KindScreenShareAnswer:
		if s.state != NegotiationOffered {
			return apperr.Conflict("no outstanding offer to answer")
		}
		if s.offerer == from {
			return apperr.Conflict("cannot answer your own offer")
		}
		s.state = NegotiationEstablished
	}
	return nil
}

func (s *session) reset() {
	s.state = NegotiationIdle
	s.offerer = ""
}

// screenShare is the sub-session for a shared screen. It has its own
// negotiation and is torn down without touching the primary session.
type screenShare struct {
	sharer    string
	startedAt time.Time
	session   session
}

type participant struct {
	userID   string
	role     auth.Role
	peer     Peer
	media    MediaState
	joinedAt time.Time
}

// Room is the in-memory aggregate for one consultation call. All fields are
// guarded by mu.
type Room struct {
	mu sync.Mutex

	id             string
	consultationID uuid.UUID
	patientID      string
	doctorID       string

	participants map[string]*participant
	primary      session
	screen       *screenShare

	createdAt    time.Time
	lastActivity time.Time
	// activated is set once both parties have been present together.
	activated bool
	closed    bool
}

func newRoom(id string, consultationID uuid.UUID, patientID, doctorID string, active bool, now time.Time) *Room {
	r := &Room{
		id:             id,
		consultationID: consultationID,
		patientID:      patientID,
		doctorID:       doctorID,
		participants:   make(map[string]*participant, 2),
		createdAt:      now,
		lastActivity:   now,
		activated:      active,
	}
	r.primary.reset()
	return r
}

func (r *Room) isParty(userID string) bool {
	return userID != "" && (userID == r.patientID || userID == r.doctorID)
}

func (r *Room) roleOf(userID string) auth.Role {
	if userID == r.doctorID {
		return auth.RoleDoctor
	}
	return auth.RolePatient
}

// broadcast sends env to every participant except the one named by skip.
func (r *Room) broadcast(env Envelope, skip string, onDrop func(userID string, err error)) {
	for id, p := range r.participants {
		if id == skip {
			continue
		}
		if err := p.peer.Send(env); err != nil && onDrop != nil {
			onDrop(id, err)
		}
	}
}

type ParticipantState struct {
	UserID   string     `json:"user_id"`
	Role     auth.Role  `json:"role"`
	Media    MediaState `json:"media"`
	JoinedAt time.Time  `json:"joined_at"`
}

type ScreenShareState struct {
	SharerID    string           `json:"sharer_id"`
	Negotiation NegotiationState `json:"negotiation"`
	StartedAt   time.Time        `json:"started_at"`
}

type RoomState struct {
	RoomID         string             `json:"room_id"`
	ConsultationID uuid.UUID          `json:"consultation_id"`
	Participants   []ParticipantState `json:"participants"`
	Negotiation    NegotiationState   `json:"negotiation"`
	ScreenShare    *ScreenShareState  `json:"screen_share,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivity   time.Time          `json:"last_activity"`
}

func (r *Room) stateLocked() RoomState {
	st := RoomState{
		RoomID:         r.id,
		ConsultationID: r.consultationID,
		Participants:   make([]ParticipantState, 0, len(r.participants)),
		Negotiation:    r.primary.state,
		CreatedAt:      r.createdAt,
		LastActivity:   r.lastActivity,
	}
	for _, p := range r.participants {
		st.Participants = append(st.Participants, ParticipantState{
			UserID:   p.userID,
			Role:     p.role,
			Media:    p.media,
			JoinedAt: p.joinedAt,
		})
	}
	sort.Slice(st.Participants, func(i, j int) bool {
		return st.Participants[i].UserID < st.Participants[j].UserID
	})
	if r.screen != nil {
		st.ScreenShare = &ScreenShareState{
			SharerID:    r.screen.sharer,
			Negotiation: r.screen.session.state,
			StartedAt:   r.screen.startedAt,
		}
	}
	return st
}
