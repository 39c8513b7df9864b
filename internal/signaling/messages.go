package signaling

import (
	"encoding/json"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
)

// Kind is the closed set of message types exchanged over a room.
type Kind string

// Client control messages.
const (
	KindJoin                  Kind = "join"
	KindLeave                 Kind = "leave"
	KindEndCall               Kind = "end-call"
	KindMediaState            Kind = "media-state"
	KindQualitySample         Kind = "quality-sample"
	KindScreenShareStart      Kind = "screen-share-start"
	KindScreenShareStop       Kind = "screen-share-stop"
	KindScreenShareTrackEnded Kind = "screen-share-track-ended"
)

// Negotiation messages, forwarded untouched to the other participant.
const (
	KindOffer                   Kind = "offer"
	KindAnswer                  Kind = "answer"
	KindICECandidate            Kind = "ice-candidate"
	KindScreenShareOffer        Kind = "screen-share-offer"
	KindScreenShareAnswer       Kind = "screen-share-answer"
	KindScreenShareICECandidate Kind = "screen-share-ice-candidate"
)

// Server events.
const (
	KindRoomState          Kind = "room-state"
	KindParticipantJoined  Kind = "participant-joined"
	KindParticipantLeft    Kind = "participant-left"
	KindScreenShareStarted Kind = "screen-share-started"
	KindScreenShareStopped Kind = "screen-share-stopped"
	KindQualityReport      Kind = "quality-report"
	KindPeerQuality        Kind = "peer-quality"
	KindCallEnded          Kind = "call-ended"
	KindError              Kind = "error"
)

var clientKinds = map[Kind]bool{
	KindJoin:                    true,
	KindLeave:                   true,
	KindEndCall:                 true,
	KindMediaState:              true,
	KindQualitySample:           true,
	KindScreenShareStart:        true,
	KindScreenShareStop:         true,
	KindScreenShareTrackEnded:   true,
	KindOffer:                   true,
	KindAnswer:                  true,
	KindICECandidate:            true,
	KindScreenShareOffer:        true,
	KindScreenShareAnswer:       true,
	KindScreenShareICECandidate: true,
}

// Relayed reports whether k is a negotiation message.
func (k Kind) Relayed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate,
		KindScreenShareOffer, KindScreenShareAnswer, KindScreenShareICECandidate:
		return true
	}
	return false
}

func (k Kind) screenShare() bool {
	return k == KindScreenShareOffer || k == KindScreenShareAnswer || k == KindScreenShareICECandidate
}

// ParseClientKind accepts only kinds a client may send.
func ParseClientKind(s string) (Kind, error) {
	k := Kind(s)
	if !clientKinds[k] {
		return "", apperr.Validation("unknown message type %q", s)
	}
	return k, nil
}

// Envelope is the wire frame for every room message. Payload is opaque to the
// relay.
type Envelope struct {
	Kind    Kind            `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Peer is one live connection. Send must not block; a full or closed
// connection returns an error and the message is dropped.
type Peer interface {
	ID() string
	Send(env Envelope) error
}

type MediaState struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	ScreenShare bool `json:"screen_share"`
}

func event(kind Kind, roomID string, payload any) Envelope {
	env := Envelope{Kind: kind, RoomID: roomID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			env.Payload = raw
		}
	}
	return env
}

// ErrorEnvelope reports a failed client message back to its sender.
func ErrorEnvelope(roomID, code, details string) Envelope {
	return event(KindError, roomID, map[string]string{"error": code, "details": details})
}
