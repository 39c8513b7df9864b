package consultation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusAccepted  Status = "accepted"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// transitions lists every legal move. Rejected is only held for the duration
// of a reject call before the request is re-queued or expired.
var transitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusExpired, StatusCancelled},
	StatusAssigned: {StatusAccepted, StatusRejected, StatusExpired, StatusCancelled},
	StatusRejected: {StatusPending, StatusExpired, StatusCancelled},
	StatusAccepted: {StatusActive, StatusCancelled},
	StatusActive:   {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal states never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// holdsDoctor reports whether a request in this state counts toward the
// assigned doctor's load.
func (s Status) holdsDoctor() bool {
	return s == StatusAssigned || s == StatusAccepted || s == StatusActive
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusAccepted, StatusActive,
		StatusCompleted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// TransitionError is returned for an illegal move. It carries the state the
// request is actually in so callers can report it.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("consultation is %s, cannot move to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return apperr.ErrStateConflict }

type Request struct {
	ID              uuid.UUID
	PatientID       string
	DoctorID        *string
	Category        string
	Description     string
	Status          Status
	RetryCount      int
	ExcludedDoctors []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScheduledAt     *time.Time
}

func (r Request) Clone() Request {
	if r.DoctorID != nil {
		d := *r.DoctorID
		r.DoctorID = &d
	}
	if r.ScheduledAt != nil {
		s := *r.ScheduledAt
		r.ScheduledAt = &s
	}
	r.ExcludedDoctors = append([]string(nil), r.ExcludedDoctors...)
	return r
}

func (r *Request) transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

func (r Request) AssignedDoctor() string {
	if r.DoctorID == nil {
		return ""
	}
	return *r.DoctorID
}

// IsParty reports whether userID is the patient or the assigned doctor.
func (r Request) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == r.PatientID || userID == r.AssignedDoctor()
}

func (r Request) RoomID() string { return RoomIDFor(r.ID) }

// dueAt is the moment the request starts waiting for a doctor. Requests
// scheduled in the future are not matched or timed out before then.
func (r Request) dueAt() time.Time {
	if r.ScheduledAt != nil && r.ScheduledAt.After(r.CreatedAt) {
		return *r.ScheduledAt
	}
	return r.CreatedAt
}

func (r Request) excludes(doctorID string) bool {
	for _, id := range r.ExcludedDoctors {
		if id == doctorID {
			return true
		}
	}
	return false
}

const roomPrefix = "room-"

func RoomIDFor(id uuid.UUID) string { return roomPrefix + id.String() }

func ParseRoomID(roomID string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(roomID, roomPrefix)
	if !ok {
		return uuid.Nil, apperr.Validation("room id %q is malformed", roomID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("room id %q is malformed", roomID)
	}
	return id, nil
}

type EventLog struct {
	ID             int64
	EventType      string
	ConsultationID *uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
}
