// Package notify informs users about consultation events. Delivery is
// fire-and-forget: a failed notification never undoes a state change.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

type Type string

const (
	TypeAssigned  Type = "consultation.assigned"
	TypeAccepted  Type = "consultation.accepted"
	TypeRejected  Type = "consultation.rejected"
	TypeRequeued  Type = "consultation.requeued"
	TypeExpired   Type = "consultation.expired"
	TypeCancelled Type = "consultation.cancelled"
	TypeCallEnded Type = "consultation.call_ended"
)

type Event struct {
	Type           Type      `json:"type"`
	UserID         string    `json:"user_id"`
	ConsultationID string    `json:"consultation_id"`
	RoomID         string    `json:"room_id,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
	Close() error
}

// LogDispatcher writes events to the service log. It is the default when no
// broker is configured.
type LogDispatcher struct {
	log *logrus.Entry
}

func NewLogDispatcher(log *logrus.Entry) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, ev Event) error {
	d.log.WithFields(logrus.Fields{
		"type":            ev.Type,
		"user_id":         ev.UserID,
		"consultation_id": ev.ConsultationID,
		"room_id":         ev.RoomID,
		"status":          ev.Status,
		"reason":          ev.Reason,
	}).Info("notification")
	return nil
}

func (d *LogDispatcher) Close() error { return nil }

// Multi fans an event out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, d := range m {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
