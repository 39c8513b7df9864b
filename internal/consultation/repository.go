package consultation

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
)

var (
	ErrConsultationNotFound = apperr.NotFound("consultation not found")
	// ErrStatusChanged is returned by Update when the stored status no
	// longer matches the expected one.
	ErrStatusChanged = apperr.Conflict("consultation status changed concurrently")
)

// Repository is the durable store for consultation requests. Every write is
// a compare-and-set on the status column; there are no cross-document
// transactions.
type Repository interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id uuid.UUID) (*Request, error)

	// Update persists req if the stored status still equals from.
	Update(ctx context.Context, req *Request, from Status) error

	// Sweeps
	ListByStatus(ctx context.Context, statuses ...Status) ([]Request, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error

	Ping(ctx context.Context) error
}
