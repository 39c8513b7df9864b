package consultation

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
)

// MemoryRepository is the single-process store used by STORE_BACKEND=memory
// and by tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]Request
	events   []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]Request)}
}

func (r *MemoryRepository) Create(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[req.ID]; exists {
		return apperr.Conflict("consultation %s already exists", req.ID)
	}
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	out := req.Clone()
	return &out, nil
}

func (r *MemoryRepository) Update(_ context.Context, req *Request, from Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.requests[req.ID]
	if !ok {
		return ErrConsultationNotFound
	}
	if cur.Status != from {
		return ErrStatusChanged
	}
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, statuses ...Status) ([]Request, error) {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Request
	for _, req := range r.requests {
		if want[req.Status] {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

// Events returns the recorded event log, oldest first.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }
