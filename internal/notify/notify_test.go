package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

type recorder struct {
	events []Event
	err    error
	closed bool
}

func (r *recorder) Dispatch(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestMultiDeliversToEveryDispatcher(t *testing.T) {
	failing := &recorder{err: errors.New("broker down")}
	ok := &recorder{}
	m := Multi{failing, NewLogDispatcher(logger.Discard()), ok}

	err := m.Dispatch(context.Background(), Event{Type: TypeAssigned, UserID: "doc-1"})
	if err == nil {
		t.Fatal("expected the failing dispatcher error to surface")
	}
	if len(ok.events) != 1 {
		t.Fatalf("a failing dispatcher must not stop the others, got %d events", len(ok.events))
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !failing.closed || !ok.closed {
		t.Fatal("expected every dispatcher to be closed")
	}
}
