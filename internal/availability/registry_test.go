package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(opts ...Option) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRegistry(90*time.Second, logger.Discard(), opts...), clock
}

func ids(docs []Doctor) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestFindCandidatesOrdersByLoadThenHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry()

	mustOnline(t, reg, "dr-b", "cardiology")
	clock.Advance(time.Second)
	mustOnline(t, reg, "dr-a", "cardiology")
	clock.Advance(time.Second)
	mustOnline(t, reg, "dr-c", "Cardiology ")

	for i := 0; i < 2; i++ {
		if _, err := reg.IncrementLoad(ctx, "dr-b"); err != nil {
			t.Fatalf("increment load: %v", err)
		}
	}

	got := ids(reg.FindCandidates("cardiology", nil))
	want := []string{"dr-c", "dr-a", "dr-b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFindCandidatesExcludesStaleDoctors(t *testing.T) {
	reg, clock := newTestRegistry()

	mustOnline(t, reg, "dr-old", "dermatology")
	clock.Advance(60 * time.Second)
	mustOnline(t, reg, "dr-new", "dermatology")
	clock.Advance(31 * time.Second)

	got := ids(reg.FindCandidates("dermatology", nil))
	if len(got) != 1 || got[0] != "dr-new" {
		t.Fatalf("expected only dr-new, got %v", got)
	}

	d, err := reg.Get("dr-old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.Online {
		t.Fatal("stored online flag should be untouched until the sweep runs")
	}
}

func TestFindCandidatesGeneralFallbackAndExclusion(t *testing.T) {
	reg, _ := newTestRegistry()

	mustOnline(t, reg, "dr-gp", "general")
	mustOnline(t, reg, "dr-neuro", "neurology")

	if got := ids(reg.FindCandidates("pediatrics", nil)); len(got) != 1 || got[0] != "dr-gp" {
		t.Fatalf("expected general fallback, got %v", got)
	}
	if got := ids(reg.FindCandidates("neurology", nil)); len(got) != 1 || got[0] != "dr-neuro" {
		t.Fatalf("exact match should win over general, got %v", got)
	}
	if got := reg.FindCandidates("neurology", []string{"dr-neuro"}); len(got) != 1 || got[0].ID != "dr-gp" {
		t.Fatalf("expected fallback once exact match excluded, got %v", ids(got))
	}
	if got := reg.FindCandidates("pediatrics", []string{"dr-gp"}); len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", ids(got))
	}
}

func TestMarkStaleAndHeartbeatRecovery(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry()

	mustOnline(t, reg, "dr-a", "general")
	mustOnline(t, reg, "dr-b", "general")
	if _, err := reg.SetOffline(ctx, "dr-b"); err != nil {
		t.Fatalf("set offline: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if n := reg.MarkStale(ctx); n != 1 {
		t.Fatalf("expected 1 stale doctor, got %d", n)
	}
	if n := reg.MarkStale(ctx); n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", n)
	}

	a, _ := reg.Heartbeat(ctx, "dr-a")
	if !a.Online {
		t.Fatal("heartbeat should bring an auto-offlined doctor back")
	}
	b, _ := reg.Heartbeat(ctx, "dr-b")
	if b.Online {
		t.Fatal("explicit offline must survive a heartbeat")
	}
}

func TestHeartbeatUnknownDoctor(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.Heartbeat(context.Background(), "ghost")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetOnlineValidation(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.SetOnline(ctx, "", []string{"general"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
	if _, err := reg.SetOnline(ctx, "dr-a", []string{" ", ""}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty specialties, got %v", err)
	}
	if len(reg.Snapshot()) != 0 {
		t.Fatal("failed registrations must not be visible")
	}
}

func TestDecrementLoadFloorsAtZero(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	mustOnline(t, reg, "dr-a", "general")

	d, err := reg.DecrementLoad(ctx, "dr-a")
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if d.ActiveConsultations != 0 {
		t.Fatalf("expected load 0, got %d", d.ActiveConsultations)
	}
}

func TestConcurrentLoadUpdates(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	mustOnline(t, reg, "dr-a", "general")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.IncrementLoad(ctx, "dr-a")
		}()
	}
	wg.Wait()

	d, _ := reg.Get("dr-a")
	if d.ActiveConsultations != 50 {
		t.Fatalf("expected load 50, got %d", d.ActiveConsultations)
	}
}

type failingStore struct{ err error }

func (s failingStore) Save(context.Context, Doctor) error         { return s.err }
func (s failingStore) LoadAll(context.Context) ([]Doctor, error) { return nil, s.err }

func TestStoreFailureLeavesMemoryUntouched(t *testing.T) {
	reg, _ := newTestRegistry(WithStore(failingStore{err: errors.New("connection refused")}))

	_, err := reg.SetOnline(context.Background(), "dr-a", []string{"general"})
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, err := reg.Get("dr-a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("doctor must not be registered after a failed save, got %v", err)
	}
	if got := reg.FindCandidates("general", nil); len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", ids(got))
	}
}

type memStore struct {
	mu   sync.Mutex
	docs map[string]Doctor
}

func (s *memStore) Save(_ context.Context, d Doctor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = d
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Doctor, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	return out, nil
}

func TestRestoreFromStore(t *testing.T) {
	store := &memStore{docs: map[string]Doctor{}}
	first, clock := newTestRegistry(WithStore(store))
	mustOnline(t, first, "dr-a", "oncology")

	second := NewRegistry(90*time.Second, logger.Discard(), WithStore(store), WithClock(clock.Now))
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := ids(second.FindCandidates("oncology", nil)); len(got) != 1 || got[0] != "dr-a" {
		t.Fatalf("expected restored doctor, got %v", got)
	}
}

func mustOnline(t *testing.T, reg *Registry, id string, specialties ...string) {
	t.Helper()
	if _, err := reg.SetOnline(context.Background(), id, specialties); err != nil {
		t.Fatalf("set online %s: %v", id, err)
	}
}
