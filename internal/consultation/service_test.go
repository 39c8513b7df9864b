package consultation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/availability"
	"github.com/hackgods/teleconsult-signaling/internal/matching"
	"github.com/hackgods/teleconsult-signaling/internal/notify"
	redisclient "github.com/hackgods/teleconsult-signaling/internal/redis"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingRepo remembers every persisted status change.
type recordingRepo struct {
	*MemoryRepository
	mu    sync.Mutex
	moves map[uuid.UUID][]Status
	// failOn makes writes into this status fail when set.
	failOn Status
}

func (r *recordingRepo) failWrites(to Status) {
	r.mu.Lock()
	r.failOn = to
	r.mu.Unlock()
}

func (r *recordingRepo) Create(ctx context.Context, req *Request) error {
	if err := r.MemoryRepository.Create(ctx, req); err != nil {
		return err
	}
	r.mu.Lock()
	r.moves[req.ID] = []Status{req.Status}
	r.mu.Unlock()
	return nil
}

func (r *recordingRepo) Update(ctx context.Context, req *Request, from Status) error {
	r.mu.Lock()
	fail := r.failOn != "" && r.failOn == req.Status
	r.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	if err := r.MemoryRepository.Update(ctx, req, from); err != nil {
		return err
	}
	r.mu.Lock()
	r.moves[req.ID] = append(r.moves[req.ID], req.Status)
	r.mu.Unlock()
	return nil
}

func (r *recordingRepo) history(id uuid.UUID) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.moves[id]...)
}

type noteRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *noteRecorder) Dispatch(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *noteRecorder) Close() error { return nil }

func (n *noteRecorder) forUser(userID string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, ev := range n.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

type closedListener struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (l *closedListener) RequestClosed(_ context.Context, req Request) {
	l.mu.Lock()
	l.ids = append(l.ids, req.ID)
	l.mu.Unlock()
}

type fixture struct {
	mgr   *Manager
	repo  *recordingRepo
	reg   *availability.Registry
	clock *testClock
	notes *noteRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := availability.NewRegistry(90*time.Second, logger.Discard(), availability.WithClock(clock.Now))
	repo := &recordingRepo{MemoryRepository: NewMemoryRepository(), moves: map[uuid.UUID][]Status{}}
	notes := &noteRecorder{}

	mgr := NewManager(
		repo,
		redisclient.NewLocalLocker(),
		matching.NewEngine(reg),
		reg,
		notes,
		Policy{RetryLimit: 3, RequestTimeout: 10 * time.Minute, MinDwell: 15 * time.Second},
		logger.Discard(),
		WithClock(clock.Now),
	)
	return &fixture{mgr: mgr, repo: repo, reg: reg, clock: clock, notes: notes}
}

func (f *fixture) online(t *testing.T, id string, specialties ...string) {
	t.Helper()
	if _, err := f.reg.SetOnline(context.Background(), id, specialties); err != nil {
		t.Fatalf("set online %s: %v", id, err)
	}
}

func (f *fixture) load(t *testing.T, id string) int {
	t.Helper()
	d, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return d.ActiveConsultations
}

func (f *fixture) assertValidHistory(t *testing.T, id uuid.UUID) {
	t.Helper()
	h := f.repo.history(id)
	if len(h) == 0 || h[0] != StatusPending {
		t.Fatalf("history must start pending, got %v", h)
	}
	for i := 1; i < len(h); i++ {
		if !CanTransition(h[i-1], h[i]) {
			t.Fatalf("illegal move %s -> %s in %v", h[i-1], h[i], h)
		}
	}
}

var (
	patient = auth.Identity{UserID: "patient-1", Role: auth.RolePatient}
	ctx     = context.Background()
)

func doctor(id string) auth.Identity { return auth.Identity{UserID: id, Role: auth.RoleDoctor} }

func TestCreateAssignsLeastLoadedDoctor(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "cardiology")
	f.online(t, "doctor-b", "cardiology")
	for i := 0; i < 2; i++ {
		if _, err := f.reg.IncrementLoad(ctx, "doctor-b"); err != nil {
			t.Fatal(err)
		}
	}

	req, err := f.mgr.Create(ctx, patient, CreateInput{Category: "Cardiology", Description: "chest pain"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != StatusAssigned || req.AssignedDoctor() != "doctor-a" {
		t.Fatalf("expected assigned to doctor-a, got %s/%s", req.Status, req.AssignedDoctor())
	}
	if got := f.load(t, "doctor-a"); got != 1 {
		t.Fatalf("expected doctor-a load 1, got %d", got)
	}
	if len(f.notes.forUser("doctor-a")) != 1 {
		t.Fatal("assigned doctor should be notified")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.mgr.Create(ctx, patient, CreateInput{Category: "  "}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.mgr.Create(ctx, doctor("doctor-a"), CreateInput{Category: "general"}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for doctor caller, got %v", err)
	}
}

func TestPendingRequestWaitsThenExpires(t *testing.T) {
	f := newFixture(t)

	req, err := f.mgr.Create(ctx, patient, CreateInput{Category: "dermatology"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	f.clock.Advance(time.Minute)
	if n, err := f.mgr.SweepPending(ctx); err != nil || n != 0 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if n, err := f.mgr.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("request younger than timeout must survive: n=%d err=%v", n, err)
	}

	got, _ := f.mgr.Get(ctx, patient, req.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending after sweep, got %s", got.Status)
	}

	f.clock.Advance(10 * time.Minute)
	if n, err := f.mgr.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	got, _ = f.mgr.Get(ctx, patient, req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	f.assertValidHistory(t, req.ID)
}

func TestSweepAssignsAfterDwell(t *testing.T) {
	f := newFixture(t)

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	f.online(t, "doctor-a", "general")

	f.clock.Advance(5 * time.Second)
	if n, _ := f.mgr.SweepPending(ctx); n != 0 {
		t.Fatalf("request inside dwell time must be skipped, assigned %d", n)
	}

	f.clock.Advance(15 * time.Second)
	f.online(t, "doctor-a", "general")
	if n, _ := f.mgr.SweepPending(ctx); n != 1 {
		t.Fatalf("expected 1 assignment, got %d", n)
	}
	got, _ := f.mgr.Get(ctx, patient, req.ID)
	if got.Status != StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
}

func TestRejectRequeuesUntilRetryLimit(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"doctor-1", "doctor-2", "doctor-3", "doctor-4", "doctor-5"} {
		f.online(t, id, "general")
	}

	req, err := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for round := 1; round <= 4; round++ {
		current := req.AssignedDoctor()
		if current == "" {
			t.Fatalf("round %d: expected an assigned doctor", round)
		}
		req, err = f.mgr.Reject(ctx, doctor(current), req.ID, "busy")
		if err != nil {
			t.Fatalf("round %d reject: %v", round, err)
		}
		if req.RetryCount != round {
			t.Fatalf("round %d: expected retry count %d, got %d", round, round, req.RetryCount)
		}
		if f.load(t, current) != 0 {
			t.Fatalf("round %d: rejecting doctor still carries load", round)
		}
		if round <= 3 {
			if req.Status != StatusAssigned {
				t.Fatalf("round %d: expected reassignment, got %s", round, req.Status)
			}
			if req.AssignedDoctor() == current {
				t.Fatalf("round %d: reassigned to the rejecting doctor", round)
			}
		}
	}

	if req.Status != StatusExpired {
		t.Fatalf("expected expired after exceeding the retry limit, got %s", req.Status)
	}
	if req.AssignedDoctor() != "" {
		t.Fatalf("expired request must not be re-assigned, got %s", req.AssignedDoctor())
	}

	f.clock.Advance(time.Minute)
	if n, _ := f.mgr.SweepPending(ctx); n != 0 {
		t.Fatalf("expired request picked up by sweep")
	}
	f.assertValidHistory(t, req.ID)
}

func TestConcurrentRejectsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")
	f.online(t, "doctor-b", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	assigned := doctor(req.AssignedDoctor())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Reject(ctx, assigned, req.ID, "busy")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, apperr.ErrStateConflict):
			t.Fatalf("losing reject should be a state conflict, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful reject, got %d", succeeded)
	}

	got, _ := f.mgr.Get(ctx, patient, req.ID)
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
	f.assertValidHistory(t, req.ID)
}

func TestAcceptRequiresAssignedDoctor(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})

	if _, err := f.mgr.Accept(ctx, doctor("doctor-z"), req.ID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	accepted, err := f.mgr.Accept(ctx, doctor("doctor-a"), req.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}

	_, err = f.mgr.Accept(ctx, doctor("doctor-a"), req.ID)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusAccepted {
		t.Fatalf("expected transition error from accepted, got %v", err)
	}

	notes := f.notes.forUser(patient.UserID)
	last := notes[len(notes)-1]
	if last.Type != notify.TypeAccepted || last.RoomID != RoomIDFor(req.ID) {
		t.Fatalf("patient should receive the room id, got %+v", last)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")
	listener := &closedListener{}
	f.mgr.AddListener(listener)

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if _, err := f.mgr.Accept(ctx, doctor("doctor-a"), req.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	first, err := f.mgr.Cancel(ctx, patient, req.ID, "changed my mind")
	if err != nil || first.Status != StatusCancelled {
		t.Fatalf("cancel: %v %v", first, err)
	}
	second, err := f.mgr.Cancel(ctx, patient, req.ID, "again")
	if err != nil || second.Status != StatusCancelled {
		t.Fatalf("repeat cancel should be a no-op, got %v %v", second, err)
	}

	if f.load(t, "doctor-a") != 0 {
		t.Fatal("cancel must release the doctor")
	}
	if len(listener.ids) != 1 {
		t.Fatalf("expected one close notification, got %d", len(listener.ids))
	}
	f.assertValidHistory(t, req.ID)
}

func TestCancelCompletedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if _, err := f.mgr.Accept(ctx, doctor("doctor-a"), req.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.MarkActive(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	done, err := f.mgr.CloseFromRoom(ctx, req.ID, "call_ended")
	if err != nil || done.Status != StatusCompleted {
		t.Fatalf("close: %v %v", done, err)
	}

	got, err := f.mgr.Cancel(ctx, doctor("doctor-a"), req.ID, "late")
	if err != nil {
		t.Fatalf("cancel of completed request: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	f.assertValidHistory(t, req.ID)
}

func TestCancelRejectsStrangers(t *testing.T) {
	f := newFixture(t)
	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})

	stranger := auth.Identity{UserID: "patient-2", Role: auth.RolePatient}
	if _, err := f.mgr.Cancel(ctx, stranger, req.ID, ""); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.mgr.Cancel(ctx, auth.System, req.ID, "shutdown"); err != nil {
		t.Fatalf("system cancel: %v", err)
	}
}

func TestCloseFromRoomBeforeActiveCancels(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if _, err := f.mgr.Accept(ctx, doctor("doctor-a"), req.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.mgr.CloseFromRoom(ctx, req.ID, "call_ended")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestAuthorizeRoom(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	room := RoomIDFor(req.ID)

	if _, err := f.mgr.AuthorizeRoom(ctx, room, patient); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("room must stay closed before accept, got %v", err)
	}
	if _, err := f.mgr.Accept(ctx, doctor("doctor-a"), req.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		room   string
		who    auth.Identity
		wantIs error
	}{
		{"patient", room, patient, nil},
		{"doctor", room, doctor("doctor-a"), nil},
		{"third party", room, doctor("doctor-b"), apperr.ErrUnauthorized},
		{"malformed room", "lobby", patient, apperr.ErrValidation},
		{"unknown room", RoomIDFor(uuid.New()), patient, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.AuthorizeRoom(ctx, tt.room, tt.who)
			if tt.wantIs == nil {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("expected %v, got %v", tt.wantIs, err)
			}
		})
	}
}

func TestExpireStaleReleasesAssignedDoctor(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if f.load(t, "doctor-a") != 1 {
		t.Fatal("expected load 1 after assignment")
	}

	f.clock.Advance(11 * time.Minute)
	if n, _ := f.mgr.ExpireStale(ctx); n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}
	if f.load(t, "doctor-a") != 0 {
		t.Fatal("expiry must release the doctor")
	}
	got, _ := f.mgr.Get(ctx, patient, req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

func TestScheduledRequestWaitsForItsTime(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")

	at := f.clock.Now().Add(time.Hour)
	req, err := f.mgr.Create(ctx, patient, CreateInput{Category: "general", ScheduledAt: &at})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("scheduled request must not be matched early, got %s", req.Status)
	}
	if n, _ := f.mgr.ExpireStale(ctx); n != 0 {
		t.Fatal("scheduled request must not time out before its time")
	}
}

func TestRejectLeavesRequestForSweepWhenRequeueFails(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-1", "general")

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if req.AssignedDoctor() != "doctor-1" {
		t.Fatalf("expected doctor-1, got %q", req.AssignedDoctor())
	}
	f.online(t, "doctor-2", "general")

	f.repo.failWrites(StatusPending)
	got, err := f.mgr.Reject(ctx, doctor("doctor-1"), req.ID, "busy")
	if err != nil {
		t.Fatalf("reject must succeed once stored, got %v", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if f.load(t, "doctor-1") != 0 {
		t.Fatal("rejecting doctor still carries load")
	}

	// nothing settles while the store is still down
	if n, _ := f.mgr.SweepPending(ctx); n != 0 {
		t.Fatalf("expected no assignment while store fails, got %d", n)
	}

	f.repo.failWrites("")
	if n, err := f.mgr.SweepPending(ctx); err != nil || n != 1 {
		t.Fatalf("expected sweep to settle the rejected request, got n=%d err=%v", n, err)
	}
	got, _ = f.mgr.Get(ctx, patient, req.ID)
	if got.Status != StatusAssigned || got.AssignedDoctor() != "doctor-2" {
		t.Fatalf("expected assigned to doctor-2, got %s/%q", got.Status, got.AssignedDoctor())
	}
	if f.load(t, "doctor-2") != 1 {
		t.Fatal("expected doctor-2 to carry the request")
	}
	f.assertValidHistory(t, req.ID)
}

func TestExpireStaleCancelsUnjoinedAccepted(t *testing.T) {
	f := newFixture(t)
	f.online(t, "doctor-a", "general")
	closed := &closedListener{}
	f.mgr.AddListener(closed)

	req, _ := f.mgr.Create(ctx, patient, CreateInput{Category: "general"})
	if _, err := f.mgr.Accept(ctx, doctor("doctor-a"), req.ID); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(5 * time.Minute)
	if n, _ := f.mgr.ExpireStale(ctx); n != 0 {
		t.Fatal("accepted request cancelled too early")
	}

	f.clock.Advance(6 * time.Minute)
	if n, err := f.mgr.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 cancellation, got n=%d err=%v", n, err)
	}
	got, _ := f.mgr.Get(ctx, patient, req.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if f.load(t, "doctor-a") != 0 {
		t.Fatal("cancellation must release the doctor")
	}
	if len(closed.ids) != 1 || closed.ids[0] != req.ID {
		t.Fatalf("expected listener to see %s, got %v", req.ID, closed.ids)
	}
	if len(f.notes.forUser("doctor-a")) == 0 {
		t.Fatal("doctor was not told")
	}
	f.assertValidHistory(t, req.ID)
}
