package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/availability"
	"github.com/hackgods/teleconsult-signaling/internal/notify"
	redisclient "github.com/hackgods/teleconsult-signaling/internal/redis"
)

const (
	EventConsultationCreated   = "CONSULTATION_CREATED"
	EventConsultationAssigned  = "CONSULTATION_ASSIGNED"
	EventConsultationAccepted  = "CONSULTATION_ACCEPTED"
	EventConsultationRejected  = "CONSULTATION_REJECTED"
	EventConsultationRequeued  = "CONSULTATION_REQUEUED"
	EventConsultationActive    = "CONSULTATION_ACTIVE"
	EventConsultationCompleted = "CONSULTATION_COMPLETED"
	EventConsultationExpired   = "CONSULTATION_EXPIRED"
	EventConsultationCancelled = "CONSULTATION_CANCELLED"
)

const maxDescriptionLength = 4000

// Matcher picks a doctor for a category, skipping excluded ids.
type Matcher interface {
	Match(category string, excludeIDs []string) (availability.Doctor, bool)
}

// LoadTracker adjusts a doctor's active-consultation count.
type LoadTracker interface {
	IncrementLoad(ctx context.Context, doctorID string) (availability.Doctor, error)
	DecrementLoad(ctx context.Context, doctorID string) (availability.Doctor, error)
}

// Listener is told when a request that may own a live room reaches a
// terminal state outside the room itself (cancel, expiry).
type Listener interface {
	RequestClosed(ctx context.Context, req Request)
}

type Policy struct {
	RetryLimit     int
	RequestTimeout time.Duration
	MinDwell       time.Duration
}

type Manager struct {
	repo     Repository
	locker   redisclient.Locker
	matcher  Matcher
	load     LoadTracker
	notifier notify.Dispatcher
	policy   Policy
	now      func() time.Time
	log      *logrus.Entry

	listenersMu sync.RWMutex
	listeners   []Listener
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(
	repo Repository,
	locker redisclient.Locker,
	matcher Matcher,
	load LoadTracker,
	notifier notify.Dispatcher,
	policy Policy,
	log *logrus.Entry,
	opts ...Option,
) *Manager {
	m := &Manager{
		repo:     repo,
		locker:   locker,
		matcher:  matcher,
		load:     load,
		notifier: notifier,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

type CreateInput struct {
	Category    string
	Description string
	ScheduledAt *time.Time
}

// Create stores a new pending request and makes one synchronous attempt to
// assign it. Finding no doctor is not an error; the request waits for the
// auto-assign sweep.
func (m *Manager) Create(ctx context.Context, patient auth.Identity, in CreateInput) (*Request, error) {
	if patient.Role != auth.RolePatient || patient.UserID == "" {
		return nil, apperr.Unauthorized("only patients can request a consultation")
	}
	category := strings.ToLower(strings.TrimSpace(in.Category))
	if category == "" {
		return nil, apperr.Validation("category is required")
	}
	if len(in.Description) > maxDescriptionLength {
		return nil, apperr.Validation("description exceeds %d characters", maxDescriptionLength)
	}

	now := m.now()
	req := &Request{
		ID:          uuid.New(),
		PatientID:   patient.UserID,
		Category:    category,
		Description: strings.TrimSpace(in.Description),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: in.ScheduledAt,
	}

	if err := m.repo.Create(ctx, req); err != nil {
		return nil, apperr.Upstream("create consultation", err)
	}

	m.logEvent(ctx, req.ID, EventConsultationCreated, map[string]any{
		"patient_id": req.PatientID,
		"category":   req.Category,
	})

	if req.dueAt().After(now) {
		return req, nil
	}

	assigned, err := m.Assign(ctx, req.ID)
	if err != nil {
		m.log.WithError(err).WithField("consultation_id", req.ID).Warn("initial assignment failed, leaving request pending")
		return req, nil
	}
	return assigned, nil
}

// Assign matches a pending request to a doctor. The request stays pending
// when no candidate is available.
func (m *Manager) Assign(ctx context.Context, id uuid.UUID) (*Request, error) {
	var out *Request
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		if req.Status != StatusPending {
			return &TransitionError{From: req.Status, To: StatusAssigned}
		}
		if _, err := m.assignLocked(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) assignLocked(ctx context.Context, req *Request) (bool, error) {
	doc, ok := m.matcher.Match(req.Category, req.ExcludedDoctors)
	if !ok {
		m.log.WithFields(logrus.Fields{
			"consultation_id": req.ID,
			"category":        req.Category,
		}).Debug("no doctor available")
		return false, nil
	}

	next := req.Clone()
	doctorID := doc.ID
	next.DoctorID = &doctorID
	if err := next.transition(StatusAssigned, m.now()); err != nil {
		return false, err
	}
	if err := m.persist(ctx, &next, req.Status); err != nil {
		return false, err
	}
	*req = next

	if _, err := m.load.IncrementLoad(ctx, doctorID); err != nil {
		m.log.WithError(err).WithField("doctor_id", doctorID).Warn("failed to increment doctor load")
	}

	m.logEvent(ctx, req.ID, EventConsultationAssigned, map[string]any{"doctor_id": doctorID})
	m.notify(ctx, notify.TypeAssigned, doctorID, req, "")
	m.notify(ctx, notify.TypeAssigned, req.PatientID, req, "")
	return true, nil
}

// Accept is called by the assigned doctor. The returned request carries the
// room id both parties join.
func (m *Manager) Accept(ctx context.Context, doctor auth.Identity, id uuid.UUID) (*Request, error) {
	var out *Request
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		if err := m.checkAssignedDoctor(req, doctor, StatusAccepted); err != nil {
			return err
		}

		next := req.Clone()
		if err := next.transition(StatusAccepted, m.now()); err != nil {
			return err
		}
		if err := m.persist(ctx, &next, req.Status); err != nil {
			return err
		}
		*req = next
		out = req

		m.logEvent(ctx, req.ID, EventConsultationAccepted, map[string]any{"doctor_id": doctor.UserID})
		m.notify(ctx, notify.TypeAccepted, req.PatientID, req, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reject records the rejection, then either re-queues the request and tries
// another doctor or expires it once the retry limit is exceeded. Once the
// rejection is stored the call succeeds; if the follow-up write fails the
// request stays rejected and the auto-assign sweep settles it.
func (m *Manager) Reject(ctx context.Context, doctor auth.Identity, id uuid.UUID, reason string) (*Request, error) {
	var out *Request
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		if err := m.checkAssignedDoctor(req, doctor, StatusRejected); err != nil {
			return err
		}

		rejected := req.Clone()
		if err := rejected.transition(StatusRejected, m.now()); err != nil {
			return err
		}
		rejected.RetryCount++
		if !rejected.excludes(doctor.UserID) {
			rejected.ExcludedDoctors = append(rejected.ExcludedDoctors, doctor.UserID)
		}
		rejected.DoctorID = nil
		if err := m.persist(ctx, &rejected, req.Status); err != nil {
			return err
		}
		*req = rejected
		out = req

		m.releaseDoctor(ctx, doctor.UserID)
		m.logEvent(ctx, req.ID, EventConsultationRejected, map[string]any{
			"doctor_id":   doctor.UserID,
			"retry_count": req.RetryCount,
			"reason":      reason,
		})

		if err := m.settleRejected(ctx, req); err != nil {
			m.log.WithError(err).WithField("consultation_id", req.ID).Warn("re-queue after reject failed, leaving it to the sweep")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settleRejected moves a rejected request on: expired past the retry limit,
// otherwise pending again with one immediate assignment attempt. Requires
// the request lock.
func (m *Manager) settleRejected(ctx context.Context, req *Request) error {
	next := req.Clone()
	if req.RetryCount > m.policy.RetryLimit {
		if err := next.transition(StatusExpired, m.now()); err != nil {
			return err
		}
		if err := m.persist(ctx, &next, req.Status); err != nil {
			return err
		}
		*req = next

		m.logEvent(ctx, req.ID, EventConsultationExpired, map[string]any{"reason": "retry_limit"})
		m.notify(ctx, notify.TypeExpired, req.PatientID, req, "retry_limit")
		return nil
	}

	if err := next.transition(StatusPending, m.now()); err != nil {
		return err
	}
	if err := m.persist(ctx, &next, req.Status); err != nil {
		return err
	}
	*req = next

	m.logEvent(ctx, req.ID, EventConsultationRequeued, map[string]any{"retry_count": req.RetryCount})
	m.notify(ctx, notify.TypeRequeued, req.PatientID, req, "doctor_rejected")

	if _, err := m.assignLocked(ctx, req); err != nil {
		m.log.WithError(err).WithField("consultation_id", req.ID).Warn("reassignment after reject failed")
	}
	return nil
}

// Cancel moves a non-terminal request to cancelled. Cancelling a terminal
// request is a no-op that returns its current state.
func (m *Manager) Cancel(ctx context.Context, who auth.Identity, id uuid.UUID, reason string) (*Request, error) {
	var out *Request
	var closed bool
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		if who.Role != auth.RoleSystem && !req.IsParty(who.UserID) {
			return apperr.Unauthorized("not a party to consultation %s", req.ID)
		}
		out = req
		if req.Status.Terminal() {
			return nil
		}

		from := req.Status
		doctorID := req.AssignedDoctor()
		next := req.Clone()
		if err := next.transition(StatusCancelled, m.now()); err != nil {
			return err
		}
		if err := m.persist(ctx, &next, from); err != nil {
			return err
		}
		*req = next
		closed = true

		if from.holdsDoctor() {
			m.releaseDoctor(ctx, doctorID)
		}
		m.logEvent(ctx, req.ID, EventConsultationCancelled, map[string]any{
			"by":     who.UserID,
			"from":   from,
			"reason": reason,
		})
		for _, user := range m.otherParties(req, who.UserID) {
			m.notify(ctx, notify.TypeCancelled, user, req, reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		m.fireClosed(ctx, *out)
	}
	return out, nil
}

// Get returns a request to one of its parties.
func (m *Manager) Get(ctx context.Context, who auth.Identity, id uuid.UUID) (*Request, error) {
	req, err := m.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if who.Role != auth.RoleSystem && !req.IsParty(who.UserID) {
		return nil, apperr.Unauthorized("not a party to consultation %s", id)
	}
	return req, nil
}

// AuthorizeRoom checks that who may enter roomID: the backing request must be
// accepted or active and who must be its patient or assigned doctor.
func (m *Manager) AuthorizeRoom(ctx context.Context, roomID string, who auth.Identity) (*Request, error) {
	id, err := ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}
	req, err := m.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(who.UserID) {
		return nil, apperr.Unauthorized("%s is not a party to room %s", who.UserID, roomID)
	}
	if req.Status != StatusAccepted && req.Status != StatusActive {
		return nil, apperr.Conflict("consultation is %s, room %s is not open", req.Status, roomID)
	}
	return req, nil
}

// MarkActive records that both parties joined the room. It is a no-op for a
// request that is already active.
func (m *Manager) MarkActive(ctx context.Context, id uuid.UUID) (*Request, error) {
	var out *Request
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		out = req
		if req.Status == StatusActive {
			return nil
		}

		next := req.Clone()
		if err := next.transition(StatusActive, m.now()); err != nil {
			return err
		}
		if err := m.persist(ctx, &next, req.Status); err != nil {
			return err
		}
		*req = next
		m.logEvent(ctx, req.ID, EventConsultationActive, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseFromRoom finishes the request behind a room that ended: an active
// consultation completes, an accepted one that never started is cancelled.
// Terminal requests are returned unchanged.
func (m *Manager) CloseFromRoom(ctx context.Context, id uuid.UUID, reason string) (*Request, error) {
	var out *Request
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		out = req
		if req.Status.Terminal() {
			return nil
		}

		to := StatusCompleted
		event := EventConsultationCompleted
		if req.Status == StatusAccepted {
			to = StatusCancelled
			event = EventConsultationCancelled
		}

		from := req.Status
		next := req.Clone()
		if err := next.transition(to, m.now()); err != nil {
			return err
		}
		if err := m.persist(ctx, &next, from); err != nil {
			return err
		}
		*req = next

		if from.holdsDoctor() {
			m.releaseDoctor(ctx, req.AssignedDoctor())
		}
		m.logEvent(ctx, req.ID, event, map[string]any{"reason": reason})
		m.notify(ctx, notify.TypeCallEnded, req.PatientID, req, reason)
		m.notify(ctx, notify.TypeCallEnded, req.AssignedDoctor(), req, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepPending re-runs assignment for pending requests that have waited at
// least the minimum dwell time, and settles requests left rejected by a
// failed re-queue. It returns how many were assigned. Requests that changed
// state since the snapshot are skipped.
func (m *Manager) SweepPending(ctx context.Context) (int, error) {
	waiting, err := m.repo.ListByStatus(ctx, StatusPending, StatusRejected)
	if err != nil {
		return 0, apperr.Upstream("list pending consultations", err)
	}

	now := m.now()
	assigned := 0
	for _, snap := range waiting {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}

		var req *Request
		var err error
		if snap.Status == StatusRejected {
			req, err = m.settle(ctx, snap.ID)
		} else {
			if now.Before(snap.dueAt()) || now.Sub(snap.UpdatedAt) < m.policy.MinDwell {
				continue
			}
			req, err = m.Assign(ctx, snap.ID)
		}

		switch {
		case err == nil:
			if req != nil && req.Status == StatusAssigned {
				assigned++
			}
		case errors.Is(err, apperr.ErrStateConflict):
			m.log.WithField("consultation_id", snap.ID).Debug("skipping request that changed during sweep")
		default:
			m.log.WithError(err).WithField("consultation_id", snap.ID).Warn("auto-assign failed")
		}
	}
	return assigned, nil
}

func (m *Manager) settle(ctx context.Context, id uuid.UUID) (*Request, error) {
	var out *Request
	err := m.withRequest(ctx, id, func(ctx context.Context, req *Request) error {
		if req.Status != StatusRejected {
			return nil
		}
		if err := m.settleRejected(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// ExpireStale expires pending, assigned and rejected requests older than the
// request timeout, and cancels accepted requests whose call never started
// within the same window. Age is re-checked under the request lock.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	candidates, err := m.repo.ListByStatus(ctx, StatusPending, StatusAssigned, StatusRejected, StatusAccepted)
	if err != nil {
		return 0, apperr.Upstream("list expirable consultations", err)
	}

	expired := 0
	for _, snap := range candidates {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if !m.timedOut(snap) {
			continue
		}

		var closed *Request
		err := m.withRequest(ctx, snap.ID, func(ctx context.Context, req *Request) error {
			if !m.timedOut(*req) {
				return nil
			}
			from := req.Status
			doctorID := req.AssignedDoctor()

			to, event, typ, reason := StatusExpired, EventConsultationExpired, notify.TypeExpired, "timeout"
			if from == StatusAccepted {
				// accepted has no expired exit
				to, event, typ, reason = StatusCancelled, EventConsultationCancelled, notify.TypeCancelled, "not_joined"
			}

			next := req.Clone()
			if err := next.transition(to, m.now()); err != nil {
				return err
			}
			if err := m.persist(ctx, &next, from); err != nil {
				return err
			}
			*req = next
			closed = req

			if from.holdsDoctor() {
				m.releaseDoctor(ctx, doctorID)
			}
			m.logEvent(ctx, req.ID, event, map[string]any{"reason": reason, "from": from})
			m.notify(ctx, typ, req.PatientID, req, reason)
			if doctorID != "" {
				m.notify(ctx, typ, doctorID, req, reason)
			}
			return nil
		})
		switch {
		case err == nil:
			if closed != nil {
				expired++
				if snap.Status == StatusAccepted {
					m.fireClosed(ctx, *closed)
				}
			}
		case errors.Is(err, apperr.ErrStateConflict):
			m.log.WithField("consultation_id", snap.ID).Debug("skipping request that changed during sweep")
		default:
			m.log.WithError(err).WithField("consultation_id", snap.ID).Warn("expiry failed")
		}
	}
	return expired, nil
}

// timedOut reports whether a request has waited too long. Waiting requests
// count from their due time, accepted ones from the acceptance.
func (m *Manager) timedOut(req Request) bool {
	switch req.Status {
	case StatusPending, StatusAssigned, StatusRejected:
		return m.now().Sub(req.dueAt()) >= m.policy.RequestTimeout
	case StatusAccepted:
		return m.now().Sub(req.UpdatedAt) >= m.policy.RequestTimeout
	}
	return false
}

func (m *Manager) checkAssignedDoctor(req *Request, doctor auth.Identity, to Status) error {
	if doctor.Role != auth.RoleDoctor {
		return apperr.Unauthorized("only the assigned doctor can respond to consultation %s", req.ID)
	}
	if req.AssignedDoctor() != doctor.UserID {
		if req.excludes(doctor.UserID) {
			return apperr.Conflict("consultation %s was reassigned", req.ID)
		}
		if req.Status != StatusAssigned {
			return &TransitionError{From: req.Status, To: to}
		}
		return apperr.Unauthorized("consultation %s is not assigned to %s", req.ID, doctor.UserID)
	}
	if req.Status != StatusAssigned {
		return &TransitionError{From: req.Status, To: to}
	}
	return nil
}

// withRequest loads the request under its per-key lock and runs fn. Errors
// from fn are returned as-is; lock failures are mapped to error kinds.
func (m *Manager) withRequest(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, req *Request) error) error {
	var inner error
	err := m.locker.WithLock(ctx, "consultation:"+id.String(), func(lockCtx context.Context) error {
		req, err := m.fetch(lockCtx, id)
		if err != nil {
			inner = err
			return err
		}
		inner = fn(lockCtx, req)
		return inner
	})
	if inner != nil {
		return inner
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return apperr.Conflict("consultation %s is being modified, retry shortly", id)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperr.Upstream("lock consultation", err)
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context, id uuid.UUID) (*Request, error) {
	req, err := m.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConsultationNotFound) {
			return nil, err
		}
		return nil, apperr.Upstream("load consultation", err)
	}
	return req, nil
}

func (m *Manager) persist(ctx context.Context, req *Request, from Status) error {
	if err := m.repo.Update(ctx, req, from); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return &TransitionError{From: from, To: req.Status}
		}
		return apperr.Upstream("update consultation", err)
	}
	return nil
}

func (m *Manager) releaseDoctor(ctx context.Context, doctorID string) {
	if doctorID == "" {
		return
	}
	if _, err := m.load.DecrementLoad(ctx, doctorID); err != nil {
		m.log.WithError(err).WithField("doctor_id", doctorID).Warn("failed to decrement doctor load")
	}
}

func (m *Manager) otherParties(req *Request, actor string) []string {
	var out []string
	for _, user := range []string{req.PatientID, req.AssignedDoctor()} {
		if user != "" && user != actor {
			out = append(out, user)
		}
	}
	return out
}

func (m *Manager) fireClosed(ctx context.Context, req Request) {
	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l.RequestClosed(ctx, req)
	}
}

func (m *Manager) notify(ctx context.Context, typ notify.Type, userID string, req *Request, reason string) {
	if userID == "" || m.notifier == nil {
		return
	}
	ev := notify.Event{
		Type:           typ,
		UserID:         userID,
		ConsultationID: req.ID.String(),
		Status:         string(req.Status),
		Reason:         reason,
		OccurredAt:     m.now(),
	}
	if req.Status == StatusAccepted || req.Status == StatusActive {
		ev.RoomID = req.RoomID()
	}
	if err := m.notifier.Dispatch(ctx, ev); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"type":            typ,
			"consultation_id": req.ID,
		}).Warn("notification failed")
	}
}

func (m *Manager) logEvent(ctx context.Context, consultationID uuid.UUID, eventType string, payload map[string]any) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			m.log.WithError(err).WithField("event", eventType).Warn("failed to marshal event payload")
			data = nil
		}
	}

	id := consultationID
	ev := EventLog{
		EventType:      eventType,
		ConsultationID: &id,
		Payload:        data,
		CreatedAt:      m.now(),
	}

	if err := m.repo.InsertEvent(ctx, ev); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"event":           eventType,
			"consultation_id": consultationID,
		}).Warn("failed to insert event log")
	}
}
