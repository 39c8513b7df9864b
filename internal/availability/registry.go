package availability

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
)

// GeneralSpecialty is matched when no doctor carries the requested category.
const GeneralSpecialty = "general"

type Doctor struct {
	ID                  string    `json:"doctor_id" msgpack:"id"`
	Online              bool      `json:"online" msgpack:"online"`
	Specialties         []string  `json:"specialties" msgpack:"specialties"`
	ActiveConsultations int       `json:"active_consultations" msgpack:"load"`
	LastHeartbeat       time.Time `json:"last_heartbeat" msgpack:"last_heartbeat"`

	// AutoOffline is set when the staleness sweep took the doctor offline,
	// as opposed to an explicit offline toggle.
	AutoOffline bool `json:"-" msgpack:"auto_offline"`
}

func (d Doctor) clone() Doctor {
	d.Specialties = append([]string(nil), d.Specialties...)
	return d
}

func (d Doctor) registered() bool { return !d.LastHeartbeat.IsZero() }

func (d Doctor) hasSpecialty(s string) bool {
	for _, sp := range d.Specialties {
		if sp == s {
			return true
		}
	}
	return false
}

// Registry is the only owner of doctor availability. Each doctor has its own
// lock, so heartbeats and load changes for different doctors never contend.
type Registry struct {
	mu      sync.RWMutex
	doctors map[string]*entry

	store      Store
	staleAfter time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

type entry struct {
	mu  sync.Mutex
	doc Doctor
}

type Option func(*Registry)

// WithStore persists every mutation before it becomes visible in memory.
func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func NewRegistry(staleAfter time.Duration, log *logrus.Entry, opts ...Option) *Registry {
	r := &Registry{
		doctors:    make(map[string]*entry),
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads persisted availability documents. Restored doctors keep their
// last heartbeat, so they stay unmatched until they heartbeat again.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	docs, err := r.store.LoadAll(ctx)
	if err != nil {
		return apperr.Upstream("load availability", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		r.doctors[d.ID] = &entry{doc: d}
	}
	r.log.WithField("doctors", len(docs)).Info("availability restored")
	return nil
}

func (r *Registry) SetOnline(ctx context.Context, doctorID string, specialties []string) (Doctor, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return Doctor{}, apperr.Validation("doctor id is required")
	}
	tags := normalizeSpecialties(specialties)
	if len(tags) == 0 {
		return Doctor{}, apperr.Validation("at least one specialty is required")
	}

	return r.update(ctx, doctorID, true, func(d *Doctor) error {
		d.ID = doctorID
		d.Online = true
		d.AutoOffline = false
		d.Specialties = tags
		d.LastHeartbeat = r.now()
		return nil
	})
}

func (r *Registry) Heartbeat(ctx context.Context, doctorID string) (Doctor, error) {
	return r.update(ctx, doctorID, false, func(d *Doctor) error {
		d.LastHeartbeat = r.now()
		if d.AutoOffline {
			d.Online = true
			d.AutoOffline = false
		}
		return nil
	})
}

// SetOffline is idempotent for known doctors.
func (r *Registry) SetOffline(ctx context.Context, doctorID string) (Doctor, error) {
	return r.update(ctx, doctorID, false, func(d *Doctor) error {
		d.Online = false
		d.AutoOffline = false
		return nil
	})
}

func (r *Registry) IncrementLoad(ctx context.Context, doctorID string) (Doctor, error) {
	return r.update(ctx, doctorID, false, func(d *Doctor) error {
		d.ActiveConsultations++
		return nil
	})
}

// DecrementLoad never takes the load below zero.
func (r *Registry) DecrementLoad(ctx context.Context, doctorID string) (Doctor, error) {
	return r.update(ctx, doctorID, false, func(d *Doctor) error {
		if d.ActiveConsultations > 0 {
			d.ActiveConsultations--
		}
		return nil
	})
}

// FindCandidates returns fresh, online doctors for category. Exact specialty
// matches win; doctors tagged general are only returned when nobody carries
// the exact tag. Ordering is load ascending, then most recent heartbeat, then
// id, so the result is deterministic for a given snapshot.
func (r *Registry) FindCandidates(category string, excludeIDs []string) []Doctor {
	category = normalize(category)
	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}

	now := r.now()
	var exact, general []Doctor
	for _, d := range r.Snapshot() {
		if _, skip := excluded[d.ID]; skip {
			continue
		}
		if !d.Online || !r.fresh(d, now) {
			continue
		}
		switch {
		case d.hasSpecialty(category):
			exact = append(exact, d)
		case d.hasSpecialty(GeneralSpecialty):
			general = append(general, d)
		}
	}

	out := exact
	if len(out) == 0 {
		out = general
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ActiveConsultations != b.ActiveConsultations {
			return a.ActiveConsultations < b.ActiveConsultations
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return a.ID < b.ID
	})
	return out
}

// MarkStale takes doctors whose heartbeat exceeded the staleness threshold
// offline. Their load is kept so in-flight consultations still count.
func (r *Registry) MarkStale(ctx context.Context) int {
	now := r.now()
	marked := 0
	for _, d := range r.Snapshot() {
		if !d.Online || r.fresh(d, now) {
			continue
		}
		_, err := r.update(ctx, d.ID, false, func(doc *Doctor) error {
			if !doc.Online || r.fresh(*doc, now) {
				return errUnchanged
			}
			doc.Online = false
			doc.AutoOffline = true
			return nil
		})
		switch {
		case err == nil:
			marked++
		case err != errUnchanged:
			r.log.WithError(err).WithField("doctor_id", d.ID).Warn("failed to mark stale doctor offline")
		}
	}
	return marked
}

func (r *Registry) Get(doctorID string) (Doctor, error) {
	r.mu.RLock()
	e, ok := r.doctors[doctorID]
	r.mu.RUnlock()
	if !ok {
		return Doctor{}, apperr.NotFound("doctor %s not found", doctorID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.doc.registered() {
		return Doctor{}, apperr.NotFound("doctor %s not found", doctorID)
	}
	return e.doc.clone(), nil
}

// Snapshot copies every registered doctor, ordered by id.
func (r *Registry) Snapshot() []Doctor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.doctors))
	for _, e := range r.doctors {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Doctor, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.doc.registered() {
			out = append(out, e.doc.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsFresh reports whether the doctor heartbeat is within the staleness threshold.
func (r *Registry) IsFresh(d Doctor) bool { return r.fresh(d, r.now()) }

func (r *Registry) fresh(d Doctor, now time.Time) bool {
	return now.Sub(d.LastHeartbeat) <= r.staleAfter
}

var errUnchanged = apperr.Conflict("availability unchanged")

func (r *Registry) update(ctx context.Context, doctorID string, create bool, fn func(*Doctor) error) (Doctor, error) {
	e := r.lookup(doctorID, create)
	if e == nil {
		return Doctor{}, apperr.NotFound("doctor %s not found", doctorID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !create && !e.doc.registered() {
		return Doctor{}, apperr.NotFound("doctor %s not found", doctorID)
	}

	next := e.doc.clone()
	if err := fn(&next); err != nil {
		return Doctor{}, err
	}

	if r.store != nil {
		if err := r.store.Save(ctx, next); err != nil {
			return Doctor{}, apperr.Upstream("save availability", err)
		}
	}

	e.doc = next
	return next.clone(), nil
}

func (r *Registry) lookup(doctorID string, create bool) *entry {
	r.mu.RLock()
	e, ok := r.doctors[doctorID]
	r.mu.RUnlock()
	if ok || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.doctors[doctorID]; !ok {
		e = &entry{doc: Doctor{ID: doctorID}}
		r.doctors[doctorID] = e
	}
	return e
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeSpecialties(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = normalize(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
