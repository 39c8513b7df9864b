package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/availability"
	"github.com/hackgods/teleconsult-signaling/internal/consultation"
	"github.com/hackgods/teleconsult-signaling/internal/quality"
	"github.com/hackgods/teleconsult-signaling/internal/signaling"
)

type Authenticator interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

type ConsultationService interface {
	Create(ctx context.Context, patient auth.Identity, in consultation.CreateInput) (*consultation.Request, error)
	Get(ctx context.Context, who auth.Identity, id uuid.UUID) (*consultation.Request, error)
	Accept(ctx context.Context, doctor auth.Identity, id uuid.UUID) (*consultation.Request, error)
	Reject(ctx context.Context, doctor auth.Identity, id uuid.UUID, reason string) (*consultation.Request, error)
	Cancel(ctx context.Context, who auth.Identity, id uuid.UUID, reason string) (*consultation.Request, error)
}

type AvailabilityService interface {
	SetOnline(ctx context.Context, doctorID string, specialties []string) (availability.Doctor, error)
	SetOffline(ctx context.Context, doctorID string) (availability.Doctor, error)
	Heartbeat(ctx context.Context, doctorID string) (availability.Doctor, error)
	Snapshot() []availability.Doctor
}

type RoomService interface {
	State(roomID string, who auth.Identity) (signaling.RoomState, error)
	Leave(roomID, userID string) error
	EndCall(ctx context.Context, roomID string, who auth.Identity) (*consultation.Request, error)
	PushQuality(roomID, userID string, sample quality.Sample) (quality.Report, error)
}

type RouterConfig struct {
	Consultations ConsultationService
	Availability  AvailabilityService
	Rooms         RoomService
	Auth          Authenticator
	WebSocket     http.Handler
	Checks        []HealthCheck
	Log           *logrus.Entry
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// the upgrade handler authenticates on its own so browsers can pass ?token=
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Route("/consultations", func(r chi.Router) {
			r.Post("/", createConsultationHandler(cfg.Consultations))
			r.Get("/{id}", getConsultationHandler(cfg.Consultations))
			r.Post("/{id}/accept", acceptConsultationHandler(cfg.Consultations))
			r.Post("/{id}/reject", rejectConsultationHandler(cfg.Consultations))
			r.Post("/{id}/cancel", cancelConsultationHandler(cfg.Consultations))
		})

		r.Route("/availability", func(r chi.Router) {
			r.Get("/", listAvailabilityHandler(cfg.Availability))
			r.Post("/online", setOnlineHandler(cfg.Availability))
			r.Post("/offline", setOfflineHandler(cfg.Availability))
			r.Post("/heartbeat", heartbeatHandler(cfg.Availability))
		})

		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", roomStateHandler(cfg.Rooms))
			r.Post("/leave", leaveRoomHandler(cfg.Rooms))
			r.Post("/end", endCallHandler(cfg.Rooms))
			r.Post("/quality", pushQualityHandler(cfg.Rooms))
		})
	})

	return r
}
