package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/apperr"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/consultation"
	"github.com/hackgods/teleconsult-signaling/internal/quality"
)

func createConsultationHandler(svc ConsultationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateConsultationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		created, err := svc.Create(r.Context(), identity(r), consultation.CreateInput{
			Category:    req.Category,
			Description: req.Description,
			ScheduledAt: req.ScheduledAt,
		})
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toConsultationResponse(created))
	}
}

func getConsultationHandler(svc ConsultationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := consultationID(w, r)
		if !ok {
			return
		}

		req, err := svc.Get(r.Context(), identity(r), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toConsultationResponse(req))
	}
}

func acceptConsultationHandler(svc ConsultationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := consultationID(w, r)
		if !ok {
			return
		}

		req, err := svc.Accept(r.Context(), identity(r), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toConsultationResponse(req))
	}
}

func rejectConsultationHandler(svc ConsultationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := consultationID(w, r)
		if !ok {
			return
		}
		body, ok := reasonBody(w, r)
		if !ok {
			return
		}

		req, err := svc.Reject(r.Context(), identity(r), id, body.Reason)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toConsultationResponse(req))
	}
}

func cancelConsultationHandler(svc ConsultationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := consultationID(w, r)
		if !ok {
			return
		}
		body, ok := reasonBody(w, r)
		if !ok {
			return
		}

		req, err := svc.Cancel(r.Context(), identity(r), id, body.Reason)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toConsultationResponse(req))
	}
}

func listAvailabilityHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Snapshot())
	}
}

func setOnlineHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := doctor(w, r)
		if !ok {
			return
		}
		var req OnlineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		d, err := svc.SetOnline(r.Context(), doctorID, req.Specialties)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func setOfflineHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := doctor(w, r)
		if !ok {
			return
		}

		d, err := svc.SetOffline(r.Context(), doctorID)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func heartbeatHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := doctor(w, r)
		if !ok {
			return
		}

		d, err := svc.Heartbeat(r.Context(), doctorID)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func roomStateHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.State(chi.URLParam(r, "roomID"), identity(r))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func leaveRoomHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Leave(chi.URLParam(r, "roomID"), identity(r).UserID); err != nil {
			handleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func endCallHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := svc.EndCall(r.Context(), chi.URLParam(r, "roomID"), identity(r))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(req))
	}
}

func pushQualityHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sample quality.Sample
		if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		report, err := svc.PushQuality(chi.URLParam(r, "roomID"), identity(r).UserID, sample)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func doctor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := identity(r)
	if id.Role != auth.RoleDoctor {
		writeError(w, http.StatusForbidden, "forbidden", "only doctors manage availability")
		return "", false
	}
	return id.UserID, true
}

func consultationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_consultation_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// reasonBody decodes an optional {"reason": ...} body.
func reasonBody(w http.ResponseWriter, r *http.Request) (ReasonRequest, bool) {
	var body ReasonRequest
	if r.ContentLength == 0 {
		return body, true
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return body, false
	}
	return body, true
}

func handleError(w http.ResponseWriter, err error) {
	var te *consultation.TransitionError
	switch {
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperr.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, apperr.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict", err.Error())
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "a backing service is unavailable, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
