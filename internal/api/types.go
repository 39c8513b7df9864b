package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/teleconsult-signaling/internal/consultation"
)

type CreateConsultationRequest struct {
	Category    string     `json:"category"`
	Description string     `json:"description"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type OnlineRequest struct {
	Specialties []string `json:"specialties"`
}

type ConsultationResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   string     `json:"patient_id"`
	DoctorID    *string    `json:"doctor_id,omitempty"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	RoomID      string     `json:"room_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// toConsultationResponse exposes the room id only once the doctor accepted.
func toConsultationResponse(req *consultation.Request) ConsultationResponse {
	resp := ConsultationResponse{
		ID:          req.ID,
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		Category:    req.Category,
		Description: req.Description,
		Status:      string(req.Status),
		RetryCount:  req.RetryCount,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
		ScheduledAt: req.ScheduledAt,
	}
	if req.Status == consultation.StatusAccepted || req.Status == consultation.StatusActive {
		resp.RoomID = req.RoomID()
	}
	return resp
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
