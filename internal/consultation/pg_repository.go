package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const requestColumns = `id, patient_id, doctor_id, category, description, status,
	retry_count, excluded_doctors, created_at, updated_at, scheduled_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var doctorID *string
	var scheduledAt *time.Time

	err := row.Scan(
		&r.ID,
		&r.PatientID,
		&doctorID,
		&r.Category,
		&r.Description,
		&r.Status,
		&r.RetryCount,
		&r.ExcludedDoctors,
		&r.CreatedAt,
		&r.UpdatedAt,
		&scheduledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsultationNotFound
		}
		return nil, err
	}

	r.DoctorID = doctorID
	r.ScheduledAt = scheduledAt
	return &r, nil
}

func (r *PgRepository) Create(ctx context.Context, req *Request) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO consultation_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ID, req.PatientID, req.DoctorID, req.Category, req.Description, req.Status,
		req.RetryCount, excludedOrEmpty(req.ExcludedDoctors), req.CreatedAt, req.UpdatedAt, req.ScheduledAt)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM consultation_requests
		WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *PgRepository) Update(ctx context.Context, req *Request, from Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE consultation_requests
		SET doctor_id = $2,
		    status = $3,
		    retry_count = $4,
		    excluded_doctors = $5,
		    updated_at = $6
		WHERE id = $1
		  AND status = $7
	`, req.ID, req.DoctorID, req.Status, req.RetryCount, excludedOrEmpty(req.ExcludedDoctors), req.UpdatedAt, from)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (r *PgRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Request, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM consultation_requests
		WHERE status = ANY($1)
		ORDER BY created_at
	`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO consultation_events (event_type, consultation_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.ConsultationID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func excludedOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
