package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS consultation_requests (
		id               UUID PRIMARY KEY,
		patient_id       TEXT NOT NULL,
		doctor_id        TEXT,
		category         TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		retry_count      INT NOT NULL DEFAULT 0,
		excluded_doctors TEXT[] NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		scheduled_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS consultation_requests_status_idx
		ON consultation_requests (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS consultation_events (
		id              BIGSERIAL PRIMARY KEY,
		event_type      TEXT NOT NULL,
		consultation_id UUID,
		payload         JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the live-state tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
