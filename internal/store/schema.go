package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the DDL for every table the dialler owns. Statements are
// idempotent so Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT NOT NULL DEFAULT '',
		email         TEXT,
		phone         TEXT UNIQUE,
		address       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		answer_type   TEXT,
		call_attempts INT  NOT NULL DEFAULT 0,
		last_call_at  TIMESTAMPTZ,
		last_call_did TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS telnyx_calls (
		call_id          TEXT PRIMARY KEY,
		lead_id          BIGINT REFERENCES users(id),
		from_did         TEXT NOT NULL,
		to_phone         TEXT NOT NULL,
		initiated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		webhook_received BOOLEAN NOT NULL DEFAULT false,
		status           TEXT NOT NULL DEFAULT 'initiated'
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		call_id        TEXT PRIMARY KEY,
		from_did       TEXT NOT NULL DEFAULT '',
		to_phone       TEXT NOT NULL DEFAULT '',
		start_ms       BIGINT NOT NULL DEFAULT 0,
		end_ms         BIGINT NOT NULL DEFAULT 0,
		duration_s     DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_total     DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_breakdown JSONB NOT NULL DEFAULT '{}',
		messages       JSONB NOT NULL DEFAULT '[]',
		status         TEXT NOT NULL DEFAULT 'active',
		hangup_cause   TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS costs (
		call_id        TEXT PRIMARY KEY,
		total          DOUBLE PRECISION NOT NULL DEFAULT 0,
		breakdown      JSONB NOT NULL DEFAULT '{}',
		llm_api_calls  INT NOT NULL DEFAULT 0,
		transferred    BOOLEAN NOT NULL DEFAULT false,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS transferred_calls (
		call_id        TEXT PRIMARY KEY,
		lead_id        BIGINT,
		lead_name      TEXT NOT NULL DEFAULT '',
		phone          TEXT NOT NULL DEFAULT '',
		from_did       TEXT NOT NULL DEFAULT '',
		to_agent       TEXT NOT NULL DEFAULT '',
		transferred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_status ON users(status)`,
	`CREATE INDEX IF NOT EXISTS idx_telnyx_calls_lead ON telnyx_calls(lead_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
}

// Migrate ensures all tables and indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
