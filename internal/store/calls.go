package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CallRecord is a row of the telnyx_calls table, written only after the
// carrier confirms origination.
type CallRecord struct {
	CallID          string
	LeadID          int64
	FromDID         string
	ToPhone         string
	InitiatedAt     time.Time
	WebhookReceived bool
	Status          string
}

// RecordCall inserts the origination row for a confirmed create-call. The
// upsert makes a redundant write for the same call_id harmless.
func (s *Store) RecordCall(ctx context.Context, rec CallRecord) error {
	const q = `
		INSERT INTO telnyx_calls (call_id, lead_id, from_did, to_phone, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO UPDATE SET status = EXCLUDED.status`
	status := rec.Status
	if status == "" {
		status = "initiated"
	}
	if _, err := s.pool.Exec(ctx, q, rec.CallID, rec.LeadID, rec.FromDID, rec.ToPhone, status); err != nil {
		return fmt.Errorf("store: record call: %w", err)
	}
	return nil
}

// CallByID returns the origination record for a call_id.
func (s *Store) CallByID(ctx context.Context, callID string) (CallRecord, error) {
	const q = `
		SELECT call_id, COALESCE(lead_id, 0), from_did, to_phone,
		       initiated_at, webhook_received, status
		FROM telnyx_calls WHERE call_id = $1`
	var rec CallRecord
	err := s.pool.QueryRow(ctx, q, callID).Scan(&rec.CallID, &rec.LeadID,
		&rec.FromDID, &rec.ToPhone, &rec.InitiatedAt, &rec.WebhookReceived, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("store: get call: %w", err)
	}
	return rec, nil
}

// MarkCallWebhookReceived flags the call as having produced at least one
// carrier webhook, and updates its status.
func (s *Store) MarkCallWebhookReceived(ctx context.Context, callID, status string) error {
	const q = `
		UPDATE telnyx_calls SET webhook_received = true, status = $2
		WHERE call_id = $1`
	if _, err := s.pool.Exec(ctx, q, callID, status); err != nil {
		return fmt.Errorf("store: mark call webhook: %w", err)
	}
	return nil
}

// CallTotals returns the total origination count plus the count of calls
// that never produced a webhook.
func (s *Store) CallTotals(ctx context.Context) (total, silent int, err error) {
	const q = `
		SELECT count(*), count(*) FILTER (WHERE NOT webhook_received)
		FROM telnyx_calls`
	if err := s.pool.QueryRow(ctx, q).Scan(&total, &silent); err != nil {
		return 0, 0, fmt.Errorf("store: call totals: %w", err)
	}
	return total, silent, nil
}
