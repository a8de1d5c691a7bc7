package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Transfer records a blind transfer handed to a human agent.
type Transfer struct {
	CallID        string    `json:"callId"`
	LeadID        int64     `json:"leadId"`
	LeadName      string    `json:"leadName"`
	Phone         string    `json:"phone"`
	FromDID       string    `json:"fromDid"`
	ToAgent       string    `json:"toAgent"`
	TransferredAt time.Time `json:"transferredAt"`
}

// RecordTransfer persists a transfer keyed on call_id.
func (s *Store) RecordTransfer(ctx context.Context, t Transfer) error {
	const q = `
		INSERT INTO transferred_calls (call_id, lead_id, lead_name, phone, from_did, to_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, t.CallID, t.LeadID, t.LeadName, t.Phone, t.FromDID, t.ToAgent)
	if err != nil {
		return fmt.Errorf("store: record transfer: %w", err)
	}
	return nil
}

// Transfers returns all recorded transfers, newest first.
func (s *Store) Transfers(ctx context.Context) ([]Transfer, error) {
	const q = `
		SELECT call_id, COALESCE(lead_id, 0), lead_name, phone, from_did, to_agent, transferred_at
		FROM transferred_calls
		ORDER BY transferred_at DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list transfers: %w", err)
	}
	transfers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transfer, error) {
		var t Transfer
		err := row.Scan(&t.CallID, &t.LeadID, &t.LeadName, &t.Phone, &t.FromDID, &t.ToAgent, &t.TransferredAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list transfers: %w", err)
	}
	return transfers, nil
}

// DeleteTransfers clears the transfer log and returns the deleted row count.
func (s *Store) DeleteTransfers(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transferred_calls`)
	if err != nil {
		return 0, fmt.Errorf("store: delete transfers: %w", err)
	}
	return tag.RowsAffected(), nil
}
