package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Lead statuses as stored in users.status.
const (
	LeadPending      = "pending"
	LeadCalled       = "called"
	LeadQualified    = "qualified"
	LeadDisqualified = "disqualified"
	LeadFailed       = "failed"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Lead is a row of the users table.
type Lead struct {
	ID           int64
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	Address      string
	Status       string
	AnswerType   string
	CallAttempts int
	LastCallAt   time.Time
	LastCallDID  string
	CreatedAt    time.Time
}

// Name returns the lead's display name.
func (l Lead) Name() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	default:
		return l.FirstName + " " + l.LastName
	}
}

const leadColumns = `
	id, first_name, last_name, COALESCE(email, ''), COALESCE(phone, ''),
	address, status, COALESCE(answer_type, ''), call_attempts,
	COALESCE(last_call_at, to_timestamp(0)), COALESCE(last_call_did, ''), created_at`

func scanLead(row pgx.CollectableRow) (Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.Phone,
		&l.Address, &l.Status, &l.AnswerType, &l.CallAttempts,
		&l.LastCallAt, &l.LastCallDID, &l.CreatedAt)
	return l, err
}

// Lead returns a single lead by id.
func (s *Store) Lead(ctx context.Context, id int64) (Lead, error) {
	q := `SELECT` + leadColumns + ` FROM users WHERE id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return Lead{}, fmt.Errorf("store: get lead: %w", err)
	}
	l, err := pgx.CollectOneRow(rows, scanLead)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("store: get lead: %w", err)
	}
	return l, nil
}

// LeadByPhone returns the lead whose phone digits match the given digits.
// Matching strips all non-digit characters on both sides.
func (s *Store) LeadByPhone(ctx context.Context, digits string) (Lead, error) {
	q := `SELECT` + leadColumns + `
		FROM users
		WHERE regexp_replace(COALESCE(phone, ''), '[^0-9]', '', 'g') = $1
		LIMIT 1`
	rows, err := s.pool.Query(ctx, q, digits)
	if err != nil {
		return Lead{}, fmt.Errorf("store: lead by phone: %w", err)
	}
	l, err := pgx.CollectOneRow(rows, scanLead)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("store: lead by phone: %w", err)
	}
	return l, nil
}

// Leads returns leads matching the given ids; with no ids it returns all
// leads in `pending` status, oldest first. Used to build the dial queue.
func (s *Store) Leads(ctx context.Context, ids []int64) ([]Lead, error) {
	var (
		q    string
		args []any
	)
	if len(ids) > 0 {
		q = `SELECT` + leadColumns + ` FROM users WHERE id = ANY($1) ORDER BY id`
		args = []any{ids}
	} else {
		q = `SELECT` + leadColumns + ` FROM users WHERE status = $1 ORDER BY id`
		args = []any{LeadPending}
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list leads: %w", err)
	}
	leads, err := pgx.CollectRows(rows, scanLead)
	if err != nil {
		return nil, fmt.Errorf("store: list leads: %w", err)
	}
	return leads, nil
}

// SearchLeads performs a case-insensitive search over name, phone and email
// with offset pagination. Returns the page plus the total match count.
func (s *Store) SearchLeads(ctx context.Context, term string, limit, offset int) ([]Lead, int, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + term + "%"

	const countQ = `
		SELECT count(*)
		FROM users
		WHERE (first_name || ' ' || last_name) ILIKE $1
		   OR COALESCE(phone, '') ILIKE $1
		   OR COALESCE(email, '') ILIKE $1`
	var total int
	if err := s.pool.QueryRow(ctx, countQ, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: search leads count: %w", err)
	}

	q := `SELECT` + leadColumns + `
		FROM users
		WHERE (first_name || ' ' || last_name) ILIKE $1
		   OR COALESCE(phone, '') ILIKE $1
		   OR COALESCE(email, '') ILIKE $1
		ORDER BY id
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: search leads: %w", err)
	}
	leads, err := pgx.CollectRows(rows, scanLead)
	if err != nil {
		return nil, 0, fmt.Errorf("store: search leads: %w", err)
	}
	return leads, total, nil
}

// UpsertLead inserts a lead or updates the existing row with the same phone.
func (s *Store) UpsertLead(ctx context.Context, l Lead) (int64, error) {
	const q = `
		INSERT INTO users (first_name, last_name, email, phone, address, status)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		ON CONFLICT (phone) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name  = EXCLUDED.last_name,
			email      = EXCLUDED.email,
			address    = EXCLUDED.address
		RETURNING id`
	status := l.Status
	if status == "" {
		status = LeadPending
	}
	var id int64
	err := s.pool.QueryRow(ctx, q, l.FirstName, l.LastName, l.Email, l.Phone, l.Address, status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert lead: %w", err)
	}
	return id, nil
}

// MarkLeadCalled sets the lead to `called`, increments the attempt counter
// and records when and from which number it was dialled.
func (s *Store) MarkLeadCalled(ctx context.Context, id int64, fromDID string) error {
	const q = `
		UPDATE users
		SET status = $2, call_attempts = call_attempts + 1,
		    last_call_at = now(), last_call_did = $3
		WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, LeadCalled, fromDID); err != nil {
		return fmt.Errorf("store: mark lead called: %w", err)
	}
	return nil
}

// SetLeadStatus updates a lead's status field.
func (s *Store) SetLeadStatus(ctx context.Context, id int64, status string) error {
	const q = `UPDATE users SET status = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("store: set lead status: %w", err)
	}
	return nil
}

// SetLeadAnswerType records the reconciled call outcome on the lead.
func (s *Store) SetLeadAnswerType(ctx context.Context, id int64, answerType string) error {
	const q = `UPDATE users SET answer_type = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, answerType); err != nil {
		return fmt.Errorf("store: set lead answer type: %w", err)
	}
	return nil
}
