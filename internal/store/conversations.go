package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one turn of a recorded conversation.
type Message struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a finalised call transcript plus its cost snapshot.
type Conversation struct {
	CallID        string
	FromDID       string
	ToPhone       string
	StartMS       int64
	EndMS         int64
	DurationS     float64
	CostTotal     float64
	CostBreakdown map[string]float64
	Messages      []Message
	Status        string
	HangupCause   string
	UpdatedAt     time.Time
}

// ConversationFilter selects which conversations a listing returns.
type ConversationFilter struct {
	// Filter is one of "", "all", "with_responses", "completed".
	Filter string
	// Duration is one of "", "0-15", "16-30", "30-60", "60+" (seconds).
	Duration string
	Limit    int
	Offset   int
}

// UpsertConversation persists a finalised conversation. A second write for
// the same call_id replaces the row, so repeated finalisation is a no-op.
func (s *Store) UpsertConversation(ctx context.Context, c Conversation) error {
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("store: marshal messages: %w", err)
	}
	breakdown, err := json.Marshal(c.CostBreakdown)
	if err != nil {
		return fmt.Errorf("store: marshal cost breakdown: %w", err)
	}
	const q = `
		INSERT INTO conversations
			(call_id, from_did, to_phone, start_ms, end_ms, duration_s,
			 cost_total, cost_breakdown, messages, status, hangup_cause, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (call_id) DO UPDATE SET
			end_ms         = EXCLUDED.end_ms,
			duration_s     = EXCLUDED.duration_s,
			cost_total     = EXCLUDED.cost_total,
			cost_breakdown = EXCLUDED.cost_breakdown,
			messages       = EXCLUDED.messages,
			status         = EXCLUDED.status,
			hangup_cause   = EXCLUDED.hangup_cause,
			updated_at     = now()`
	_, err = s.pool.Exec(ctx, q, c.CallID, c.FromDID, c.ToPhone, c.StartMS, c.EndMS,
		c.DurationS, c.CostTotal, breakdown, msgs, c.Status, c.HangupCause)
	if err != nil {
		return fmt.Errorf("store: upsert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `
	call_id, from_did, to_phone, start_ms, end_ms, duration_s,
	cost_total, cost_breakdown, messages, status, hangup_cause, updated_at`

func scanConversation(row pgx.CollectableRow) (Conversation, error) {
	var (
		c         Conversation
		breakdown []byte
		msgs      []byte
	)
	err := row.Scan(&c.CallID, &c.FromDID, &c.ToPhone, &c.StartMS, &c.EndMS,
		&c.DurationS, &c.CostTotal, &breakdown, &msgs, &c.Status, &c.HangupCause, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	if err := json.Unmarshal(breakdown, &c.CostBreakdown); err != nil {
		return Conversation{}, fmt.Errorf("decode cost breakdown: %w", err)
	}
	if err := json.Unmarshal(msgs, &c.Messages); err != nil {
		return Conversation{}, fmt.Errorf("decode messages: %w", err)
	}
	return c, nil
}

// Conversation returns a single conversation by call_id.
func (s *Store) Conversation(ctx context.Context, callID string) (Conversation, error) {
	q := `SELECT` + conversationColumns + ` FROM conversations WHERE call_id = $1`
	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	c, err := pgx.CollectOneRow(rows, scanConversation)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

// durationCondition translates an operator duration bucket into SQL.
func durationCondition(bucket string) (string, bool) {
	switch bucket {
	case "0-15":
		return "duration_s <= 15", true
	case "16-30":
		return "duration_s > 15 AND duration_s <= 30", true
	case "30-60":
		return "duration_s > 30 AND duration_s <= 60", true
	case "60+":
		return "duration_s > 60", true
	default:
		return "", false
	}
}

// Conversations returns a filtered, paginated page of conversations plus the
// total count matching the filter, newest first.
func (s *Store) Conversations(ctx context.Context, f ConversationFilter) ([]Conversation, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	where := "TRUE"
	switch f.Filter {
	case "with_responses":
		// At least one Lead turn that is not a voicemail or noise marker.
		where = `EXISTS (
			SELECT 1 FROM jsonb_array_elements(messages) m
			WHERE m->>'speaker' = 'Lead'
			  AND m->>'text' NOT LIKE '[Voicemail detected]%'
			  AND m->>'text' NOT LIKE '[Background noise]%'
			  AND m->>'text' NOT LIKE '[Filtered:%')`
	case "completed":
		where = `status IN ('completed', 'transferred')`
	}
	if cond, ok := durationCondition(f.Duration); ok {
		where += " AND " + cond
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM conversations WHERE `+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: conversations count: %w", err)
	}

	q := `SELECT` + conversationColumns + `
		FROM conversations
		WHERE ` + where + `
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, q, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list conversations: %w", err)
	}
	convs, err := pgx.CollectRows(rows, scanConversation)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list conversations: %w", err)
	}
	return convs, total, nil
}

// DeleteConversations removes all stored conversations and returns how many
// rows were deleted.
func (s *Store) DeleteConversations(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations`)
	if err != nil {
		return 0, fmt.Errorf("store: delete conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ConversationStatusCounts returns the number of conversations per final
// status, for the stats endpoint.
func (s *Store) ConversationStatusCounts(ctx context.Context) (map[string]int, error) {
	const q = `SELECT status, count(*) FROM conversations GROUP BY status`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: status counts: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: status counts: %w", err)
	}
	return counts, nil
}
