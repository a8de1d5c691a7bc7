package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// CostRow is a persisted per-call cost snapshot.
type CostRow struct {
	CallID      string
	Total       float64
	Breakdown   map[string]float64
	LLMAPICalls int
	Transferred bool
}

// UpsertCost persists a call's cost snapshot keyed on call_id.
func (s *Store) UpsertCost(ctx context.Context, row CostRow) error {
	breakdown, err := json.Marshal(row.Breakdown)
	if err != nil {
		return fmt.Errorf("store: marshal cost breakdown: %w", err)
	}
	const q = `
		INSERT INTO costs (call_id, total, breakdown, llm_api_calls, transferred, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (call_id) DO UPDATE SET
			total         = EXCLUDED.total,
			breakdown     = EXCLUDED.breakdown,
			llm_api_calls = EXCLUDED.llm_api_calls,
			transferred   = EXCLUDED.transferred,
			updated_at    = now()`
	_, err = s.pool.Exec(ctx, q, row.CallID, row.Total, breakdown, row.LLMAPICalls, row.Transferred)
	if err != nil {
		return fmt.Errorf("store: upsert cost: %w", err)
	}
	return nil
}

// CostSummary is the fleet-wide cost aggregate. Averages exclude calls with
// zero LLM API calls, which are treated as failed dials; totals sum all rows.
type CostSummary struct {
	TotalCost     float64 `json:"totalCost"`
	TotalCalls    int     `json:"totalCalls"`
	BilledCalls   int     `json:"billedCalls"`
	AverageCost   float64 `json:"averageCost"`
	TotalLLMCalls int     `json:"totalLlmCalls"`
	Transferred   int     `json:"transferred"`
}

// CostSummary computes the aggregate over every persisted cost row.
func (s *Store) CostSummary(ctx context.Context) (CostSummary, error) {
	const q = `
		SELECT COALESCE(sum(total), 0),
		       count(*),
		       count(*) FILTER (WHERE llm_api_calls > 0),
		       COALESCE(avg(total) FILTER (WHERE llm_api_calls > 0), 0),
		       COALESCE(sum(llm_api_calls), 0),
		       count(*) FILTER (WHERE transferred)
		FROM costs`
	var sum CostSummary
	err := s.pool.QueryRow(ctx, q).Scan(&sum.TotalCost, &sum.TotalCalls,
		&sum.BilledCalls, &sum.AverageCost, &sum.TotalLLMCalls, &sum.Transferred)
	if err != nil {
		return CostSummary{}, fmt.Errorf("store: cost summary: %w", err)
	}
	return sum, nil
}
