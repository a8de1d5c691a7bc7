// Package costs tracks per-call spend across the carrier, STT, TTS and LLM
// services and exposes fleet-wide aggregates.
package costs

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Service labels used in cost breakdowns.
const (
	ServiceCarrierCall     = "carrier_call"
	ServiceCarrierStream   = "carrier_stream"
	ServiceCarrierTransfer = "carrier_transfer"
	ServiceSTT             = "stt"
	ServiceTTS             = "tts"
	ServiceLLM             = "llm"
)

// Rates holds the unit prices the ledger bills with.
type Rates struct {
	// CarrierPerMinute is the per-minute call price, rounded up per call.
	CarrierPerMinute float64
	// StreamPerMinute is the per-minute media-streaming price.
	StreamPerMinute float64
	// TransferFlat is the one-off blind-transfer fee.
	TransferFlat float64
	// STTPerHour is the transcription price per audio hour.
	STTPerHour float64
	// TTSPerSecond is the synthesis price per second of audio.
	TTSPerSecond float64
	// LLMPromptPerMillion and LLMCompletionPerMillion are token prices.
	LLMPromptPerMillion     float64
	LLMCompletionPerMillion float64
}

// DefaultRates are ballpark list prices for the default provider stack.
// TODO: verify the flat transfer fee against the carrier's current tariff.
func DefaultRates() Rates {
	return Rates{
		CarrierPerMinute:        0.007,
		StreamPerMinute:         0.0025,
		TransferFlat:            0.02,
		STTPerHour:              0.258,
		TTSPerSecond:            0.0003,
		LLMPromptPerMillion:     0.15,
		LLMCompletionPerMillion: 0.60,
	}
}

// Snapshot is the computed cost state of one call.
type Snapshot struct {
	CallID      string
	Total       float64
	Breakdown   map[string]float64
	LLMAPICalls int
	TTSSeconds  float64
	STTSeconds  float64
	Transferred bool
	Finalized   bool
}

// callCosts is the mutable per-call accumulator.
type callCosts struct {
	initiatedAt time.Time
	connectedAt time.Time
	endedAt     time.Time

	sttSeconds       float64
	ttsSeconds       float64
	promptTokens     int
	completionTokens int
	llmAPICalls      int
	transferred      bool
	finalized        bool
}

// Sink receives finalised snapshots for persistence.
type Sink interface {
	PersistCost(ctx context.Context, snap Snapshot) error
}

// Ledger tracks costs for all in-flight and recently finished calls. Safe
// for concurrent use. Finalised snapshots stay cached for fast reads.
type Ledger struct {
	rates Rates
	sink  Sink
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	calls map[string]*callCosts
}

// Option is a functional option for the Ledger.
type Option func(*Ledger)

// WithSink sets the persistence sink finalised snapshots are written to.
func WithSink(sink Sink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithLogger sets the ledger's logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger builds a Ledger with the given rates.
func NewLedger(rates Rates, opts ...Option) *Ledger {
	l := &Ledger{
		rates: rates,
		log:   slog.Default(),
		now:   time.Now,
		calls: make(map[string]*callCosts),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) call(callID string) *callCosts {
	c, ok := l.calls[callID]
	if !ok {
		c = &callCosts{}
		l.calls[callID] = c
	}
	return c
}

// MarkInitiated records the origination time for a call.
func (l *Ledger) MarkInitiated(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.call(callID)
	if c.initiatedAt.IsZero() {
		c.initiatedAt = l.now()
	}
}

// MarkConnected records when the call was answered. Carrier time is billed
// from this point only.
func (l *Ledger) MarkConnected(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.call(callID)
	if c.connectedAt.IsZero() {
		c.connectedAt = l.now()
	}
}

// AddSTTSeconds accumulates transcribed audio time.
func (l *Ledger) AddSTTSeconds(callID string, seconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.call(callID).sttSeconds += seconds
}

// AddTTSSeconds accumulates synthesised audio time.
func (l *Ledger) AddTTSSeconds(callID string, seconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.call(callID).ttsSeconds += seconds
}

// AddLLMUsage accumulates token usage for one completion.
func (l *Ledger) AddLLMUsage(callID string, promptTokens, completionTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.call(callID)
	c.promptTokens += promptTokens
	c.completionTokens += completionTokens
	c.llmAPICalls++
}

// Snapshot returns the current cost state of a call, computed as if it
// ended now.
func (l *Ledger) Snapshot(callID string) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.calls[callID]
	if !ok {
		return Snapshot{CallID: callID, Breakdown: map[string]float64{}}
	}
	return l.compute(callID, c)
}

// Finalize computes the terminal snapshot for a call, persists it via the
// sink, and keeps it cached. Idempotent per call_id.
func (l *Ledger) Finalize(ctx context.Context, callID string, transferred bool) Snapshot {
	l.mu.Lock()
	c := l.call(callID)
	if !c.finalized {
		c.finalized = true
		c.transferred = transferred
		c.endedAt = l.now()
	}
	snap := l.compute(callID, c)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.PersistCost(ctx, snap); err != nil {
			// Non-fatal: the next terminal event retries the upsert.
			l.log.Warn("cost persist failed", "call_id", callID, "error", err)
		}
	}
	return snap
}

// compute derives the snapshot. Caller holds l.mu.
func (l *Ledger) compute(callID string, c *callCosts) Snapshot {
	breakdown := map[string]float64{}

	if !c.connectedAt.IsZero() {
		end := c.endedAt
		if end.IsZero() {
			end = l.now()
		}
		minutes := math.Ceil(end.Sub(c.connectedAt).Minutes())
		if minutes < 1 {
			minutes = 1
		}
		breakdown[ServiceCarrierCall] = minutes * l.rates.CarrierPerMinute
		breakdown[ServiceCarrierStream] = minutes * l.rates.StreamPerMinute
	}
	if c.transferred {
		breakdown[ServiceCarrierTransfer] = l.rates.TransferFlat
	}
	if c.sttSeconds > 0 {
		breakdown[ServiceSTT] = c.sttSeconds / 3600 * l.rates.STTPerHour
	}
	if c.ttsSeconds > 0 {
		breakdown[ServiceTTS] = c.ttsSeconds * l.rates.TTSPerSecond
	}
	if c.promptTokens > 0 || c.completionTokens > 0 {
		breakdown[ServiceLLM] = float64(c.promptTokens)/1e6*l.rates.LLMPromptPerMillion +
			float64(c.completionTokens)/1e6*l.rates.LLMCompletionPerMillion
	}

	var total float64
	for _, v := range breakdown {
		total += v
	}
	return Snapshot{
		CallID:      callID,
		Total:       total,
		Breakdown:   breakdown,
		LLMAPICalls: c.llmAPICalls,
		TTSSeconds:  c.ttsSeconds,
		STTSeconds:  c.sttSeconds,
		Transferred: c.transferred,
		Finalized:   c.finalized,
	}
}

// Forget drops a call's cached accumulator. Called well after finalisation
// to bound memory.
func (l *Ledger) Forget(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.calls, callID)
}
