// Package recorder accumulates per-call transcripts and, on the terminal
// event, classifies the final call status and persists the conversation.
package recorder

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mwhited/outcall/internal/costs"
	"github.com/mwhited/outcall/internal/store"
)

// Speaker labels.
const (
	SpeakerAI     = "AI"
	SpeakerLead   = "Lead"
	SpeakerSystem = "System"
)

// Final conversation statuses.
const (
	StatusActive      = "active"
	StatusCompleted   = "completed"
	StatusTransferred = "transferred"
	StatusNoResponse  = "no_response"
	StatusNoAnswer    = "no_answer"
	StatusVoicemail   = "voicemail"
)

// Transcript markers injected by the voicemail/AMD paths. Messages carrying
// these prefixes are not treated as real user responses.
const (
	markerAMD        = "[AMD Detection:"
	markerVoicemail  = "[Voicemail detected]"
	markerNoise      = "[Background noise]"
	markerFiltered   = "[Filtered:"
	placeholderAIMsg = "[AI agent spoke but messages were not captured]"
)

// quickHangupWindow separates a voicemail-style quick hangup from a genuine
// no-response call.
const quickHangupWindow = 30 * time.Second

// idleWaitTimeout bounds how long finalisation waits for the outbound audio
// task to go idle before persisting.
const idleWaitTimeout = 5 * time.Second

// Sink persists finalised conversations.
type Sink interface {
	UpsertConversation(ctx context.Context, c store.Conversation) error
}

// LeadChecker reports whether a phone (digits only) belongs to a known lead.
type LeadChecker interface {
	KnownLeadPhone(ctx context.Context, digits string) bool
}

type record struct {
	callID   string
	fromDID  string
	toPhone  string
	started  time.Time
	messages []store.Message

	// recoverAI returns the dialogue engine's assistant turns, used when
	// the transcript path lost the AI side.
	recoverAI func() []string
	// waitIdle blocks until the outbound audio task is idle or ctx ends.
	waitIdle func(ctx context.Context)
}

// Recorder is the process-wide conversation recorder. Safe for concurrent
// use across calls.
type Recorder struct {
	sink    Sink
	checker LeadChecker
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	records   map[string]*record
	finalized map[string]bool
}

// Option is a functional option for the Recorder.
type Option func(*Recorder)

// WithLeadChecker sets the lead phone validator used before persisting.
func WithLeadChecker(c LeadChecker) Option {
	return func(r *Recorder) { r.checker = c }
}

// WithLogger sets the recorder's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New builds a Recorder that persists through sink.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:      sink,
		log:       slog.Default(),
		now:       time.Now,
		records:   make(map[string]*record),
		finalized: make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Initialize registers an in-memory record for a call. Idempotent.
func (r *Recorder) Initialize(callID, fromDID, toPhone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[callID]; ok {
		return
	}
	r.records[callID] = &record{
		callID:  callID,
		fromDID: fromDID,
		toPhone: toPhone,
		started: r.now(),
	}
}

// SetAIRecovery registers a callback returning the dialogue engine's
// assistant turns for message recovery at finalisation.
func (r *Recorder) SetAIRecovery(callID string, recover func() []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[callID]; ok {
		rec.recoverAI = recover
	}
}

// SetIdleWaiter registers a callback that blocks until the call's outbound
// audio task is idle.
func (r *Recorder) SetIdleWaiter(callID string, wait func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[callID]; ok {
		rec.waitIdle = wait
	}
}

// AddMessage appends a transcript turn to the call's record.
func (r *Recorder) AddMessage(callID, speaker, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return
	}
	rec.messages = append(rec.messages, store.Message{
		Speaker:   speaker,
		Text:      text,
		Timestamp: r.now(),
	})
}

// Messages returns a copy of the call's transcript so far.
func (r *Recorder) Messages(callID string) []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return nil
	}
	out := make([]store.Message, len(rec.messages))
	copy(out, rec.messages)
	return out
}

// Finalize classifies and persists the conversation. Guarded by a finalized
// set: repeated calls for the same call_id are no-ops.
//
// attemptToPhone is the dispatcher's record of the dialled number, used to
// correct a record that mistakenly stored the DID as the recipient.
func (r *Recorder) Finalize(ctx context.Context, callID string, cost costs.Snapshot, transferred bool, hangupCause, attemptToPhone string, llmHistoryUserTurns int) {
	r.mu.Lock()
	if r.finalized[callID] {
		r.mu.Unlock()
		return
	}
	r.finalized[callID] = true
	rec, ok := r.records[callID]
	if !ok {
		rec = &record{callID: callID, started: r.now()}
		r.records[callID] = rec
	}
	waitIdle := rec.waitIdle
	r.mu.Unlock()

	// Let an in-flight utterance land in the transcript first.
	if waitIdle != nil {
		waitCtx, cancel := context.WithTimeout(ctx, idleWaitTimeout)
		waitIdle(waitCtx)
		cancel()
	}

	r.mu.Lock()
	duration := r.now().Sub(rec.started)

	// Recover lost AI messages before classifying a zero-message call.
	if len(rec.messages) == 0 && cost.TTSSeconds > 0 && rec.recoverAI != nil {
		for _, text := range rec.recoverAI() {
			rec.messages = append(rec.messages, store.Message{
				Speaker: SpeakerAI, Text: text, Timestamp: rec.started,
			})
		}
		if len(rec.messages) == 0 {
			rec.messages = append(rec.messages, store.Message{
				Speaker: SpeakerAI, Text: placeholderAIMsg, Timestamp: rec.started,
			})
		}
	}

	status := classify(rec.messages, cost, transferred, hangupCause, duration, llmHistoryUserTurns)

	toPhone := rec.toPhone
	if r.checker != nil && toPhone != "" && !r.checker.KnownLeadPhone(ctx, digitsOnly(toPhone)) && attemptToPhone != "" {
		r.log.Warn("stored to_phone does not match a known lead, correcting",
			"call_id", callID, "stored", toPhone, "attempt", attemptToPhone)
		toPhone = attemptToPhone
	}

	conv := store.Conversation{
		CallID:        callID,
		FromDID:       rec.fromDID,
		ToPhone:       toPhone,
		StartMS:       rec.started.UnixMilli(),
		EndMS:         rec.started.Add(duration).UnixMilli(),
		DurationS:     duration.Seconds(),
		CostTotal:     cost.Total,
		CostBreakdown: cost.Breakdown,
		Messages:      rec.messages,
		Status:        status,
		HangupCause:   hangupCause,
	}
	r.mu.Unlock()

	if err := r.sink.UpsertConversation(ctx, conv); err != nil {
		// Non-fatal: the upsert retries on the next terminal event.
		r.log.Warn("conversation persist failed", "call_id", callID, "error", err)
	}
}

// Finalized reports whether the call was already finalised.
func (r *Recorder) Finalized(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized[callID]
}

// Forget drops a call's record after the dispatcher released the call.
func (r *Recorder) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, callID)
}

// classify derives the final conversation status. Precedence: transfer,
// then zero-message calls, then voicemail markers, then real-response
// checks.
func classify(messages []store.Message, cost costs.Snapshot, transferred bool, hangupCause string, duration time.Duration, llmUserTurns int) string {
	if transferred {
		return StatusTransferred
	}

	if len(messages) == 0 {
		if cost.TTSSeconds > 0 {
			if hangupCause == "voicemail" || duration < quickHangupWindow {
				return StatusVoicemail
			}
			return StatusNoResponse
		}
		return StatusNoAnswer
	}

	if hangupCause == "voicemail" {
		return StatusVoicemail
	}
	for _, m := range messages {
		if strings.Contains(m.Text, markerAMD) || strings.HasPrefix(m.Text, markerVoicemail) {
			return StatusVoicemail
		}
	}

	// Real responses carry none of the markers; a filtered message still
	// counts as an attempt to respond.
	var realUserMessages, attemptedMessages, noiseOnlyMessages, leadMessages int
	for _, m := range messages {
		if m.Speaker != SpeakerLead {
			continue
		}
		leadMessages++
		switch {
		case strings.HasPrefix(m.Text, markerVoicemail) || strings.HasPrefix(m.Text, markerNoise):
			noiseOnlyMessages++
		case strings.HasPrefix(m.Text, markerFiltered):
			attemptedMessages++
		default:
			realUserMessages++
			attemptedMessages++
		}
	}

	switch {
	case cost.LLMAPICalls > 0:
		return StatusCompleted
	case realUserMessages > 0 || llmUserTurns > 0:
		return StatusCompleted
	case attemptedMessages > 0 && duration >= quickHangupWindow:
		return StatusCompleted
	case leadMessages > 0 && noiseOnlyMessages == leadMessages:
		return StatusVoicemail
	case duration < quickHangupWindow && cost.TTSSeconds > 0:
		return StatusVoicemail
	default:
		return StatusNoResponse
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
