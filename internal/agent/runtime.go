// Package agent wires the per-call machinery together: when the dispatcher
// starts a call it creates a session here, the carrier's webhooks drive the
// session through its lifecycle, and the media WebSocket attaches the audio
// pipeline that connects STT, the dialogue engine, and TTS.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mwhited/outcall/internal/call"
	"github.com/mwhited/outcall/internal/costs"
	"github.com/mwhited/outcall/internal/dialogue"
	"github.com/mwhited/outcall/internal/media"
	"github.com/mwhited/outcall/internal/observe"
	"github.com/mwhited/outcall/internal/recorder"
	"github.com/mwhited/outcall/internal/store"
	"github.com/mwhited/outcall/internal/stt"
	"github.com/mwhited/outcall/internal/tts"
)

// ErrNoSuchCall is returned for operations on a call id with no live
// session.
var ErrNoSuchCall = errors.New("agent: no such call")

// minTranscriptConfidence is the floor below which a final transcript is
// recorded as filtered noise instead of being fed to the dialogue engine.
const minTranscriptConfidence = 0.5

// noResponseTimeout is how long the agent waits for the lead to speak before
// prompting once; a second silent interval ends the call.
const noResponseTimeout = 15 * time.Second

// transferWaitTimeout bounds how long a transfer waits for the announcement
// audio to finish playing.
const transferWaitTimeout = 10 * time.Second

// Carrier is the call-control surface the runtime drives.
type Carrier interface {
	Hangup(ctx context.Context, callID string) error
	StartStream(ctx context.Context, callID, wsURL string) error
	Transfer(ctx context.Context, callID, to, fromDID string) error
}

// Store is the persistence surface the runtime writes call outcomes to.
type Store interface {
	SetLeadStatus(ctx context.Context, id int64, status string) error
	SetLeadAnswerType(ctx context.Context, id int64, answerType string) error
	RecordTransfer(ctx context.Context, t store.Transfer) error
}

// LLMFactory builds a dialogue engine for one lead.
type LLMFactory func(lead dialogue.Lead) *dialogue.Engine

// Config assembles a Runtime.
type Config struct {
	Carrier    Carrier
	Store      Store
	STT        stt.Provider
	Synth      tts.Synthesizer
	Transcoder media.Transcoder
	Ledger     *costs.Ledger
	Recorder   *recorder.Recorder
	Metrics    *observe.Metrics
	NewEngine  LLMFactory

	// TransferNumber is the human agent qualified leads are transferred to.
	TransferNumber string
	// StreamURL is the public wss:// endpoint the carrier dials for media.
	StreamURL string

	Logger *slog.Logger
}

// session is the in-memory state of one live call.
type session struct {
	cc     *call.Context
	lead   store.Lead
	engine *dialogue.Engine

	mu          sync.Mutex
	pipe        *media.Pipeline
	idleTimer   *time.Timer
	idlePrompts int
	transferred bool
	answerType  string
}

// Runtime owns the live sessions and implements both the dispatcher hooks
// and the webhook event handlers.
type Runtime struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*session
	transferTo string
}

// New builds a Runtime.
func New(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:        cfg,
		log:        log,
		sessions:   make(map[string]*session),
		transferTo: cfg.TransferNumber,
	}
}

func (r *Runtime) session(callID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// OnCallStart is the dispatcher hook creating the session for a freshly
// originated call.
func (r *Runtime) OnCallStart(cc *call.Context, lead store.Lead) {
	eng := r.cfg.NewEngine(dialogue.Lead{
		ID:        lead.ID,
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		Phone:     lead.Phone,
		Address:   lead.Address,
	})
	s := &session{cc: cc, lead: lead, engine: eng}

	r.mu.Lock()
	r.sessions[cc.ID] = s
	r.mu.Unlock()

	r.cfg.Ledger.MarkInitiated(cc.ID)
	r.cfg.Recorder.Initialize(cc.ID, cc.FromDID, cc.Phone)
	r.cfg.Recorder.SetAIRecovery(cc.ID, func() []string {
		var out []string
		for _, m := range eng.History() {
			if m.Role == "assistant" && m.Content != "" {
				out = append(out, m.Content)
			}
		}
		return out
	})
}

// OnCallEnd is the dispatcher hook finalising costs, transcript, and lead
// status after the terminal result.
func (r *Runtime) OnCallEnd(cc *call.Context, lead store.Lead, res call.Result) {
	s, ok := r.session(cc.ID)
	if !ok {
		return
	}
	ctx := context.Background()

	s.mu.Lock()
	s.stopIdleTimerLocked()
	transferred := s.transferred || res.Transferred
	s.mu.Unlock()

	snap := r.cfg.Ledger.Finalize(ctx, cc.ID, transferred)

	llmUserTurns := 0
	for _, m := range s.engine.History() {
		if m.Role == "user" {
			llmUserTurns++
		}
	}
	r.cfg.Recorder.Finalize(ctx, cc.ID, snap, transferred, res.HangupCause, cc.Phone, llmUserTurns)

	if status := leadStatusFor(s, transferred, res); status != "" {
		if err := r.cfg.Store.SetLeadStatus(ctx, lead.ID, status); err != nil {
			r.log.Warn("lead status update failed", "lead_id", lead.ID, "error", err)
		}
	}

	r.cfg.Recorder.Forget(cc.ID)
	r.cfg.Ledger.Forget(cc.ID)
	r.mu.Lock()
	delete(r.sessions, cc.ID)
	r.mu.Unlock()
}

// leadStatusFor maps the terminal call state onto the lead's pipeline
// status. An empty return leaves the lead at "called".
func leadStatusFor(s *session, transferred bool, res call.Result) string {
	switch {
	case transferred:
		return store.LeadQualified
	case s.engine.Qualifications().AnyNo():
		return store.LeadDisqualified
	case res.Status == call.StatusFailed:
		return store.LeadFailed
	default:
		return ""
	}
}

// HandleInitiated processes the carrier's call.initiated event.
func (r *Runtime) HandleInitiated(ctx context.Context, callID string) {
	r.cfg.Ledger.MarkInitiated(callID)
}

// HandleAnswered processes call.answered: billing starts and the carrier is
// told to open the bidirectional media stream.
func (r *Runtime) HandleAnswered(ctx context.Context, callID string) {
	s, ok := r.session(callID)
	if !ok {
		r.log.Warn("answered event for unknown call", "call_id", callID)
		return
	}
	s.cc.MarkConnected(time.Now())
	r.cfg.Ledger.MarkConnected(callID)

	if err := r.cfg.Carrier.StartStream(ctx, callID, r.cfg.StreamURL); err != nil {
		r.log.Error("start stream failed, hanging up", "call_id", callID, "error", err)
		r.hangup(ctx, s, "stream_failed")
		return
	}
	s.cc.MarkActive(true)
}

// HandleMachineDetection processes the AMD result. Machine answers are
// recorded and the call is ended without burning LLM turns.
func (r *Runtime) HandleMachineDetection(ctx context.Context, callID, result string) {
	s, ok := r.session(callID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.answerType = result
	s.mu.Unlock()

	if err := r.cfg.Store.SetLeadAnswerType(ctx, s.lead.ID, result); err != nil {
		r.log.Warn("answer type update failed", "lead_id", s.lead.ID, "error", err)
	}

	switch result {
	case "machine", "fax":
		r.cfg.Recorder.AddMessage(callID, recorder.SpeakerSystem, "[AMD Detection: "+result+"]")
		r.hangup(ctx, s, "voicemail")
	}
}

// HandleHangup processes the terminal call.hangup event and delivers the
// result to the dispatcher worker.
func (r *Runtime) HandleHangup(ctx context.Context, callID, cause string) {
	s, ok := r.session(callID)
	if !ok {
		// No session survives a process restart; the webhook router still
		// flags the call record, so only the in-memory side is lost.
		r.log.Warn("hangup for unknown session", "call_id", callID, "cause", cause)
		return
	}
	s.cc.MarkActive(false)

	s.mu.Lock()
	s.stopIdleTimerLocked()
	transferred := s.transferred
	answerType := s.answerType
	s.mu.Unlock()

	res := call.Result{
		Status:      terminalStatus(s, transferred, answerType, cause),
		HangupCause: cause,
		Transferred: transferred,
	}
	s.cc.Complete(res)
}

// terminalStatus derives the dispatcher-facing outcome for a hung-up call.
func terminalStatus(s *session, transferred bool, answerType, cause string) string {
	switch {
	case transferred:
		return call.StatusTransferred
	case answerType == "machine" || answerType == "fax" || cause == "voicemail":
		return call.StatusVoicemail
	case !answered(s):
		return call.StatusNoAnswer
	case s.engine.LLMCalls() > 0:
		return call.StatusCompleted
	default:
		return call.StatusNoResponse
	}
}

func answered(s *session) bool {
	_, ok := s.cc.Connected()
	return ok
}

// AttachStream runs the media pipeline for an identified carrier stream.
// Blocks until the call's media ends.
func (r *Runtime) AttachStream(ctx context.Context, callID string, conn media.Conn) {
	s, ok := r.session(callID)
	if !ok {
		r.log.Warn("media stream for unknown call", "call_id", callID)
		conn.Close(websocket.StatusNormalClosure, "unknown call")
		return
	}

	sttSession, err := r.cfg.STT.StartStream(s.cc.Ctx, stt.StreamConfig{
		Encoding:   "linear16",
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		r.log.Error("stt session failed, hanging up", "call_id", callID, "error", err)
		r.hangup(context.Background(), s, "stt_failed")
		conn.Close(websocket.StatusInternalError, "stt unavailable")
		return
	}

	pipe := media.NewPipeline(media.Config{
		CallID:     callID,
		Conn:       conn,
		STT:        sttSession,
		Synth:      r.cfg.Synth,
		Transcoder: r.cfg.Transcoder,
		Ledger:     r.cfg.Ledger,
		Metrics:    r.cfg.Metrics,
		Active:     s.cc.Active,
		OnFinal: func(ctx context.Context, t stt.Transcript) {
			r.handleFinal(ctx, s, t)
		},
		Logger: r.log,
	})

	s.mu.Lock()
	s.pipe = pipe
	s.mu.Unlock()
	r.cfg.Recorder.SetIdleWaiter(callID, pipe.WaitIdle)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveStreams.Add(ctx, 1)
		defer r.cfg.Metrics.ActiveStreams.Add(ctx, -1)
	}

	r.say(s, s.engine.GreetingText())
	r.say(s, s.engine.GreetingPartTwoText())
	r.resetIdleTimer(s)

	err = pipe.Run(s.cc.Ctx)
	s.cc.MarkActive(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		// A dead media path leaves the carrier leg up with nobody
		// listening; end the call rather than wait for the lead to give up.
		r.log.Error("media pipeline failed, hanging up", "call_id", callID, "error", err)
		r.hangup(context.Background(), s, "media_failed")
	}
}

// say queues an utterance and mirrors it into the transcript.
func (r *Runtime) say(s *session, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil || !pipe.Say(text) {
		return
	}
	r.cfg.Recorder.AddMessage(s.cc.ID, recorder.SpeakerAI, text)
}

// handleFinal feeds one final transcript through the dialogue engine and
// acts on the turn's outcome.
func (r *Runtime) handleFinal(ctx context.Context, s *session, t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	r.stopIdleTimer(s)
	defer r.resetIdleTimer(s)

	if t.Confidence > 0 && t.Confidence < minTranscriptConfidence {
		r.cfg.Recorder.AddMessage(s.cc.ID, recorder.SpeakerLead, "[Filtered: "+text+"]")
		return
	}
	r.cfg.Recorder.AddMessage(s.cc.ID, recorder.SpeakerLead, text)

	turnStart := time.Now()
	res := s.engine.NextTurn(s.cc.Ctx, text)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.LLMDuration.Record(ctx, time.Since(turnStart).Seconds())
	}
	r.cfg.Ledger.AddLLMUsage(s.cc.ID, res.Usage.PromptTokens, res.Usage.CompletionTokens)

	r.say(s, res.Reply)

	switch {
	case res.Transfer:
		r.transfer(ctx, s)
	case res.Hangup:
		r.hangupAfterSpeech(s, "normal_clearing")
	}
}

// transfer blind-transfers the qualified lead to the human agent once the
// announcement finished playing.
func (r *Runtime) transfer(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.transferred {
		s.mu.Unlock()
		return
	}
	pipe := s.pipe
	s.mu.Unlock()

	if pipe != nil {
		waitCtx, cancel := context.WithTimeout(ctx, transferWaitTimeout)
		pipe.WaitIdle(waitCtx)
		cancel()
	}

	to := r.TransferNumber()
	err := r.cfg.Carrier.Transfer(ctx, s.cc.ID, to, s.cc.FromDID)
	if err != nil {
		r.log.Error("transfer failed", "call_id", s.cc.ID, "error", err)
		r.say(s, "I'm sorry, I couldn't connect you right now. A specialist will call you back shortly. Goodbye!")
		r.hangupAfterSpeech(s, "transfer_failed")
		return
	}

	s.mu.Lock()
	s.transferred = true
	s.mu.Unlock()

	r.log.Info("call transferred", "call_id", s.cc.ID, "to", to)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Transfers.Add(ctx, 1)
	}
	if err := r.cfg.Store.RecordTransfer(ctx, store.Transfer{
		CallID:        s.cc.ID,
		LeadID:        s.lead.ID,
		LeadName:      s.lead.Name(),
		Phone:         s.lead.Phone,
		FromDID:       s.cc.FromDID,
		ToAgent:       to,
		TransferredAt: time.Now(),
	}); err != nil {
		r.log.Warn("transfer record failed", "call_id", s.cc.ID, "error", err)
	}
}

// hangupAfterSpeech waits for queued audio to finish, then hangs up. Runs
// asynchronously so the STT event loop is not blocked behind playback.
func (r *Runtime) hangupAfterSpeech(s *session, cause string) {
	if !s.cc.RequestHangup() {
		return
	}
	go func() {
		s.mu.Lock()
		pipe := s.pipe
		s.mu.Unlock()
		if pipe != nil {
			waitCtx, cancel := context.WithTimeout(context.Background(), transferWaitTimeout)
			pipe.WaitIdle(waitCtx)
			cancel()
		}
		if err := r.cfg.Carrier.Hangup(context.Background(), s.cc.ID); err != nil {
			r.log.Warn("hangup failed", "call_id", s.cc.ID, "cause", cause, "error", err)
		}
	}()
}

// hangup ends the call immediately without waiting for audio.
func (r *Runtime) hangup(ctx context.Context, s *session, cause string) {
	if !s.cc.RequestHangup() {
		return
	}
	if err := r.cfg.Carrier.Hangup(ctx, s.cc.ID); err != nil {
		r.log.Warn("hangup failed", "call_id", s.cc.ID, "cause", cause, "error", err)
	}
}

// resetIdleTimer arms the silence watchdog: one prompt, then hangup.
func (r *Runtime) resetIdleTimer(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopIdleTimerLocked()
	s.idleTimer = time.AfterFunc(noResponseTimeout, func() { r.idleTimeout(s) })
}

func (r *Runtime) stopIdleTimer(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopIdleTimerLocked()
}

func (s *session) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// idleTimeout fires when the lead has been silent for a full interval.
func (r *Runtime) idleTimeout(s *session) {
	if !s.cc.Active() || s.cc.HangupPending() {
		return
	}
	s.mu.Lock()
	prompts := s.idlePrompts
	s.idlePrompts++
	s.mu.Unlock()

	if prompts == 0 {
		r.say(s, "I can't hear you clearly. Please try again.")
		r.resetIdleTimer(s)
		return
	}
	r.log.Info("no response from lead, ending call", "call_id", s.cc.ID)
	r.hangupAfterSpeech(s, "no_response")
}

// TransferNumber returns the current transfer destination.
func (r *Runtime) TransferNumber() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferTo
}

// SetTransferNumber changes the transfer destination for subsequent
// transfers. Live calls mid-transfer keep the number they resolved.
func (r *Runtime) SetTransferNumber(to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to != "" {
		r.transferTo = to
	}
}

// ActiveSessions returns the ids of calls with live sessions.
func (r *Runtime) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// SessionStage returns the dialogue stage for a live call.
func (r *Runtime) SessionStage(callID string) (string, bool) {
	s, ok := r.session(callID)
	if !ok {
		return "", false
	}
	return s.engine.Stage(), true
}

// Hangup force-ends a live call on operator request.
func (r *Runtime) Hangup(ctx context.Context, callID string) error {
	s, ok := r.session(callID)
	if !ok {
		return ErrNoSuchCall
	}
	r.hangup(ctx, s, "operator_request")
	return nil
}
