package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mwhited/outcall/internal/costs"
	"github.com/mwhited/outcall/internal/observe"
	"github.com/mwhited/outcall/internal/stt"
	"github.com/mwhited/outcall/internal/tts"
)

// Conn is the subset of *websocket.Conn the pipeline uses. Satisfied by
// the real connection; faked in tests.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Carrier stream wire messages. The carrier sends JSON text frames with
// base64 µ-law payloads and accepts the same shape outbound.
type wireEvent struct {
	Event    string     `json:"event"`
	StreamID string     `json:"stream_id,omitempty"`
	Media    *wireMedia `json:"media,omitempty"`
}

type wireMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// sayQueueDepth bounds how many utterances may wait for synthesis. The
// dialogue engine produces at most one reply per user turn, so overflow
// indicates a stuck outbound task; excess utterances are dropped.
const sayQueueDepth = 16

// maxUtteranceFailures is the number of consecutive synthesis or playback
// failures tolerated before the pipeline fails the call. A single provider
// hiccup is survivable; a second in a row means the lead hears silence.
const maxUtteranceFailures = 2

// Config assembles a Pipeline's collaborators.
type Config struct {
	CallID     string
	Conn       Conn
	STT        stt.Session
	Synth      tts.Synthesizer
	Transcoder Transcoder
	Ledger     *costs.Ledger
	Metrics    *observe.Metrics

	// Active reports whether the call is still live. Checked before TTS
	// starts and again before the first outbound frame.
	Active func() bool

	// OnFinal receives each final transcript in arrival order.
	OnFinal func(ctx context.Context, t stt.Transcript)

	Logger *slog.Logger
}

// Pipeline is the per-call duplex audio path. Run drives three tasks that
// share the call's context: the inbound reader, the STT event pump, and
// the single-writer outbound task.
type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	sayQ chan string

	mu       sync.Mutex
	pending  int
	idleCh   chan struct{}
	closed   bool
	sttStart time.Time
}

// NewPipeline builds a Pipeline. Config.Conn, STT, Synth, Transcoder,
// Active and OnFinal must be set.
func NewPipeline(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log.With("call_id", cfg.CallID),
		limiter: rate.NewLimiter(rate.Limit(1000/framePeriodMS), 5),
		sayQ:    make(chan string, sayQueueDepth),
	}
}

// Run executes the pipeline until the context is cancelled, the carrier
// closes the stream, or a task fails. Cleanup tears down both provider
// sessions.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.inboundTask(ctx) })
	g.Go(func() error { return p.sttEventTask(ctx) })
	g.Go(func() error { return p.outboundTask(ctx) })

	err := g.Wait()

	p.shutdown()
	_ = p.cfg.STT.Close()
	_ = p.cfg.Conn.Close(websocket.StatusNormalClosure, "pipeline done")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// inboundTask reads carrier frames, decodes µ-law to PCM 16 kHz, and
// forwards buffered chunks to the STT session.
func (p *Pipeline) inboundTask(ctx context.Context) error {
	chunks := newChunker(sttChunkBytes)
	for {
		typ, msg, err := p.cfg.Conn.Read(ctx)
		if err != nil {
			// Carrier closed the stream: normal end of media.
			return context.Canceled
		}
		if typ != websocket.MessageText {
			continue
		}

		var ev wireEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		switch ev.Event {
		case "media":
			if ev.Media == nil || ev.Media.Track == "outbound" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				continue
			}
			if p.cfg.Ledger != nil {
				p.cfg.Ledger.AddSTTSeconds(p.cfg.CallID, float64(len(ulaw))/carrierSampleRate)
			}
			pcm := UlawToPCM16k(ulaw)
			for _, chunk := range chunks.push(pcm) {
				p.mu.Lock()
				if p.sttStart.IsZero() {
					p.sttStart = time.Now()
				}
				p.mu.Unlock()
				if err := p.cfg.STT.SendAudio(chunk); err != nil {
					// One STT failure fails the pipeline for this call.
					return err
				}
			}
		case "stop":
			return context.Canceled
		}
	}
}

// sttEventTask pumps transcripts to the dialogue side. Partials are
// drained and dropped; finals are delivered in arrival order.
func (p *Pipeline) sttEventTask(ctx context.Context) error {
	partials := p.cfg.STT.Partials()
	finals := p.cfg.STT.Finals()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
		case t, ok := <-finals:
			if !ok {
				return context.Canceled
			}
			p.mu.Lock()
			start := p.sttStart
			p.sttStart = time.Time{}
			p.mu.Unlock()
			if p.cfg.Metrics != nil && !start.IsZero() {
				p.cfg.Metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
			}
			p.cfg.OnFinal(ctx, t)
		}
	}
}

// Say queues an utterance for synthesis. Returns false if the pipeline has
// shut down or the queue is full.
func (p *Pipeline) Say(text string) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if p.pending == 0 {
		p.idleCh = make(chan struct{})
	}
	p.pending++
	p.mu.Unlock()

	select {
	case p.sayQ <- text:
		return true
	default:
		p.log.Warn("outbound queue full, dropping utterance")
		p.utteranceDone()
		return false
	}
}

// WaitIdle blocks until no utterance is queued or in flight, or ctx ends.
func (p *Pipeline) WaitIdle(ctx context.Context) {
	p.mu.Lock()
	ch := p.idleCh
	pending := p.pending
	p.mu.Unlock()
	if pending == 0 || ch == nil {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (p *Pipeline) utteranceDone() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 && p.idleCh != nil {
		close(p.idleCh)
		p.idleCh = nil
	}
	p.mu.Unlock()
}

// outboundTask is the single writer to the carrier socket. One utterance
// is in flight at a time. Consecutive utterance failures fail the pipeline
// so the call is torn down instead of going silent.
func (p *Pipeline) outboundTask(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-p.sayQ:
			err := p.speak(ctx, text)
			p.utteranceDone()
			if err == nil {
				failures = 0
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			failures++
			p.log.Warn("utterance failed", "error", err, "consecutive", failures)
			if failures >= maxUtteranceFailures {
				return fmt.Errorf("outbound audio failing: %w", err)
			}
		}
	}
}

// speak synthesises one utterance and streams it to the carrier in paced
// 20 ms frames. The utterance is discarded silently, with a nil return, if
// the call went inactive before or during synthesis.
func (p *Pipeline) speak(ctx context.Context, text string) error {
	if !p.cfg.Active() {
		return nil
	}

	synthStart := time.Now()
	rc, err := p.cfg.Synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("tts synthesis: %w", err)
	}
	ulaw, err := p.cfg.Transcoder.MP3ToUlaw(ctx, rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("tts transcode: %w", err)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
	}

	// The call may have ended while we waited on the provider.
	if !p.cfg.Active() {
		return nil
	}
	if p.cfg.Ledger != nil {
		p.cfg.Ledger.AddTTSSeconds(p.cfg.CallID, float64(len(ulaw))/carrierSampleRate)
	}

	for _, frame := range frames(ulaw) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		if !p.cfg.Active() {
			return nil
		}
		msg, err := json.Marshal(wireEvent{
			Event: "media",
			Media: &wireMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
		})
		if err != nil {
			return nil
		}
		if err := p.cfg.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return fmt.Errorf("carrier socket write: %w", err)
		}
	}
	return nil
}

// shutdown rejects further Say calls and releases idle waiters for
// utterances that will never play.
func (p *Pipeline) shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case <-p.sayQ:
			p.utteranceDone()
		default:
			return
		}
	}
}
