package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/mwhited/outcall/internal/observe"
	"github.com/mwhited/outcall/internal/stt"
)

// fakeConn feeds scripted inbound messages and records outbound writes.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.MessageText, msg, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	c.writes = append(c.writes, buf)
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) sendMedia(ulaw []byte) {
	msg, _ := json.Marshal(wireEvent{
		Event: "media",
		Media: &wireMedia{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
	c.inbound <- msg
}

func (c *fakeConn) sendStop() {
	msg, _ := json.Marshal(wireEvent{Event: "stop"})
	c.inbound <- msg
}

// fakeSTT records received audio and lets tests emit transcripts.
type fakeSTT struct {
	mu       sync.Mutex
	chunks   [][]byte
	sendErr  error
	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{
		partials: make(chan stt.Transcript, 8),
		finals:   make(chan stt.Transcript, 8),
	}
}

func (s *fakeSTT) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *fakeSTT) Partials() <-chan stt.Transcript { return s.partials }
func (s *fakeSTT) Finals() <-chan stt.Transcript   { return s.finals }

func (s *fakeSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

func (s *fakeSTT) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

type fakeSynth struct {
	mu    sync.Mutex
	errs  []error // consumed in order; nil means success
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader("mp3:" + text)), nil
}

// fakeTranscoder returns a fixed amount of µ-law per utterance.
type fakeTranscoder struct {
	bytes int
}

func (f *fakeTranscoder) MP3ToUlaw(_ context.Context, r io.Reader) ([]byte, error) {
	io.Copy(io.Discard, r)
	n := f.bytes
	if n == 0 {
		n = outFrameBytes * 2
	}
	return make([]byte, n), nil
}

type pipelineHarness struct {
	conn   *fakeConn
	sttS   *fakeSTT
	synth  *fakeSynth
	pipe   *Pipeline
	finals chan stt.Transcript
	active func() bool
	done   chan error
}

func startPipeline(t *testing.T, active func() bool) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		conn:   newFakeConn(),
		sttS:   newFakeSTT(),
		synth:  &fakeSynth{},
		finals: make(chan stt.Transcript, 8),
		done:   make(chan error, 1),
	}
	if active == nil {
		active = func() bool { return true }
	}
	h.active = active
	h.pipe = NewPipeline(Config{
		CallID:     "cc-test",
		Conn:       h.conn,
		STT:        h.sttS,
		Synth:      h.synth,
		Transcoder: &fakeTranscoder{},
		Active:     active,
		OnFinal: func(_ context.Context, tr stt.Transcript) {
			h.finals <- tr
		},
	})
	go func() { h.done <- h.pipe.Run(context.Background()) }()
	return h
}

func (h *pipelineHarness) stop(t *testing.T) {
	t.Helper()
	h.conn.sendStop()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("pipeline error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestInboundAudioReachesSTTInChunks(t *testing.T) {
	h := startPipeline(t, nil)

	// 800 µ-law bytes decode to 3200 PCM bytes: exactly two 1600-byte chunks.
	h.conn.sendMedia(make([]byte, 800))

	deadline := time.After(time.Second)
	for h.sttS.chunkCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("chunks: want 2, got %d", h.sttS.chunkCount())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	h.sttS.mu.Lock()
	for _, chunk := range h.sttS.chunks {
		if len(chunk) != sttChunkBytes {
			t.Errorf("chunk size: want %d, got %d", sttChunkBytes, len(chunk))
		}
	}
	h.sttS.mu.Unlock()
	h.stop(t)
}

func TestFinalTranscriptsDeliveredInOrder(t *testing.T) {
	h := startPipeline(t, nil)

	h.sttS.finals <- stt.Transcript{Text: "first", IsFinal: true}
	h.sttS.finals <- stt.Transcript{Text: "second", IsFinal: true}
	h.sttS.partials <- stt.Transcript{Text: "ignored partial"}

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-h.finals:
			if got.Text != want {
				t.Errorf("final order: want %q, got %q", want, got.Text)
			}
		case <-time.After(time.Second):
			t.Fatal("final transcript not delivered")
		}
	}
	h.stop(t)
}

func TestSayStreamsPacedFrames(t *testing.T) {
	h := startPipeline(t, nil)

	if !h.pipe.Say("hello caller") {
		t.Fatal("Say refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.pipe.WaitIdle(ctx)
	cancel()

	if got := h.conn.writeCount(); got != 2 {
		t.Errorf("outbound frames: want 2, got %d", got)
	}
	// Frames are valid media events with 160-byte payloads.
	h.conn.mu.Lock()
	first := h.conn.writes[0]
	h.conn.mu.Unlock()
	var ev wireEvent
	if err := json.Unmarshal(first, &ev); err != nil {
		t.Fatalf("outbound frame is not JSON: %v", err)
	}
	payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil || len(payload) != outFrameBytes {
		t.Errorf("payload: err=%v len=%d", err, len(payload))
	}
	h.stop(t)
}

func TestUtteranceDiscardedWhenCallInactive(t *testing.T) {
	h := startPipeline(t, func() bool { return false })

	if !h.pipe.Say("too late") {
		t.Fatal("Say refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.pipe.WaitIdle(ctx)
	cancel()

	if got := h.conn.writeCount(); got != 0 {
		t.Errorf("inactive call must not receive frames, got %d", got)
	}
	h.stop(t)
}

func TestSayAfterShutdownRefused(t *testing.T) {
	h := startPipeline(t, nil)
	h.stop(t)

	if h.pipe.Say("ghost") {
		t.Error("Say must refuse after shutdown")
	}
}

func TestWaitIdleImmediateWhenNothingQueued(t *testing.T) {
	h := startPipeline(t, nil)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	h.pipe.WaitIdle(ctx)
	cancel()
	if time.Since(start) > 500*time.Millisecond {
		t.Error("WaitIdle with empty queue should return immediately")
	}
	h.stop(t)
}

func TestSTTFailureFailsPipeline(t *testing.T) {
	h := startPipeline(t, nil)
	h.sttS.mu.Lock()
	h.sttS.sendErr = errors.New("stt send failed")
	h.sttS.mu.Unlock()

	// Enough audio to produce a full chunk and hit the failing send.
	h.conn.sendMedia(make([]byte, 800))

	select {
	case err := <-h.done:
		if err == nil {
			t.Error("pipeline should surface the STT failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not exit after STT failure")
	}
}

func TestToleratesSingleTTSFailure(t *testing.T) {
	h := startPipeline(t, nil)
	h.synth.mu.Lock()
	h.synth.errs = []error{errors.New("tts 500"), nil}
	h.synth.mu.Unlock()

	h.pipe.Say("first")
	h.pipe.Say("second")

	deadline := time.After(2 * time.Second)
	for h.conn.writeCount() == 0 {
		select {
		case err := <-h.done:
			t.Fatalf("pipeline exited after a single synthesis failure: %v", err)
		case <-deadline:
			t.Fatal("second utterance never played")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	h.stop(t)
}

func TestConsecutiveTTSFailuresFailPipeline(t *testing.T) {
	h := startPipeline(t, nil)
	h.synth.mu.Lock()
	h.synth.errs = []error{errors.New("tts 500"), errors.New("tts 500")}
	h.synth.mu.Unlock()

	h.pipe.Say("first")
	h.pipe.Say("second")

	select {
	case err := <-h.done:
		if err == nil {
			t.Error("pipeline should surface repeated synthesis failures")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline kept running through repeated synthesis failures")
	}
}

func TestStageLatenciesRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	sttS := newFakeSTT()
	finals := make(chan stt.Transcript, 1)
	pipe := NewPipeline(Config{
		CallID:     "cc-metrics",
		Conn:       conn,
		STT:        sttS,
		Synth:      &fakeSynth{},
		Transcoder: &fakeTranscoder{},
		Metrics:    met,
		Active:     func() bool { return true },
		OnFinal: func(_ context.Context, tr stt.Transcript) {
			finals <- tr
		},
	})
	done := make(chan error, 1)
	go func() { done <- pipe.Run(context.Background()) }()

	// One audio chunk followed by its final transcript covers the STT
	// histogram; one spoken utterance covers the TTS histogram.
	conn.sendMedia(make([]byte, 800))
	deadline := time.After(2 * time.Second)
	for sttS.chunkCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("audio chunk never reached the stt session")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	sttS.finals <- stt.Transcript{Text: "hello", Confidence: 0.9}
	<-finals

	pipe.Say("hi there")
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	pipe.WaitIdle(waitCtx)
	cancel()

	conn.sendStop()
	<-done

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	recorded := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, inst := range sm.Metrics {
			if hist, ok := inst.Data.(metricdata.Histogram[float64]); ok && len(hist.DataPoints) > 0 {
				recorded[inst.Name] = true
			}
		}
	}
	for _, name := range []string{"outcall.stt.duration", "outcall.tts.duration"} {
		if !recorded[name] {
			t.Errorf("%s has no recorded samples", name)
		}
	}
}
