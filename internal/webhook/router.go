// Package webhook receives the carrier's call-control events and drives the
// per-call lifecycle handlers. Events for one call are applied strictly in
// arrival order; different calls proceed independently.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mwhited/outcall/internal/call"
	"github.com/mwhited/outcall/internal/observe"
)

// registerGrace is how long event processing waits for the dispatcher to
// register a call. The carrier can deliver call.initiated before the
// create-call HTTP response reaches the dispatcher.
const registerGrace = 3 * time.Second

// Events is the per-call lifecycle surface the router dispatches into.
type Events interface {
	HandleInitiated(ctx context.Context, callID string)
	HandleAnswered(ctx context.Context, callID string)
	HandleMachineDetection(ctx context.Context, callID, result string)
	HandleHangup(ctx context.Context, callID, cause string)
}

// CallMarker flags origination rows once the carrier confirms delivery.
type CallMarker interface {
	MarkCallWebhookReceived(ctx context.Context, callID, status string) error
}

// envelope is the carrier's webhook body.
type envelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			ClientState   string `json:"client_state"`
			HangupCause   string `json:"hangup_cause"`
			Result        string `json:"result"`
		} `json:"payload"`
	} `json:"data"`
}

type event struct {
	typ    string
	cause  string
	result string
}

// inbox serialises one call's events.
type inbox struct {
	queue   []event
	running bool
	waited  bool
}

// Router is the webhook HTTP handler.
type Router struct {
	events  Events
	manager *call.Manager
	marker  CallMarker
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	inboxes map[string]*inbox
}

// Option is a functional option for the Router.
type Option func(*Router)

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the router's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// New builds a Router dispatching into events.
func New(events Events, manager *call.Manager, marker CallMarker, opts ...Option) *Router {
	r := &Router{
		events:  events,
		manager: manager,
		marker:  marker,
		log:     slog.Default(),
		inboxes: make(map[string]*inbox),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ServeHTTP acknowledges the event immediately and processes it off the
// request goroutine. The carrier retries non-2xx responses, so even
// unparseable bodies are acknowledged.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer io.Copy(io.Discard, req.Body)

	var env envelope
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&env); err != nil {
		r.log.Warn("unparseable webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	typ := env.Data.EventType
	callID := env.Data.Payload.CallControlID
	if typ == "" || callID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.metrics != nil {
		r.metrics.RecordWebhookEvent(req.Context(), typ)
	}
	r.enqueue(callID, event{
		typ:    typ,
		cause:  env.Data.Payload.HangupCause,
		result: env.Data.Payload.Result,
	})
	w.WriteHeader(http.StatusOK)
}

// enqueue appends the event to the call's inbox and starts a drain goroutine
// if one is not already running.
func (r *Router) enqueue(callID string, ev event) {
	r.mu.Lock()
	ib, ok := r.inboxes[callID]
	if !ok {
		ib = &inbox{}
		r.inboxes[callID] = ib
	}
	ib.queue = append(ib.queue, ev)
	start := !ib.running
	ib.running = true
	r.mu.Unlock()

	if start {
		go r.drain(callID)
	}
}

// drain applies the call's queued events in order, then retires the inbox.
func (r *Router) drain(callID string) {
	ctx := context.Background()
	for {
		r.mu.Lock()
		ib := r.inboxes[callID]
		if len(ib.queue) == 0 {
			ib.running = false
			delete(r.inboxes, callID)
			r.mu.Unlock()
			return
		}
		ev := ib.queue[0]
		ib.queue = ib.queue[1:]
		waited := ib.waited
		ib.waited = true
		r.mu.Unlock()

		// First event for the call: give the dispatcher a moment to finish
		// registering before handlers look the call up.
		if !waited {
			r.waitRegistered(callID)
		}
		r.dispatch(ctx, callID, ev)
	}
}

// waitRegistered polls for the call context, bounded by the grace period.
func (r *Router) waitRegistered(callID string) {
	deadline := time.Now().Add(registerGrace)
	for time.Now().Before(deadline) {
		if _, ok := r.manager.Lookup(callID); ok {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (r *Router) dispatch(ctx context.Context, callID string, ev event) {
	r.log.Debug("webhook event", "call_id", callID, "event", ev.typ)

	if r.marker != nil {
		if err := r.marker.MarkCallWebhookReceived(ctx, callID, statusFor(ev)); err != nil {
			r.log.Warn("webhook flag update failed", "call_id", callID, "error", err)
		}
	}

	switch ev.typ {
	case "call.initiated":
		r.events.HandleInitiated(ctx, callID)
	case "call.answered":
		r.events.HandleAnswered(ctx, callID)
	case "call.machine.detection.ended", "call.machine.premium.detection.ended":
		r.events.HandleMachineDetection(ctx, callID, ev.result)
	case "call.hangup":
		r.events.HandleHangup(ctx, callID, ev.cause)
	case "streaming.started", "streaming.stopped", "call.speak.started", "call.speak.ended":
		// Informational only.
	default:
		r.log.Debug("ignoring webhook event", "event", ev.typ)
	}
}

// statusFor maps an event onto the telnyx_calls status column.
func statusFor(ev event) string {
	switch ev.typ {
	case "call.initiated":
		return "initiated"
	case "call.answered":
		return "answered"
	case "call.hangup":
		return "ended"
	default:
		return "in_progress"
	}
}
