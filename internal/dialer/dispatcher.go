// Package dialer implements the bounded-concurrency dispatcher that drains
// the lead queue: DID selection, origination, retry policy, and slot
// accounting.
package dialer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwhited/outcall/internal/call"
	"github.com/mwhited/outcall/internal/carrier"
	"github.com/mwhited/outcall/internal/didpool"
	"github.com/mwhited/outcall/internal/observe"
	"github.com/mwhited/outcall/internal/store"
)

// Agent states.
const (
	StateStopped = "stopped"
	StateRunning = "running"
	StatePaused  = "paused"
)

// defaultMaxAttempts is the total origination attempts per lead, first try
// included.
const defaultMaxAttempts = 3

// requeueDelay spaces re-pushes of a lead whose phone is still reserved, so
// the scheduler does not spin on it.
const requeueDelay = 50 * time.Millisecond

// ErrDuplicatePhone means the lead's phone is already queued or reserved by
// a live call.
var ErrDuplicatePhone = errors.New("dialer: phone already queued or dialling")

// CallItem is one queued dialling attempt.
type CallItem struct {
	Lead     store.Lead
	Attempts int
}

// Originator is the carrier facade the dispatcher dials through.
type Originator interface {
	CreateCall(ctx context.Context, to, from string, clientState carrier.ClientState) (string, error)
}

// LeadStore persists origination side effects.
type LeadStore interface {
	RecordCall(ctx context.Context, rec store.CallRecord) error
	MarkLeadCalled(ctx context.Context, id int64, fromDID string) error
}

// Hooks let the application attach per-call setup and teardown: dialogue
// engine, recorder, cost tracking.
type Hooks struct {
	// OnCallStart runs after the carrier confirmed origination and the
	// call context is registered.
	OnCallStart func(cc *call.Context, lead store.Lead)
	// OnCallEnd runs after the worker observed the terminal result, before
	// resources are released.
	OnCallEnd func(cc *call.Context, lead store.Lead, res call.Result)
}

// Stats is a snapshot of the dispatcher's counters.
type Stats struct {
	State             string         `json:"state"`
	Queued            int            `json:"queued"`
	Active            int            `json:"active"`
	MaxConcurrent     int            `json:"maxConcurrent"`
	TotalDialled      int            `json:"totalDialled"`
	FailedCalls       int            `json:"failedCalls"`
	ChannelLimitSkips int            `json:"channelLimitSkips"`
	Outcomes          map[string]int `json:"outcomes"`
}

// Config assembles a Dispatcher.
type Config struct {
	Registry *call.Registry
	Manager  *call.Manager
	Pool     *didpool.Pool
	Carrier  Originator
	Store    LeadStore
	Hooks    Hooks
	Metrics  *observe.Metrics
	Logger   *slog.Logger

	MaxConcurrentCalls int
	DelayBetweenCalls  time.Duration
	CallTimeout        time.Duration
	MaxAttempts        int
}

// Dispatcher owns the lead queue and the concurrency slots. One scheduling
// goroutine pops items; each popped item runs in its own worker goroutine.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    string
	queue    []CallItem
	queued   map[string]struct{}
	active   int
	stats    Stats
	outcomes map[string]int
	wake     chan struct{}
	workers  sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds a stopped Dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.DelayBetweenCalls <= 0 {
		cfg.DelayBetweenCalls = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log,
		state:    StateStopped,
		queued:   make(map[string]struct{}),
		outcomes: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// State returns the agent state.
func (d *Dispatcher) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.State = d.state
	s.Queued = len(d.queue)
	s.Active = d.active
	s.MaxConcurrent = d.cfg.MaxConcurrentCalls
	s.Outcomes = make(map[string]int, len(d.outcomes))
	for k, v := range d.outcomes {
		s.Outcomes[k] = v
	}
	return s
}

// SetMaxConcurrent updates the concurrency limit. Takes effect on the next
// scheduling pass.
func (d *Dispatcher) SetMaxConcurrent(n int) {
	d.mu.Lock()
	d.cfg.MaxConcurrentCalls = n
	d.mu.Unlock()
	d.poke()
}

// Start loads the queue and begins dialling. Returns an error if the agent
// is already running.
func (d *Dispatcher) Start(ctx context.Context, items []CallItem, delay time.Duration) error {
	d.mu.Lock()
	if d.state == StateRunning || d.state == StatePaused {
		d.mu.Unlock()
		return errors.New("dialer: agent already running")
	}
	d.state = StateRunning
	d.queue = nil
	d.queued = make(map[string]struct{})
	for _, item := range items {
		if _, dup := d.queued[item.Lead.Phone]; dup {
			continue
		}
		d.queued[item.Lead.Phone] = struct{}{}
		d.queue = append(d.queue, item)
	}
	if delay > 0 {
		d.cfg.DelayBetweenCalls = delay
	}
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	runCtx := d.runCtx
	d.mu.Unlock()

	go d.schedule(runCtx)
	return nil
}

// Pause stops popping new items; in-flight calls continue.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	if d.state == StateRunning {
		d.state = StatePaused
	}
	d.mu.Unlock()
}

// Resume reverses Pause.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	if d.state == StatePaused {
		d.state = StateRunning
	}
	d.mu.Unlock()
	d.poke()
}

// Stop clears the queue and transitions towards stopped. In-flight workers
// continue until their calls end.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	dropped := len(d.queue)
	d.queue = nil
	d.queued = make(map[string]struct{})
	d.state = StateStopped
	d.mu.Unlock()
	if dropped > 0 && d.cfg.Metrics != nil {
		d.cfg.Metrics.QueueDepth.Add(context.Background(), -int64(dropped))
	}
	d.poke()
}

// Shutdown stops dialling and cancels in-flight workers. Process teardown
// only; an operator stop must leave live calls running.
func (d *Dispatcher) Shutdown() {
	d.Stop()
	d.mu.Lock()
	cancel := d.runCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue adds items to a running agent's queue, skipping phones that are
// already queued or on a live call.
func (d *Dispatcher) Enqueue(items ...CallItem) {
	for _, item := range items {
		if err := d.EnqueueLead(item); err != nil {
			d.log.Debug("enqueue skipped duplicate phone", "phone", item.Lead.Phone)
		}
	}
}

// EnqueueLead adds one lead to the queue. Returns [ErrDuplicatePhone] when
// the phone is already queued or reserved by a live call.
func (d *Dispatcher) EnqueueLead(item CallItem) error {
	d.mu.Lock()
	if _, dup := d.queued[item.Lead.Phone]; dup {
		d.mu.Unlock()
		return ErrDuplicatePhone
	}
	if _, live := d.cfg.Registry.Lookup(item.Lead.Phone); live {
		d.mu.Unlock()
		return ErrDuplicatePhone
	}
	d.queued[item.Lead.Phone] = struct{}{}
	d.queue = append(d.queue, item)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.QueueDepth.Add(context.Background(), 1)
	}
	d.mu.Unlock()
	d.poke()
	return nil
}

// Wait blocks until all workers have finished. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.workers.Wait()
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// schedule is the single scheduling goroutine: it pops items while slots
// are free and stops the agent once the queue is drained and all workers
// have exited.
func (d *Dispatcher) schedule(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		if d.state == StateStopped {
			d.mu.Unlock()
			return
		}
		if d.state == StatePaused || d.active >= d.cfg.MaxConcurrentCalls || len(d.queue) == 0 {
			// Auto-stop: the batch is drained and nothing is in flight. An
			// agent started empty stays up waiting for enqueued work.
			if d.state == StateRunning && len(d.queue) == 0 && d.active == 0 && d.stats.TotalDialled > 0 {
				d.state = StateStopped
				d.mu.Unlock()
				d.log.Info("queue drained, agent stopped")
				return
			}
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-time.After(time.Second):
			}
			continue
		}

		item := d.queue[0]
		d.queue = d.queue[1:]

		ok, existing := d.cfg.Registry.TryReserve(item.Lead.Phone, pendingCallID())
		if !ok {
			// Already dialling this phone: requeue at the back.
			d.queue = append(d.queue, item)
			d.mu.Unlock()
			d.log.Debug("phone busy, requeued", "phone", item.Lead.Phone, "existing", existing)
			select {
			case <-ctx.Done():
				return
			case <-time.After(requeueDelay):
			}
			continue
		}

		// The concurrency slot is reserved here, before the worker spawns.
		// The phone moves from the queued set to the registry under the
		// same lock hold, so a concurrent enqueue always sees one of them.
		delete(d.queued, item.Lead.Phone)
		d.active++
		d.stats.TotalDialled++
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.ActiveCalls.Add(ctx, 1)
			d.cfg.Metrics.QueueDepth.Add(ctx, -1)
		}
		d.workers.Add(1)
		d.mu.Unlock()

		go d.runWorker(ctx, item)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.DelayBetweenCalls):
		}
	}
}

// pendingCallID is the registry placeholder used between reservation and
// the carrier assigning the real call control id. Unique per reservation so
// a stale release can never match a newer one.
func pendingCallID() string {
	return "pending-" + uuid.NewString()
}

// releaseSlot undoes the scheduler's slot reservation. Runs on every worker
// exit path.
func (d *Dispatcher) releaseSlot(lead store.Lead) {
	d.cfg.Registry.Release(lead.Phone)
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
	}
	d.poke()
}

func (d *Dispatcher) recordFailure(reason string) {
	d.mu.Lock()
	d.stats.FailedCalls++
	if reason == "channel_limit" {
		d.stats.ChannelLimitSkips++
	}
	d.mu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordFailedOrigination(context.Background(), reason)
	}
}

func (d *Dispatcher) recordOutcome(status string) {
	d.mu.Lock()
	d.outcomes[status]++
	d.mu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordCallCompleted(context.Background(), status)
	}
}

// runWorker performs one call attempt end to end.
func (d *Dispatcher) runWorker(ctx context.Context, item CallItem) {
	defer d.workers.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("worker panic", "lead_id", item.Lead.ID, "panic", r)
			d.releaseSlot(item.Lead)
		}
	}()

	lead := item.Lead

	sel, err := d.cfg.Pool.Select(lead.Phone)
	if err != nil {
		d.log.Error("no outbound numbers configured", "lead_id", lead.ID)
		d.recordFailure("no_did")
		d.releaseSlot(lead)
		return
	}

	state := carrier.ClientState{
		LeadID:    lead.ID,
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		Phone:     lead.Phone,
		FromDID:   sel.DID.Number,
		Timestamp: time.Now().UnixMilli(),
	}

	origStart := time.Now()
	callID, err := d.cfg.Carrier.CreateCall(ctx, lead.Phone, sel.DID.Number, state)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.OriginationDuration.Record(ctx, time.Since(origStart).Seconds())
	}
	if err != nil {
		d.handleOriginationFailure(item, err)
		return
	}

	d.log.Info("call originated",
		"call_id", callID, "lead_id", lead.ID, "to", lead.Phone,
		"from", sel.DID.Number, "did_match", sel.Match)

	cc := d.cfg.Manager.Register(ctx, callID, lead.ID, lead.Phone, sel.DID.Number)
	d.cfg.Registry.Rebind(lead.Phone, callID)

	// The telnyx_calls row is the source of truth that origination was
	// confirmed; only then may the lead flip to "called". Metadata failures
	// do not abort the call.
	if err := d.cfg.Store.RecordCall(ctx, store.CallRecord{
		CallID: callID, LeadID: lead.ID, FromDID: sel.DID.Number, ToPhone: lead.Phone,
	}); err != nil {
		d.log.Warn("record call failed", "call_id", callID, "error", err)
	}
	if d.cfg.Hooks.OnCallStart != nil {
		d.cfg.Hooks.OnCallStart(cc, lead)
	}
	if err := d.cfg.Store.MarkLeadCalled(ctx, lead.ID, sel.DID.Number); err != nil {
		d.log.Warn("mark lead called failed", "lead_id", lead.ID, "error", err)
	}

	res := d.awaitCompletion(ctx, cc)
	d.recordOutcome(res.Status)

	if d.cfg.Hooks.OnCallEnd != nil {
		d.cfg.Hooks.OnCallEnd(cc, lead, res)
	}
	d.cfg.Manager.Remove(callID)
	d.releaseSlot(lead)
}

// handleOriginationFailure applies the retry policy: channel-limit refusals
// are skipped entirely, other failures retry up to maxAttempts.
func (d *Dispatcher) handleOriginationFailure(item CallItem, err error) {
	lead := item.Lead
	switch {
	case errors.Is(err, carrier.ErrChannelLimit):
		// Skip retry; the lead keeps its pending status.
		d.log.Warn("channel limit hit, skipping lead", "lead_id", lead.ID)
		d.recordFailure("channel_limit")
	case !carrier.Retriable(err):
		d.log.Warn("origination refused", "lead_id", lead.ID, "error", err)
		d.recordFailure("rejected")
	case item.Attempts+1 < d.cfg.MaxAttempts:
		d.log.Warn("origination failed, retrying",
			"lead_id", lead.ID, "attempt", item.Attempts+1, "error", err)
		d.mu.Lock()
		d.queue = append(d.queue, CallItem{Lead: lead, Attempts: item.Attempts + 1})
		d.queued[lead.Phone] = struct{}{}
		d.mu.Unlock()
	default:
		d.log.Error("origination failed, attempts exhausted", "lead_id", lead.ID, "error", err)
		d.recordFailure("exhausted")
	}
	d.releaseSlot(lead)
}

// awaitCompletion waits for the webhook router to deliver the terminal
// result, bounded by the call timeout. Timing out releases the slot but
// does not cancel the call.
func (d *Dispatcher) awaitCompletion(ctx context.Context, cc *call.Context) call.Result {
	timer := time.NewTimer(d.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-cc.Done:
		return res
	case <-timer.C:
		d.log.Warn("call completion timeout", "call_id", cc.ID)
		return call.Result{Status: call.StatusTimeout}
	case <-ctx.Done():
		cc.Cancel()
		return call.Result{Status: call.StatusFailed, HangupCause: "shutdown"}
	}
}
