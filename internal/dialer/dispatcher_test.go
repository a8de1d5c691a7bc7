package dialer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mwhited/outcall/internal/call"
	"github.com/mwhited/outcall/internal/carrier"
	"github.com/mwhited/outcall/internal/didpool"
	"github.com/mwhited/outcall/internal/store"
)

// fakeCarrier scripts CreateCall results per attempt.
type fakeCarrier struct {
	mu      sync.Mutex
	calls   []string // "to|from"
	results []error  // consumed in order; nil means success
	nextID  int
}

func (f *fakeCarrier) CreateCall(_ context.Context, to, from string, _ carrier.ClientState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to+"|"+from)
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	return "cc-" + to + "-" + string(rune('a'+f.nextID)), nil
}

func (f *fakeCarrier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLeadStore struct {
	mu       sync.Mutex
	recorded []store.CallRecord
	called   []int64
}

func (f *fakeLeadStore) RecordCall(_ context.Context, rec store.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeLeadStore) MarkLeadCalled(_ context.Context, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, id)
	return nil
}

type harness struct {
	d     *Dispatcher
	car   *fakeCarrier
	st    *fakeLeadStore
	mgr   *call.Manager
	reg   *call.Registry
	ended chan call.Result
}

func newHarness(t *testing.T, car *fakeCarrier, maxConcurrent int) *harness {
	t.Helper()
	h := &harness{
		car:   car,
		st:    &fakeLeadStore{},
		mgr:   call.NewManager(),
		reg:   call.NewRegistry(),
		ended: make(chan call.Result, 16),
	}
	h.d = New(Config{
		Registry: h.reg,
		Manager:  h.mgr,
		Pool:     didpool.New([]string{"+15305550100"}),
		Carrier:  car,
		Store:    h.st,
		Hooks: Hooks{
			// Complete each call as soon as it starts so workers drain fast.
			OnCallStart: func(cc *call.Context, _ store.Lead) {
				go cc.Complete(call.Result{Status: call.StatusCompleted})
			},
			OnCallEnd: func(_ *call.Context, _ store.Lead, res call.Result) {
				h.ended <- res
			},
		},
		MaxConcurrentCalls: maxConcurrent,
		DelayBetweenCalls:  time.Millisecond,
		CallTimeout:        time.Second,
	})
	return h
}

func lead(id int64, phone string) store.Lead {
	return store.Lead{ID: id, FirstName: "Pat", LastName: "Doe", Phone: phone}
}

func waitStopped(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for d.State() != StateStopped {
		select {
		case <-deadline:
			t.Fatalf("dispatcher did not stop, state=%s stats=%+v", d.State(), d.Stats())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	d.Wait()
}

func TestDispatchDrainsQueueAndStops(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 2)

	items := []CallItem{
		{Lead: lead(1, "+15305550001")},
		{Lead: lead(2, "+15305550002")},
		{Lead: lead(3, "+15305550003")},
	}
	if err := h.d.Start(context.Background(), items, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	if got := car.callCount(); got != 3 {
		t.Errorf("originations: want 3, got %d", got)
	}
	h.st.mu.Lock()
	recorded, called := len(h.st.recorded), len(h.st.called)
	h.st.mu.Unlock()
	if recorded != 3 || called != 3 {
		t.Errorf("store writes: recorded=%d called=%d, want 3/3", recorded, called)
	}
	if len(h.ended) != 3 {
		t.Errorf("completed calls: want 3, got %d", len(h.ended))
	}
	if h.mgr.Len() != 0 || h.reg.Len() != 0 {
		t.Errorf("leaked registrations: manager=%d registry=%d", h.mgr.Len(), h.reg.Len())
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)
	// Hold the single slot so the agent stays running.
	block := make(chan struct{})
	h.d.cfg.Hooks.OnCallStart = func(cc *call.Context, _ store.Lead) {
		go func() {
			<-block
			cc.Complete(call.Result{Status: call.StatusCompleted})
		}()
	}

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for car.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first call never originated")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := h.d.Start(context.Background(), nil, 0); err == nil {
		t.Error("second Start should fail while running")
	}
	close(block)
	waitStopped(t, h.d)
}

func TestChannelLimitSkipsWithoutRetry(t *testing.T) {
	car := &fakeCarrier{results: []error{carrier.ErrChannelLimit}}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	if got := car.callCount(); got != 1 {
		t.Errorf("channel-limit refusal must not retry, got %d attempts", got)
	}
	h.st.mu.Lock()
	recorded := len(h.st.recorded)
	h.st.mu.Unlock()
	if recorded != 0 {
		t.Error("refused origination must not write a call record")
	}
	s := h.d.Stats()
	if s.ChannelLimitSkips != 1 || s.FailedCalls != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	car := &fakeCarrier{results: []error{errors.New("gateway timeout"), nil}}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	if got := car.callCount(); got != 2 {
		t.Errorf("attempts: want 2, got %d", got)
	}
	if len(h.ended) != 1 {
		t.Errorf("completed calls: want 1, got %d", len(h.ended))
	}
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	fail := errors.New("gateway timeout")
	car := &fakeCarrier{results: []error{fail, fail, fail, fail}}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	if got := car.callCount(); got != defaultMaxAttempts {
		t.Errorf("attempts: want %d, got %d", defaultMaxAttempts, got)
	}
	if got := h.d.Stats().FailedCalls; got != 1 {
		t.Errorf("failed calls: want 1, got %d", got)
	}
}

func TestNonRetriableFailureSkips(t *testing.T) {
	car := &fakeCarrier{results: []error{carrier.ErrInvalidNumber}}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	if got := car.callCount(); got != 1 {
		t.Errorf("invalid-number refusal must not retry, got %d attempts", got)
	}
}

func TestConcurrencyLimitHonoured(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 2)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	h.d.cfg.Hooks.OnCallStart = func(cc *call.Context, _ store.Lead) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		go func() {
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			cc.Complete(call.Result{Status: call.StatusCompleted})
		}()
	}

	var items []CallItem
	for i := int64(1); i <= 6; i++ {
		items = append(items, CallItem{Lead: lead(i, "+1530555000"+string(rune('0'+i)))})
	}
	if err := h.d.Start(context.Background(), items, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("concurrency: want <= 2 in flight, peaked at %d", peak)
	}
}

func TestDuplicatePhoneNotDialledConcurrently(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 2)

	release := make(chan struct{})
	var once sync.Once
	h.d.cfg.Hooks.OnCallStart = func(cc *call.Context, _ store.Lead) {
		go func() {
			once.Do(func() { <-release })
			cc.Complete(call.Result{Status: call.StatusCompleted})
		}()
	}

	// Same phone twice: the second must wait for the first to release.
	items := []CallItem{
		{Lead: lead(1, "+15305550001")},
		{Lead: lead(2, "+15305550001")},
	}
	if err := h.d.Start(context.Background(), items, 0); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for car.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first call never originated")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := car.callCount(); got != 1 {
		t.Errorf("second call to same phone must wait, got %d originations", got)
	}
	close(release)
	waitStopped(t, h.d)
	if got := car.callCount(); got != 2 {
		t.Errorf("both calls should eventually dial, got %d", got)
	}
}

func TestPauseHoldsQueue(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), nil, 0); err != nil {
		t.Fatal(err)
	}
	h.d.Pause()
	h.d.Enqueue(CallItem{Lead: lead(1, "+15305550001")})

	time.Sleep(50 * time.Millisecond)
	if got := car.callCount(); got != 0 {
		t.Errorf("paused agent must not dial, got %d", got)
	}
	if h.d.State() != StatePaused {
		t.Errorf("state: want paused, got %s", h.d.State())
	}

	h.d.Resume()
	waitStopped(t, h.d)
	if got := car.callCount(); got != 1 {
		t.Errorf("resume should dial the queued lead, got %d", got)
	}
}

func TestStopClearsQueue(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), nil, 0); err != nil {
		t.Fatal(err)
	}
	h.d.Pause()
	h.d.Enqueue(CallItem{Lead: lead(1, "+15305550001")}, CallItem{Lead: lead(2, "+15305550002")})
	h.d.Stop()
	waitStopped(t, h.d)

	if got := car.callCount(); got != 0 {
		t.Errorf("stopped agent must not dial, got %d", got)
	}
	if got := h.d.Stats().Queued; got != 0 {
		t.Errorf("queue should be cleared, got %d", got)
	}
}

func TestCompletionTimeoutReleasesSlot(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)
	// Never complete the call; rely on the worker timeout.
	h.d.cfg.Hooks.OnCallStart = func(*call.Context, store.Lead) {}
	h.d.cfg.CallTimeout = 50 * time.Millisecond

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	waitStopped(t, h.d)

	select {
	case res := <-h.ended:
		if res.Status != call.StatusTimeout {
			t.Errorf("status: want %s, got %s", call.StatusTimeout, res.Status)
		}
	default:
		t.Error("OnCallEnd not invoked after timeout")
	}
	if h.reg.Len() != 0 {
		t.Error("registry reservation leaked after timeout")
	}
}

func TestStopLeavesInFlightCallsRunning(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)
	started := make(chan *call.Context, 1)
	h.d.cfg.Hooks.OnCallStart = func(cc *call.Context, _ store.Lead) {
		started <- cc
	}

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	var cc *call.Context
	select {
	case cc = <-started:
	case <-time.After(time.Second):
		t.Fatal("call never started")
	}

	h.d.Stop()
	time.Sleep(50 * time.Millisecond)
	select {
	case res := <-h.ended:
		t.Fatalf("operator stop must not end live calls, got %+v", res)
	default:
	}

	cc.Complete(call.Result{Status: call.StatusCompleted})
	select {
	case res := <-h.ended:
		if res.Status != call.StatusCompleted {
			t.Errorf("status: want %s, got %s", call.StatusCompleted, res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("call did not finish after completion")
	}
	waitStopped(t, h.d)
}

func TestShutdownCancelsInFlightCalls(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)
	started := make(chan *call.Context, 1)
	h.d.cfg.Hooks.OnCallStart = func(cc *call.Context, _ store.Lead) {
		started <- cc
	}

	if err := h.d.Start(context.Background(), []CallItem{{Lead: lead(1, "+15305550001")}}, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("call never started")
	}

	h.d.Shutdown()
	select {
	case res := <-h.ended:
		if res.Status != call.StatusFailed || res.HangupCause != "shutdown" {
			t.Errorf("result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown did not end the in-flight call")
	}
	waitStopped(t, h.d)
}

func TestEnqueueLeadRejectsDuplicates(t *testing.T) {
	car := &fakeCarrier{}
	h := newHarness(t, car, 1)

	if err := h.d.Start(context.Background(), nil, 0); err != nil {
		t.Fatal(err)
	}
	h.d.Pause()

	if err := h.d.EnqueueLead(CallItem{Lead: lead(1, "+15305550001")}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := h.d.EnqueueLead(CallItem{Lead: lead(2, "+15305550001")}); !errors.Is(err, ErrDuplicatePhone) {
		t.Errorf("queued duplicate: want ErrDuplicatePhone, got %v", err)
	}

	// A phone reserved by a live call is just as much a duplicate.
	h.reg.TryReserve("+15305550002", "cc-live")
	if err := h.d.EnqueueLead(CallItem{Lead: lead(3, "+15305550002")}); !errors.Is(err, ErrDuplicatePhone) {
		t.Errorf("live duplicate: want ErrDuplicatePhone, got %v", err)
	}

	h.d.Stop()
	waitStopped(t, h.d)
}
