package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwhited/outcall/internal/call"
)

// recordingEvents logs dispatched events as "type:callID" strings.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
	block  chan struct{} // when set, HandleAnswered blocks until closed
}

func (r *recordingEvents) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recordingEvents) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingEvents) HandleInitiated(_ context.Context, id string) { r.add("initiated:" + id) }

func (r *recordingEvents) HandleAnswered(_ context.Context, id string) {
	if r.block != nil {
		<-r.block
	}
	r.add("answered:" + id)
}

func (r *recordingEvents) HandleMachineDetection(_ context.Context, id, result string) {
	r.add("amd:" + id + ":" + result)
}

func (r *recordingEvents) HandleHangup(_ context.Context, id, cause string) {
	r.add("hangup:" + id + ":" + cause)
}

type markerStub struct {
	mu    sync.Mutex
	marks []string
}

func (m *markerStub) MarkCallWebhookReceived(_ context.Context, callID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, callID+":"+status)
	return nil
}

func post(t *testing.T, r *Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func eventBody(typ, callID, extra string) string {
	b := `{"data":{"event_type":"` + typ + `","payload":{"call_control_id":"` + callID + `"` + extra + `}}}`
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never met")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newRouter(ev Events, mgr *call.Manager, m CallMarker) *Router {
	return New(ev, mgr, m)
}

func TestEventsDispatchedInOrder(t *testing.T) {
	ev := &recordingEvents{}
	mgr := call.NewManager()
	mgr.Register(context.Background(), "cc-1", 1, "+15305550001", "+15305550100")
	r := newRouter(ev, mgr, nil)

	post(t, r, eventBody("call.initiated", "cc-1", ""))
	post(t, r, eventBody("call.answered", "cc-1", ""))
	post(t, r, eventBody("call.hangup", "cc-1", `,"hangup_cause":"normal_clearing"`))

	waitFor(t, func() bool { return len(ev.list()) == 3 })
	got := ev.list()
	want := []string{"initiated:cc-1", "answered:cc-1", "hangup:cc-1:normal_clearing"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

func TestAcknowledgesGarbage(t *testing.T) {
	r := newRouter(&recordingEvents{}, call.NewManager(), nil)

	if w := post(t, r, "not json"); w.Code != http.StatusOK {
		t.Errorf("garbage body: want 200, got %d", w.Code)
	}
	if w := post(t, r, `{"data":{"event_type":"call.answered","payload":{}}}`); w.Code != http.StatusOK {
		t.Errorf("missing call id: want 200, got %d", w.Code)
	}
}

func TestMachineDetectionResultForwarded(t *testing.T) {
	ev := &recordingEvents{}
	mgr := call.NewManager()
	mgr.Register(context.Background(), "cc-2", 1, "+15305550001", "+15305550100")
	r := newRouter(ev, mgr, nil)

	post(t, r, eventBody("call.machine.detection.ended", "cc-2", `,"result":"machine"`))

	waitFor(t, func() bool { return len(ev.list()) == 1 })
	if got := ev.list()[0]; got != "amd:cc-2:machine" {
		t.Errorf("event: %s", got)
	}
}

func TestWebhookFlagsCallRecord(t *testing.T) {
	ev := &recordingEvents{}
	marker := &markerStub{}
	mgr := call.NewManager()
	mgr.Register(context.Background(), "cc-3", 1, "+15305550001", "+15305550100")
	r := newRouter(ev, mgr, marker)

	post(t, r, eventBody("call.answered", "cc-3", ""))

	waitFor(t, func() bool {
		marker.mu.Lock()
		defer marker.mu.Unlock()
		return len(marker.marks) == 1
	})
	marker.mu.Lock()
	defer marker.mu.Unlock()
	if marker.marks[0] != "cc-3:answered" {
		t.Errorf("mark: %s", marker.marks[0])
	}
}

func TestCallsProcessedIndependently(t *testing.T) {
	// cc-slow blocks inside HandleAnswered; cc-fast must still complete.
	block := make(chan struct{})
	ev := &recordingEvents{block: block}
	mgr := call.NewManager()
	mgr.Register(context.Background(), "cc-slow", 1, "+15305550001", "+15305550100")
	mgr.Register(context.Background(), "cc-fast", 2, "+15305550002", "+15305550100")
	r := newRouter(ev, mgr, nil)

	post(t, r, eventBody("call.answered", "cc-slow", ""))
	post(t, r, eventBody("call.hangup", "cc-fast", `,"hangup_cause":"busy"`))

	waitFor(t, func() bool {
		for _, e := range ev.list() {
			if e == "hangup:cc-fast:busy" {
				return true
			}
		}
		return false
	})
	close(block)
	waitFor(t, func() bool { return len(ev.list()) == 2 })
}

func TestEarlyEventWaitsForRegistration(t *testing.T) {
	ev := &recordingEvents{}
	mgr := call.NewManager()
	r := newRouter(ev, mgr, nil)

	// Event arrives before the dispatcher registered the call.
	post(t, r, eventBody("call.initiated", "cc-late", ""))
	time.Sleep(30 * time.Millisecond)
	mgr.Register(context.Background(), "cc-late", 1, "+15305550001", "+15305550100")

	waitFor(t, func() bool { return len(ev.list()) == 1 })
	if got := ev.list()[0]; got != "initiated:cc-late" {
		t.Errorf("event: %s", got)
	}
}
