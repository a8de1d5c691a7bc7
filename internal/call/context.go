package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Status values reported on a call's completion channel.
const (
	StatusCompleted   = "completed"
	StatusTransferred = "transferred"
	StatusNoAnswer    = "no_answer"
	StatusVoicemail   = "voicemail"
	StatusNoResponse  = "no_response"
	StatusFailed      = "failed"
	StatusTimeout     = "timeout"
)

// Result is the terminal outcome delivered to the dispatcher worker that owns
// the call attempt.
type Result struct {
	Status      string
	HangupCause string
	Transferred bool
}

// Context is the per-call root. Every task spawned for the call (media
// readers, timers, LLM turns) derives from Ctx and exits when Cancel fires.
type Context struct {
	ID      string // carrier call control id
	LeadID  int64
	Phone   string // recipient, E.164
	FromDID string

	Ctx    context.Context
	Cancel context.CancelFunc

	// Done receives exactly one Result when the call reaches a terminal
	// state. Buffered so the webhook router never blocks on a worker that
	// already timed out.
	Done chan Result

	StartedAt   time.Time
	ConnectedAt atomic.Int64 // unix nanos; zero until answered

	active        atomic.Bool
	pendingHangup atomic.Bool
	doneOnce      sync.Once
}

// newContext builds a call context rooted on parent.
func newContext(parent context.Context, id string, leadID int64, phone, fromDID string) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		ID:        id,
		LeadID:    leadID,
		Phone:     phone,
		FromDID:   fromDID,
		Ctx:       ctx,
		Cancel:    cancel,
		Done:      make(chan Result, 1),
		StartedAt: time.Now(),
	}
}

// MarkActive flips the call into the active (media flowing) state.
func (c *Context) MarkActive(active bool) { c.active.Store(active) }

// Active reports whether media for the call is currently live. The outbound
// task consults this before and after synthesis so utterances for a dead call
// are discarded.
func (c *Context) Active() bool { return c.active.Load() }

// MarkConnected records the answer time once.
func (c *Context) MarkConnected(t time.Time) {
	c.ConnectedAt.CompareAndSwap(0, t.UnixNano())
}

// Connected returns the answer time and whether the call was ever answered.
func (c *Context) Connected() (time.Time, bool) {
	n := c.ConnectedAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// RequestHangup sets the pending-hangup flag. Returns true only for the first
// caller, so concurrent timers cannot both issue hangups.
func (c *Context) RequestHangup() bool {
	return c.pendingHangup.CompareAndSwap(false, true)
}

// HangupPending reports whether some path has already decided to hang up.
func (c *Context) HangupPending() bool { return c.pendingHangup.Load() }

// Complete delivers the terminal result exactly once and cancels the root
// context. Later calls are no-ops.
func (c *Context) Complete(res Result) {
	c.doneOnce.Do(func() {
		c.active.Store(false)
		c.Done <- res
		c.Cancel()
	})
}

// Manager tracks live call contexts by call id.
type Manager struct {
	mu   sync.Mutex
	byID map[string]*Context
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*Context)}
}

// Register creates and stores a context for a newly originated call.
func (m *Manager) Register(parent context.Context, id string, leadID int64, phone, fromDID string) *Context {
	cc := newContext(parent, id, leadID, phone, fromDID)
	m.mu.Lock()
	m.byID[id] = cc
	m.mu.Unlock()
	return cc
}

// Lookup returns the context for a call id, if the call is live.
func (m *Manager) Lookup(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc, ok := m.byID[id]
	return cc, ok
}

// Remove drops the context for id. The owning worker calls this after it has
// observed the terminal result and released all per-call resources.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
}

// Active returns a snapshot of all live call contexts.
func (m *Manager) Active() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.byID))
	for _, cc := range m.byID {
		out = append(out, cc)
	}
	return out
}

// Len returns the number of live calls.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// CancelAll cancels every live call's root context. Used on shutdown.
func (m *Manager) CancelAll() {
	for _, cc := range m.Active() {
		cc.Cancel()
	}
}
