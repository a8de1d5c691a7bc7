// Package call holds the process-wide per-call bookkeeping: the active-phone
// registry that enforces at most one concurrent attempt per recipient, and
// the call-context manager that owns each call's root context, activity flag,
// pending-hangup flag, and completion channel.
package call

import (
	"sync"

	"github.com/mwhited/outcall/internal/carrier"
)

// Registry maps normalised recipient phones (digits only) to the call id
// currently dialling them. Reservation is atomic; release is idempotent.
type Registry struct {
	mu      sync.Mutex
	byPhone map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byPhone: make(map[string]string)}
}

// TryReserve claims phone for callID. If the phone is already being dialled
// the reservation fails and the existing call id is returned.
func (r *Registry) TryReserve(phone, callID string) (ok bool, existing string) {
	key := carrier.Digits(phone)
	if key == "" {
		return false, ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, taken := r.byPhone[key]; taken {
		return false, id
	}
	r.byPhone[key] = callID
	return true, ""
}

// Rebind updates the call id held for phone, e.g. once the carrier assigns
// the real call control id. A no-op if the phone is not reserved.
func (r *Registry) Rebind(phone, callID string) {
	key := carrier.Digits(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byPhone[key]; taken {
		r.byPhone[key] = callID
	}
}

// Release frees the reservation for phone. Safe to call multiple times.
func (r *Registry) Release(phone string) {
	key := carrier.Digits(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPhone, key)
}

// Lookup returns the call id dialling phone, if any.
func (r *Registry) Lookup(phone string) (string, bool) {
	key := carrier.Digits(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPhone[key]
	return id, ok
}

// Len returns the number of reserved phones.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPhone)
}
