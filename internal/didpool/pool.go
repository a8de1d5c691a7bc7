// Package didpool maintains the set of outbound caller-ID numbers (DIDs) and
// selects one for each recipient by geographic affinity: same area code first,
// then same state, then round-robin over the whole pool.
package didpool

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrNoNumbers is returned by Select when the pool has no configured DIDs.
var ErrNoNumbers = errors.New("didpool: no numbers configured")

// Strategy names how a DID was chosen. The value is informational and is
// logged alongside each origination.
type Strategy string

const (
	StrategyAreaCode   Strategy = "area_code"
	StrategyState      Strategy = "state"
	StrategyRoundRobin Strategy = "round_robin"
)

// DID is a single outbound number with its derived geography.
type DID struct {
	Number   string // E.164
	AreaCode string
	State    string
}

// Selection is the result of one Select call.
type Selection struct {
	DID DID
	// Match describes how the DID was matched, e.g. "area_code:530",
	// "state:CA", or "round_robin".
	Match string
}

// snapshot is an immutable view of the configured pool. Reconfiguration swaps
// the whole snapshot atomically so in-flight selections see either the old or
// the new indices, never a mix.
type snapshot struct {
	all        []DID
	byAreaCode map[string][]DID
	byState    map[string][]DID
}

// Pool selects outbound DIDs for recipients. Safe for concurrent use.
type Pool struct {
	snap atomic.Pointer[snapshot]

	mu     sync.Mutex
	cursor int

	rand func(n int) int // test seam for deterministic picks
}

// New creates a Pool configured with the given E.164 numbers.
func New(numbers []string) *Pool {
	p := &Pool{rand: rand.Intn}
	p.Configure(numbers)
	return p
}

// Configure atomically replaces the pool's number set. The round-robin cursor
// is reset so it stays within bounds of the new list.
func (p *Pool) Configure(numbers []string) {
	snap := &snapshot{
		byAreaCode: make(map[string][]DID),
		byState:    make(map[string][]DID),
	}
	for _, n := range numbers {
		ac := AreaCode(n)
		d := DID{Number: n, AreaCode: ac, State: StateForAreaCode(ac)}
		snap.all = append(snap.all, d)
		if d.AreaCode != "" {
			snap.byAreaCode[d.AreaCode] = append(snap.byAreaCode[d.AreaCode], d)
		}
		if d.State != "" {
			snap.byState[d.State] = append(snap.byState[d.State], d)
		}
	}
	p.snap.Store(snap)
	p.mu.Lock()
	p.cursor = 0
	p.mu.Unlock()
}

// Size returns the number of configured DIDs.
func (p *Pool) Size() int {
	return len(p.snap.Load().all)
}

// Numbers returns the configured numbers in their original order.
func (p *Pool) Numbers() []string {
	snap := p.snap.Load()
	out := make([]string, len(snap.all))
	for i, d := range snap.all {
		out[i] = d.Number
	}
	return out
}

// Select picks an outbound DID for the recipient phone (E.164). The order of
// preference is: matching area code, matching state, round-robin.
func (p *Pool) Select(recipient string) (Selection, error) {
	snap := p.snap.Load()
	if len(snap.all) == 0 {
		return Selection{}, ErrNoNumbers
	}

	ac := AreaCode(recipient)
	if ac != "" {
		if dids := snap.byAreaCode[ac]; len(dids) > 0 {
			return Selection{
				DID:   dids[p.rand(len(dids))],
				Match: fmt.Sprintf("%s:%s", StrategyAreaCode, ac),
			}, nil
		}
		if st := StateForAreaCode(ac); st != "" {
			if dids := snap.byState[st]; len(dids) > 0 {
				return Selection{
					DID:   dids[p.rand(len(dids))],
					Match: fmt.Sprintf("%s:%s", StrategyState, st),
				}, nil
			}
		}
	}

	p.mu.Lock()
	idx := p.cursor % len(snap.all)
	p.cursor = (p.cursor + 1) % len(snap.all)
	p.mu.Unlock()

	return Selection{DID: snap.all[idx], Match: string(StrategyRoundRobin)}, nil
}

// AreaCode extracts the NANP area code (the three digits after the leading
// country code) from an E.164 or loosely formatted North-American number.
// Returns "" if the number is too short to carry one.
func AreaCode(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case len(digits) == 11 && digits[0] == '1':
		return digits[1:4]
	case len(digits) == 10:
		return digits[:3]
	case len(digits) > 11 && digits[0] == '1':
		return digits[1:4]
	default:
		return ""
	}
}
