package tls13

import (
	"sync"
	"time"
)

// AntiReplay is the 0-RTT anti-replay collaborator spec.md §6 treats as
// "pluggable, not implemented in full": early data's replay-safety
// analysis is explicitly a Non-goal of spec.md §1, but gnutls' built-in
// anti-replay db (handshake-tls13.c) is carried over as an interface so a
// caller can wire a real one (e.g. a shared cache across server
// processes) without this library needing to implement it.
type AntiReplay interface {
	// Check reports whether a ClientHello's PSK binder (used as the
	// replay key) has been seen before within the implementation's
	// replay window. A true result means the early data MUST be
	// rejected as a possible replay.
	Check(binder []byte, now time.Time) bool
}

// singleUseAntiReplay is the default in-memory implementation: a replay
// key is accepted the first time it is seen and rejected on every later
// check until window has passed since that first sighting, when its entry
// is dropped and the key is accepted again (matching a reasonably
// well-behaved client's single 0-RTT retry, without unbounded memory
// growth from an attacker replaying the same binder forever).
type singleUseAntiReplay struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewInMemoryAntiReplay constructs the default AntiReplay: every distinct
// binder is allowed through once within window, then rejected.
func NewInMemoryAntiReplay(window time.Duration) AntiReplay {
	return &singleUseAntiReplay{window: window, seen: map[string]time.Time{}}
}

func (r *singleUseAntiReplay) Check(binder []byte, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(binder)
	for k, t := range r.seen {
		if now.Sub(t) > r.window {
			delete(r.seen, k)
		}
	}

	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = now
	return false
}
