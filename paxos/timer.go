package paxos

import "time"

// timerKind enumerates the five single-slot scoped timers spec.md §4.5
// names: collect, accept, lease-renew, lease-ack-timeout, and
// lease-timeout. This replaces the "raw back-pointer callback" pattern
// (spec.md §9) with a tagged event delivered onto the Machine's own event
// queue — no cross-object pointer graph, just a value the single-threaded
// event loop switches on.
type timerKind int

const (
	timerCollect timerKind = iota
	timerAccept
	timerLeaseRenew
	timerLeaseAckTimeout
	timerLeaseTimeout
)

func (k timerKind) String() string {
	switch k {
	case timerCollect:
		return "collect_timeout"
	case timerAccept:
		return "accept_timeout"
	case timerLeaseRenew:
		return "lease_renew"
	case timerLeaseAckTimeout:
		return "lease_ack_timeout"
	case timerLeaseTimeout:
		return "lease_timeout"
	default:
		return "unknown_timer"
	}
}

type timerFire struct {
	kind timerKind
	gen  uint64
}

// timerRegistry owns the five scoped timer slots. Setting a new timer of a
// given kind cancels whatever was previously armed for that kind; a
// generation counter per slot lets the event loop discard a fire that
// raced with a cancel-and-replace, since time.Timer.Stop cannot guarantee
// a just-fired callback never gets scheduled.
type timerRegistry struct {
	timers [5]*time.Timer
	gens   [5]uint64
	sink   chan timerFire
	done   <-chan struct{}
}

func newTimerRegistry(sink chan timerFire, done <-chan struct{}) *timerRegistry {
	return &timerRegistry{sink: sink, done: done}
}

// arm cancels any timer currently set for kind and schedules a new one.
func (r *timerRegistry) arm(kind timerKind, d time.Duration) {
	r.cancel(kind)
	r.gens[kind]++
	gen := r.gens[kind]

	r.timers[kind] = time.AfterFunc(d, func() {
		select {
		case r.sink <- timerFire{kind: kind, gen: gen}:
		case <-r.done:
		}
	})
}

// cancel stops the timer for kind, if any, and bumps its generation so a
// fire already in flight is ignored by isCurrent.
func (r *timerRegistry) cancel(kind timerKind) {
	if r.timers[kind] != nil {
		r.timers[kind].Stop()
		r.timers[kind] = nil
	}
	r.gens[kind]++
}

// cancelAll stops every armed timer, per spec.md §4.5's cancel_events().
func (r *timerRegistry) cancelAll() {
	for k := range r.timers {
		r.cancel(timerKind(k))
	}
}

// isCurrent reports whether a fire belongs to the timer currently armed
// for its kind, rejecting stale fires from a cancel-and-replace race.
func (r *timerRegistry) isCurrent(f timerFire) bool {
	return r.gens[f.kind] == f.gen
}
