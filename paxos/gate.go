package paxos

import "time"

// CommitCallback is invoked once a proposed value reaches the version it
// was committed at, or with a non-nil err if the round was abandoned
// before committing (e.g. a new election superseded it).
type CommitCallback func(version uint64, err error)

// gate implements spec.md §4.4's is_readable/is_writeable predicates and
// the waiter queues spec.md §9 redesigns away from "waiter lists of
// callback objects": per-predicate FIFO queues of continuation closures,
// drained on the owning goroutine in the order they were queued. Closures
// queued here run on the Machine's single event-loop goroutine — per
// spec.md §5, they must not block or call back into the Machine
// synchronously.
type gate struct {
	waitingActive    []func()
	waitingReadable  []func()
	waitingWriteable []func()
	waitingCommit    []CommitCallback
}

func (g *gate) queueActive(cb func()) {
	g.waitingActive = append(g.waitingActive, cb)
}

func (g *gate) queueReadable(cb func()) {
	g.waitingReadable = append(g.waitingReadable, cb)
}

func (g *gate) queueWriteable(cb func()) {
	g.waitingWriteable = append(g.waitingWriteable, cb)
}

func (g *gate) queueCommit(cb CommitCallback) {
	g.waitingCommit = append(g.waitingCommit, cb)
}

func (g *gate) wakeActive() {
	pending := g.waitingActive
	g.waitingActive = nil
	for _, cb := range pending {
		cb()
	}
}

func (g *gate) wakeReadable() {
	pending := g.waitingReadable
	g.waitingReadable = nil
	for _, cb := range pending {
		cb()
	}
}

func (g *gate) wakeWriteable() {
	pending := g.waitingWriteable
	g.waitingWriteable = nil
	for _, cb := range pending {
		cb()
	}
}

func (g *gate) wakeCommit(version uint64, err error) {
	pending := g.waitingCommit
	g.waitingCommit = nil
	for _, cb := range pending {
		cb(version, err)
	}
}

// isWriteable implements spec.md §4.4 verbatim.
func (m *Machine) isWriteable(now time.Time) bool {
	if m.cfg.singleton() {
		return true
	}
	return m.isLeader && m.state == Active && now.Before(m.leaseExpire)
}

// isReadable implements spec.md §4.4 verbatim. v == 0 means "any version".
func (m *Machine) isReadable(now time.Time, v uint64) bool {
	if m.lastCommitted == 0 {
		return false
	}
	if m.state != Active && m.state != Updating {
		return false
	}
	if !m.cfg.singleton() && !now.Before(m.leaseExpire) {
		return false
	}
	if v != 0 && v > m.lastCommitted {
		return false
	}
	return true
}
