package paxos

import (
	"fmt"

	"github.com/kthguru/ceph/store"
	"github.com/kthguru/ceph/wire"
)

// PeonInit implements spec.md §4.3's peon_init: drop any leader-only
// round state and wait for the new leader's Collect.
func (m *Machine) PeonInit() {
	m.exec(func() {
		m.isLeader = false
		m.state = Recovering
		m.abandonRound()
		m.timers.cancelAll()
	})
}

// Restart implements spec.md §4.3's restart(): re-derive in-memory state
// from the durable store (already done in New) and enter Recovering,
// awaiting either a Collect from a leader or our own LeaderInit.
func (m *Machine) Restart() {
	m.exec(func() {
		m.state = Recovering
		m.isLeader = false
		m.abandonRound()
		m.timers.cancelAll()
	})
}

// handleCommit implements spec.md §4.3's handle_commit: apply the
// committed bundle, advance last_committed, and transition to Active.
// Idempotent — a retransmitted or already-seen Commit is a no-op.
func (m *Machine) handleCommit(msg wire.Message) {
	if err := m.applyBundle(msg.Bundle); err != nil {
		m.logf("handle_commit: apply bundle: %v", err)
		return
	}
	if m.state == Recovering {
		// A Commit implies the sender already won the election we were
		// waiting on; fall in behind it without waiting for our own Last.
		m.isLeader = false
	}
	m.state = Active
	m.gate.wakeActive()
	m.gate.wakeReadable()
}

// handleLease implements spec.md §4.3's handle_lease: accept the
// leader's granted deadline, reset the liveness timer, and ack. This runs
// regardless of the replica's prior state — including Recovering — per
// spec.md's unconditional "transition to Active": a freshly restarted peon
// that missed the last Collect/Commit round would otherwise stay wedged in
// Recovering until the leader's next full proposal round, since a stable
// leader issues only periodic Lease renewals (no fresh Collect) between
// proposals. isReadable's last_committed checks and Read's store-presence
// check already guard against serving data this replica does not hold.
func (m *Machine) handleLease(msg wire.Message) {
	expire := fromUTime(msg.LeaseExpire)
	if expire.After(m.leaseExpire) {
		m.leaseExpire = expire
	}
	if m.state == Recovering {
		m.isLeader = false
	}
	m.state = Active
	m.gate.wakeActive()
	m.gate.wakeReadable()

	ack := wire.Message{
		Header:      wire.Header{Kind: wire.KindLeaseAck},
		SenderClock: toUTime(m.now()),
	}
	m.send(int(msg.Header.SenderRank), ack)

	// A peon treats silence past its own lease deadline as leader loss,
	// per spec.md §4.3's lease_timeout; re-arm on every fresh grant.
	m.timers.arm(timerLeaseTimeout, m.cfg.LeaseInterval+m.cfg.ClockDriftAllowed)
}

// leaseTimeout implements spec.md §4.3's lease_timeout: the granting
// leader has gone silent past the lease it last extended, so liveness of
// the quorum is in doubt and a fresh election is warranted.
func (m *Machine) leaseTimeout() {
	m.logf("lease timeout waiting on leader, last_committed=%d", m.lastCommitted)
	m.callElection()
}

// errTrimRejected is returned by trimTo when newFirst is beyond
// last_committed and either force was not set or no stashed snapshot
// covers the requested version, per spec.md §8's boundary behavior:
// "trim_to(v) with v > last_committed is rejected unless force and a
// stashed snapshot at or above v exists."
var errTrimRejected = fmt.Errorf("paxos: trim_to rejected")

// trimTo implements spec.md §4.1/§6's trim(v, force): advance
// first_committed to newFirst, discarding log entries strictly below it.
// It is a no-op if newFirst does not advance past the current
// first_committed. Trimming past last_committed is only allowed when
// force is set and a stashed snapshot at or above newFirst exists; in
// that case the snapshot is folded into the log as the new tail (and,
// per §6's "if force, may also drop a newer stashed snapshot", the
// separately-tracked stash is cleared since it is now redundant with
// log[newFirst]) so first_committed never outruns last_committed.
func (m *Machine) trimTo(newFirst uint64, force bool) error {
	if newFirst <= m.firstCommitted {
		return nil
	}

	writes := make(map[string][]byte)
	newLast := m.lastCommitted

	if newFirst > m.lastCommitted {
		if !force {
			return fmt.Errorf("%w: %d exceeds last_committed=%d", errTrimRejected, newFirst, m.lastCommitted)
		}
		snap, ok, err := m.loadStashedSnapshot()
		if err != nil {
			return err
		}
		if !ok || snap.Version < newFirst {
			return fmt.Errorf("%w: force set but no stashed snapshot at or above %d", errTrimRejected, newFirst)
		}
		writes[store.VersionKey(snap.Version)] = snap.Value
		newLast = snap.Version
	}

	deletes := make([]string, 0, newFirst-m.firstCommitted+1)
	for v := m.firstCommitted; v < newFirst; v++ {
		deletes = append(deletes, store.VersionKey(v))
	}
	if newLast != m.lastCommitted {
		deletes = append(deletes, store.KeyLatest)
		writes[store.KeyLastCommitted] = encodeUint64(newLast)
	}
	writes[store.KeyFirstCommitted] = encodeUint64(newFirst)

	if err := m.store.Transact(writes, deletes); err != nil {
		return err
	}
	m.firstCommitted = newFirst
	m.lastCommitted = newLast
	return nil
}
