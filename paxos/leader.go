package paxos

import (
	"errors"
	"time"

	"golang.org/x/exp/maps"

	"github.com/kthguru/ceph/store"
	"github.com/kthguru/ceph/wire"
)

// errElectionSuperseded is delivered to a propose_new_value caller whose
// round was discarded by a fresh election before it could commit.
var errElectionSuperseded = errors.New("paxos: round abandoned: superseded by new election")

// LeaderInit transitions this replica into the leader role for a new
// epoch, per spec.md §4.2's leader_init: it discards any stale round
// state, mints a fresh proposal number, and collects from every peer to
// discover the highest-numbered accepted-but-uncommitted value in the
// quorum before it may begin proposing anything of its own.
func (m *Machine) LeaderInit() {
	m.exec(func() {
		m.isLeader = true
		m.abandonRound()
		m.collect(m.acceptedPN)
	})
}

// abandonRound fails any value queued for proposal and any commit
// callbacks waiting on the round now being discarded, then clears it.
// Called whenever a new election supersedes work in flight.
func (m *Machine) abandonRound() {
	m.gate.wakeCommit(0, errElectionSuperseded)
	m.round = newLeaderRound()
}

// collect implements spec.md §4.2's collect(oldpn): broadcast a Collect
// carrying a proposal number greater than oldpn, and arm the collect
// timeout. The replica moves to Recovering until a majority of Last
// replies arrive — which, for a singleton quorum, is true the instant it
// counts its own reply, so afterCollectQuorum runs immediately instead
// of waiting on a collect_timeout_event that no peer will ever satisfy.
func (m *Machine) collect(oldpn ProposalNumber) {
	pn, err := m.nextProposalNumber(oldpn)
	if err != nil {
		m.logf("collect: mint proposal number: %v", err)
		m.callElection()
		return
	}
	// spec.md §4.2: store the freshly minted pn as accepted_pn immediately,
	// not deferred to begin() — otherwise a rival's collect at a pn between
	// our stale accepted_pn and this round's pn would wrongly out-rank us
	// in handle_collect's incoming > accepted_pn check while our own
	// higher-numbered round is still in flight.
	if err := m.persistPromise(pn, pn); err != nil {
		m.logf("collect: persist accepted_pn: %v", err)
		m.callElection()
		return
	}

	m.state = Recovering
	// spec.md §4.2: clear num_last, uncommitted_*, peer_last_committed
	// before seeding num_last with our own reply — a retry after a
	// rebuff must not carry over the abandoned round's tally.
	m.round = newLeaderRound()

	msg := wire.Message{Header: wire.Header{Kind: wire.KindCollect, PN: uint64(pn)}}
	m.broadcast(msg)
	// count ourselves as one of the Last replies.
	m.recordLast(m.cfg.SelfRank, m.selfLastReply(pn))

	if m.round.numLast >= m.cfg.majority() {
		m.afterCollectQuorum()
		return
	}
	m.timers.arm(timerCollect, m.cfg.ProposeInterval)
}

// afterCollectQuorum implements the tail of spec.md §4.2's handle_last:
// once a majority of Last replies are in, either recover whatever
// accepted-but-uncommitted value the quorum is carrying, or — if there
// is none — settle into Active with a fresh lease.
func (m *Machine) afterCollectQuorum() {
	m.timers.cancel(timerCollect)
	m.logf("collect: quorum reached, heard from ranks %v", maps.Keys(m.round.peerLastCommitted))

	if m.round.hasUncommitted {
		m.begin(m.round.uncommittedValue)
		return
	}

	m.state = Active
	m.gate.wakeActive()
	m.extendLease()
}

func (m *Machine) selfLastReply(pn ProposalNumber) wire.Message {
	reply := wire.Message{
		Header: wire.Header{Kind: wire.KindLast, PN: uint64(pn)},
		PNFrom: uint64(m.lastPN),
	}
	// spec.md §4.2's collect() self-check: a value is recoverable only if
	// accepted_pn_from is set for the slot right above last_committed —
	// accepted_pn alone just reflects a promise, not an actual accept, and
	// is the wrong field to gate on (spec.md §9's accepted_pn_from open
	// question, resolved against the original's self-accept path only).
	if val, ok := m.uncommittedValueLocked(); ok {
		reply.HasUncommitted = true
		reply.UncommittedV = m.lastCommitted + 1
		reply.UncommittedPN = uint64(m.acceptedPNFrom)
		reply.UncommittedData = val
	}
	return reply
}

// uncommittedValueLocked returns whatever value this replica most recently
// accepted but has not yet seen committed, if any. accepted_pn_from is set
// only on an actual accept (begin/handle_begin); a replica that merely
// promised a higher pn during collect, without ever accepting a value for
// the slot above last_committed, reports nothing here.
func (m *Machine) uncommittedValueLocked() ([]byte, bool) {
	if m.acceptedPNFrom == 0 {
		return nil, false
	}
	val, ok, err := m.store.Get(store.VersionKey(m.lastCommitted + 1))
	if err != nil || !ok {
		return nil, false
	}
	return val, true
}

// handleCollect implements spec.md §4.3's handle_collect: a peon replies
// with its last_pn and, if it holds an accepted-but-uncommitted value,
// that value too, so the new leader can recover it instead of losing it.
func (m *Machine) handleCollect(msg wire.Message) {
	incoming := ProposalNumber(msg.Header.PN)
	replyPN := m.acceptedPN

	if incoming > m.acceptedPN {
		newLastPN := m.lastPN
		if incoming > newLastPN {
			newLastPN = incoming
		}
		if err := m.persistPromise(incoming, newLastPN); err != nil {
			m.logf("handle_collect: persist accepted_pn: %v", err)
			return
		}
		replyPN = incoming
		m.state = Recovering
		m.isLeader = false
	}
	// incoming <= accepted_pn: rebuff with our current accepted_pn so the
	// leader knows to re-collect with something higher.

	reply := wire.Message{
		Header: wire.Header{Kind: wire.KindLast, PN: uint64(replyPN)},
		PNFrom: uint64(m.lastPN),
	}
	if val, ok := m.uncommittedValueLocked(); ok {
		reply.HasUncommitted = true
		reply.UncommittedV = m.lastCommitted + 1
		reply.UncommittedPN = uint64(m.acceptedPNFrom)
		reply.UncommittedData = val
	}
	reply.Bundle, _ = m.buildBundle(msg.Header.LastCommitted)

	m.send(int(msg.Header.SenderRank), reply)
}

// persistPromise implements the peon side of spec.md §4.1's proposal-number
// monotonicity: accepted_pn advances to a pn we have promised not to
// rebuff, and last_pn advances alongside it so our own next mint (should we
// become leader) starts strictly above it.
func (m *Machine) persistPromise(acceptedPN, lastPN ProposalNumber) error {
	if err := m.store.Transact(map[string][]byte{
		store.KeyAcceptedPN: encodeUint64(uint64(acceptedPN)),
		store.KeyLastPN:     encodeUint64(uint64(lastPN)),
	}, nil); err != nil {
		return err
	}
	m.acceptedPN = acceptedPN
	m.lastPN = lastPN
	return nil
}

// handleLast implements spec.md §4.2's handle_last: accumulate Last
// replies until a majority have arrived, tracking the highest-pn
// accepted-but-uncommitted value seen so it can be recovered in begin().
// A peer whose reply to this round reports an older last_committed than
// ours is sent the entries it lacks (and the stashed snapshot, if needed)
// as a Commit, even when its reply arrives after the majority was counted.
func (m *Machine) handleLast(msg wire.Message) {
	replyPN := ProposalNumber(msg.Header.PN)
	if m.isLeader && replyPN == m.lastPN && msg.Header.LastCommitted < m.lastCommitted {
		if bundle, err := m.buildBundle(msg.Header.LastCommitted); err != nil {
			m.logf("handle_last: build bundle for rank %d: %v", msg.Header.SenderRank, err)
		} else {
			m.send(int(msg.Header.SenderRank), wire.Message{Header: wire.Header{Kind: wire.KindCommit}, Bundle: bundle})
		}
	}

	if m.state != Recovering {
		return
	}

	switch {
	case replyPN > m.lastPN:
		// A peer has promised a higher pn to some other leader; our round
		// is dead on arrival. Restart collect above it — the only retry
		// path (spec.md §4.2's handle_last, §8 scenario 3).
		m.collect(replyPN)
		return
	case replyPN < m.lastPN:
		// Late reply to a collect we have already superseded ourselves.
		return
	}

	if err := m.applyBundle(msg.Bundle); err != nil {
		m.logf("handle_last: apply bundle: %v", err)
	}
	m.recordLast(int(msg.Header.SenderRank), msg)

	if m.round.numLast < m.cfg.majority() {
		return
	}
	m.afterCollectQuorum()
}

func (m *Machine) recordLast(rank int, msg wire.Message) {
	if _, seen := m.round.peerLastCommitted[rank]; seen {
		return
	}
	if m.round.numLast >= m.cfg.QuorumSize {
		// spec.md §7: num_last exceeding quorum_size is an impossible
		// state, not a condition any caller can recover from.
		panic(m.fatal("num_last exceeded quorum_size"))
	}
	m.round.numLast++
	m.round.peerLastCommitted[rank] = msg.Header.LastCommitted
	m.round.peerFirstCommitted[rank] = msg.Header.FirstCommitted

	if !msg.HasUncommitted {
		return
	}
	incomingPN := ProposalNumber(msg.UncommittedPN)
	if !m.round.hasUncommitted || incomingPN > m.round.uncommittedPN {
		m.round.hasUncommitted = true
		m.round.uncommittedV = msg.UncommittedV
		m.round.uncommittedPN = incomingPN
		m.round.uncommittedValue = msg.UncommittedData
	}
}

// begin implements spec.md §4.2's begin(value): the leader durably
// accepts its own proposal, then either commits it synchronously (a
// singleton quorum has no one else to ask) or broadcasts Begin to every
// peer and waits for accept replies.
func (m *Machine) begin(value []byte) {
	v := m.lastCommitted + 1
	if err := m.store.Transact(map[string][]byte{
		store.KeyAcceptedPN:     encodeUint64(uint64(m.lastPN)),
		store.KeyAcceptedPNFrom: encodeUint64(uint64(m.lastPN)),
		store.VersionKey(v):     value,
	}, nil); err != nil {
		m.logf("begin: persist accepted value: %v", err)
		m.callElection()
		return
	}
	m.acceptedPN = m.lastPN
	m.acceptedPNFrom = m.lastPN
	m.round.newValue = value

	if m.cfg.singleton() {
		m.commit()
		return
	}

	m.state = Updating
	m.round.accepted = map[int]bool{m.cfg.SelfRank: true}
	m.round.committed = false

	msg := wire.Message{
		Header: wire.Header{Kind: wire.KindBegin, PN: uint64(m.lastPN)},
		Value:  value,
	}
	m.broadcast(msg)
	m.timers.arm(timerAccept, m.cfg.ProposeInterval)
}

// handleBegin implements spec.md §4.3's handle_begin: accept the proposed
// value under the leader's proposal number, persist it, and reply
// Accepted. A pn that does not match our current promise, or a
// last_committed that does not match the leader's, is ignored outright —
// the latter lets the catch-up path (via a subsequent Collect or Commit)
// converge instead of accepting a value at the wrong version.
func (m *Machine) handleBegin(msg wire.Message) {
	pn := ProposalNumber(msg.Header.PN)
	if pn != m.acceptedPN {
		return
	}
	if msg.Header.LastCommitted != m.lastCommitted {
		return
	}

	m.state = Updating
	v := m.lastCommitted + 1
	if err := m.store.Transact(map[string][]byte{
		store.KeyAcceptedPN:     encodeUint64(uint64(pn)),
		store.KeyAcceptedPNFrom: encodeUint64(uint64(pn)),
		store.VersionKey(v):     msg.Value,
	}, nil); err != nil {
		m.logf("handle_begin: persist accepted value: %v", err)
		return
	}
	m.acceptedPN = pn
	m.acceptedPNFrom = pn

	reply := wire.Message{Header: wire.Header{Kind: wire.KindAccept, PN: uint64(pn)}}
	m.send(int(msg.Header.SenderRank), reply)
}

// handleAccept implements spec.md §4.2's handle_accept: commit as soon as
// a majority of peers (including ourselves) have accepted, but the
// accept timer stays armed — and the state stays Updating — until the
// full quorum has, since the lease that makes Active meaningful is only
// granted once every peer is known to hold the value (spec.md §4.2's
// accept_timeout note).
func (m *Machine) handleAccept(msg wire.Message) {
	if ProposalNumber(msg.Header.PN) != m.lastPN || m.state != Updating {
		return
	}
	m.round.accepted[int(msg.Header.SenderRank)] = true

	if !m.round.committed && len(m.round.accepted) >= m.cfg.majority() {
		m.round.committed = true
		m.commit()
	}

	if len(m.round.accepted) >= m.cfg.QuorumSize {
		m.timers.cancel(timerAccept)
		m.state = Active
		m.extendLease()
		m.gate.wakeActive()
		m.gate.wakeWriteable()
	}
}

// commit implements spec.md §4.2's commit(): advance last_committed,
// broadcast Commit so peers learn the value durably, wake callers
// waiting on the commit, and invalidate the lease that referenced the
// prior value — a fresh one is only granted once the full quorum has
// accepted (handleAccept). A singleton quorum gets no new lease here (the
// next lease renewal issues one), since its reads and writes do not
// depend on the lease.
func (m *Machine) commit() {
	v := m.lastCommitted + 1
	val := m.round.newValue

	if err := m.store.Transact(map[string][]byte{
		store.KeyLastCommitted: encodeUint64(v),
	}, nil); err != nil {
		m.logf("commit: persist last_committed: %v", err)
		m.callElection()
		return
	}
	m.lastCommitted = v
	m.leaseExpire = time.Time{}

	bundle := &wire.Bundle{Entries: []wire.Entry{{Version: v, Value: val}}}
	m.broadcast(wire.Message{Header: wire.Header{Kind: wire.KindCommit}, Bundle: bundle})

	m.gate.wakeCommit(v, nil)

	if m.cfg.singleton() {
		m.state = Active
		m.gate.wakeActive()
		m.gate.wakeWriteable()
		m.gate.wakeReadable()
	}
}

// extendLease implements spec.md §4.2's extend_lease: grant a fresh lease
// to every peer and arm the renewal timer so the leader refreshes it
// before it would otherwise expire.
func (m *Machine) extendLease() {
	now := m.now()
	m.leaseExpire = now.Add(m.cfg.LeaseInterval)
	// spec.md §4.2: acked_lease = {self} — the leader trivially acknowledges
	// its own lease; without this seed, handleLeaseAck's >= quorum_size
	// completion check could never be satisfied by peer acks alone.
	m.round.ackedLease = map[int]bool{m.cfg.SelfRank: true}

	lease := wire.Message{
		Header:      wire.Header{Kind: wire.KindLease},
		LeaseExpire: toUTime(m.leaseExpire),
		SenderClock: toUTime(now),
	}
	m.broadcast(lease)
	m.gate.wakeWriteable()
	m.gate.wakeReadable()

	m.timers.arm(timerLeaseRenew, m.cfg.LeaseRenewInterval)
	if len(m.round.ackedLease) < m.cfg.QuorumSize {
		// A singleton quorum is already complete from the self-seed above
		// and has no peer left to ack; arming the timeout in that case
		// would fire it every round with nothing that could ever cancel it.
		m.timers.arm(timerLeaseAckTimeout, m.cfg.ProposeInterval)
	}
}

// handleLeaseAck implements spec.md §4.2's handle_lease_ack: track
// acknowledgements so a drifting-clock peer can be warned, per §4.5's
// bounded-rate clock-drift check (spec.md §7 supplement).
func (m *Machine) handleLeaseAck(msg wire.Message) {
	m.round.ackedLease[int(msg.Header.SenderRank)] = true

	skew := m.now().Sub(fromUTime(msg.SenderClock))
	if skew < 0 {
		skew = -skew
	}
	if skew > m.cfg.ClockDriftAllowed && m.now().Sub(m.round.lastDriftWarning) > m.cfg.LeaseInterval {
		m.round.lastDriftWarning = m.now()
		m.logf("peer rank=%d clock skew %s exceeds allowed %s", msg.Header.SenderRank, skew, m.cfg.ClockDriftAllowed)
	}

	if len(m.round.ackedLease) >= m.cfg.QuorumSize {
		m.timers.cancel(timerLeaseAckTimeout)
	}
}

// leaseAckTimeout implements spec.md §4.2's lease_ack_timeout: not every
// peer acknowledged the lease within the window, so the leader cannot be
// sure the full quorum still recognizes it and calls a fresh election.
func (m *Machine) leaseAckTimeout() {
	m.logf("lease ack timeout: %d/%d peers acknowledged", len(m.round.ackedLease), m.cfg.QuorumSize)
	m.callElection()
}

// leaseRenewTimeout implements spec.md §4.2's renewal trigger: refresh
// the lease before the previous grant would expire, so peers never
// observe a readable-but-unleased gap while this leader remains live.
func (m *Machine) leaseRenewTimeout() {
	if m.state != Active && m.state != Updating {
		return
	}
	m.extendLease()
}

// collectTimeout implements spec.md §4.2's collect_timeout: too few peers
// replied in time to form a majority, so liveness of the quorum is in
// doubt and a fresh election is warranted.
func (m *Machine) collectTimeout() {
	m.logf("collect timeout in state %s with %d/%d replies", m.state, m.round.numLast, m.cfg.QuorumSize)
	m.callElection()
}

// acceptTimeout implements spec.md §4.2's accept_timeout: the full
// quorum did not accept within the window. A majority may already have
// committed the value — that commit stands — but liveness of the
// remaining peers is in doubt, so a fresh election is still warranted.
func (m *Machine) acceptTimeout() {
	m.logf("accept timeout in state %s with %d/%d accepts", m.state, len(m.round.accepted), m.cfg.QuorumSize)
	if m.state == Updating {
		// still Updating whether or not a majority committed; a commit has
		// already woken its proposer, so only one that never saw a commit
		// is failed here.
		m.gate.wakeCommit(0, errors.New("paxos: accept timeout: quorum did not accept proposed value in time"))
	}
	m.callElection()
}

func toUTime(t time.Time) wire.UTime {
	return wire.UTime{Sec: t.Unix(), Nsec: int32(t.Nanosecond())}
}

func fromUTime(u wire.UTime) time.Time {
	return time.Unix(u.Sec, int64(u.Nsec))
}
