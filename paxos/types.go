// Package paxos implements the consensus replication core of a
// distributed monitor cluster: a Paxos-derived state machine that
// serializes a single, totally-ordered log of opaque values across a
// small quorum of peers, with a time-bounded read lease layered on top so
// peers may satisfy local reads without re-running agreement.
package paxos

import (
	"context"
	"time"

	"github.com/kthguru/ceph/wire"
)

// State is one of the three states a replica's Paxos state machine can be
// in, per spec.md §2/§9.
type State int

const (
	// Recovering: collect is in flight (leader) or we are awaiting one (peon).
	Recovering State = iota
	// Active: idle; the peon may or may not hold a valid lease.
	Active
	// Updating: a new value is being proposed.
	Updating
)

func (s State) String() string {
	switch s {
	case Recovering:
		return "recovering"
	case Active:
		return "active"
	case Updating:
		return "updating"
	default:
		return "unknown"
	}
}

// ProposalNumber is a totally ordered, replica-unique identifier for a
// Paxos round (the glossary's "pn").
type ProposalNumber uint64

// Rank identifies one quorum member.
type Rank int

// ElectionHost is the leader-election subsystem spec.md §1 treats as an
// external collaborator: it tells the Machine who is leader via
// LeaderInit/PeonInit, and the Machine asks it to run a new election via
// CallElection when liveness fails.
type ElectionHost interface {
	CallElection()
}

// Transport is the point-to-point, per-peer-FIFO but lossy messaging layer
// spec.md §1 treats as an external collaborator.
type Transport interface {
	Send(ctx context.Context, toRank int, msg wire.Message) error
}

// Clock abstracts wall-clock time so tests can control lease expiry
// without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Tunables are the configuration knobs of spec.md §6.
type Tunables struct {
	ProposeInterval    time.Duration
	LeaseInterval      time.Duration
	LeaseRenewInterval time.Duration
	ClockDriftAllowed  time.Duration
	QuorumSize         int
	SelfRank           int
	PeerRanks          []int
}

func (t Tunables) majority() int {
	return t.QuorumSize/2 + 1
}

func (t Tunables) singleton() bool {
	return t.QuorumSize == 1
}

// leaderRound is the leader-only per-round transient state of spec.md §3.
type leaderRound struct {
	numLast            int
	peerLastCommitted  map[int]uint64
	peerFirstCommitted map[int]uint64

	hasUncommitted   bool
	uncommittedV     uint64
	uncommittedPN    ProposalNumber
	uncommittedValue []byte

	// newValue is the value this round is proposing (spec.md §3's
	// new_value), set once by begin() and read back by commit() — kept
	// separate from uncommittedValue so a later round's begin() can never
	// be shadowed by a stale recovered value left over from an earlier one.
	newValue []byte

	accepted  map[int]bool
	committed bool

	ackedLease map[int]bool

	lastDriftWarning time.Time
}

func newLeaderRound() leaderRound {
	return leaderRound{
		peerLastCommitted:  make(map[int]uint64),
		peerFirstCommitted: make(map[int]uint64),
		accepted:           make(map[int]bool),
		ackedLease:         make(map[int]bool),
	}
}
