// Package wire defines the on-the-wire representation of the Paxos
// messages exchanged between quorum members, and the shared-state bundles
// used to bring a lagging peer to parity.
package wire

import "github.com/google/uuid"

// Kind identifies one of the seven message types a replica exchanges with
// its peers.
type Kind uint8

const (
	KindCollect Kind = iota + 1
	KindLast
	KindBegin
	KindAccept
	KindCommit
	KindLease
	KindLeaseAck
)

func (k Kind) String() string {
	switch k {
	case KindCollect:
		return "collect"
	case KindLast:
		return "last"
	case KindBegin:
		return "begin"
	case KindAccept:
		return "accept"
	case KindCommit:
		return "commit"
	case KindLease:
		return "lease"
	case KindLeaseAck:
		return "lease_ack"
	default:
		return "unknown"
	}
}

// UTime is a wall-clock timestamp with the (seconds, nanoseconds) layout
// spec.md §4.6 asks for, rather than a bare time.Time, so the wire layout
// stays explicit and stable across encodes.
type UTime struct {
	Sec  int64
	Nsec int32
}

// Entry is one (version, bytes) pair of a catch-up bundle.
type Entry struct {
	Version uint64
	Value   []byte
}

// Snapshot is the optional stashed-latest consolidated view attached to a
// bundle when the requesting peer is too far behind for the retained log to
// cover the gap.
type Snapshot struct {
	Version uint64
	Value   []byte
}

// Bundle is the state-sharing payload of §4.7: a run of log entries plus an
// optional snapshot, applied atomically and idempotently by the receiver.
type Bundle struct {
	Snapshot *Snapshot
	Entries  []Entry
}

// Header carries the fields every message kind shares.
type Header struct {
	Kind           Kind
	SenderRank     int32
	FirstCommitted uint64
	LastCommitted  uint64
	PN             uint64
}

// Message is the envelope dispatched into a Machine. Exactly one of the
// Kind-specific payload fields is meaningful, selected by Header.Kind.
type Message struct {
	Header Header

	// KindLast
	PNFrom          uint64
	HasUncommitted  bool
	UncommittedV    uint64
	UncommittedPN   uint64
	UncommittedData []byte
	Bundle          *Bundle

	// KindBegin
	Value []byte

	// KindCommit reuses Bundle above for (prev_last_committed, new_last_committed].

	// KindLease / KindLeaseAck
	LeaseExpire UTime
	SenderClock UTime

	// RequestID stamps a client-supplied propose so a leader restart mid
	// round can be de-duplicated by the caller; only meaningful on the
	// service-facing ProposeRequest, never serialized on the wire.
	RequestID uuid.UUID
}

// ProposeRequest is the service-facing call into propose_new_value; it is
// never sent over the network, only passed from a PaxosService into the
// local Machine.
type ProposeRequest struct {
	RequestID uuid.UUID
	Value     []byte
}

// NewRequestID stamps a fresh client-generated request id.
func NewRequestID() uuid.UUID {
	return uuid.New()
}
