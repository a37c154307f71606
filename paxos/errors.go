package paxos

import "fmt"

// FatalError marks a protocol violation or impossible state: spec.md §7
// classifies these as programming errors that must abort the replica
// rather than be swallowed, because consistency is prioritized over
// availability. The teacher's source never needed this (Raft's HandleX
// methods just reject malformed requests); it is grounded instead on the
// original Ceph Paxos's assert(0) on an invalid state name, redone as a
// typed, logged error per spec.md §9's redesign note.
type FatalError struct {
	Reason        string
	Rank          int
	State         State
	PN            ProposalNumber
	LastCommitted uint64
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("paxos: fatal: %s (rank=%d state=%s pn=%d last_committed=%d)",
		e.Reason, e.Rank, e.State, e.PN, e.LastCommitted)
}

func (m *Machine) fatal(reason string) error {
	err := &FatalError{
		Reason:        reason,
		Rank:          m.cfg.SelfRank,
		State:         m.state,
		PN:            m.acceptedPN,
		LastCommitted: m.lastCommitted,
	}
	m.logf("FATAL %v", err)
	return err
}
