package paxos

import "github.com/kthguru/ceph/store"

// nextProposalNumber mints a proposal number strictly greater than both
// this replica's last_pn and the caller-supplied hint, with this
// replica's rank encoded in the low bits so two replicas can never mint
// the same value (spec.md §4.1). It persists last_pn before returning;
// the only failure mode is a persistence error.
func (m *Machine) nextProposalNumber(hint ProposalNumber) (ProposalNumber, error) {
	base := m.lastPN
	if hint > base {
		base = hint
	}

	// pad up to the next multiple of 100 strictly above base, then add
	// this replica's rank+1 so the low bits identify the minting replica.
	block := (uint64(base)/100 + 1) * 100
	pn := ProposalNumber(block + uint64(m.cfg.SelfRank) + 1)

	if err := m.store.Transact(map[string][]byte{
		store.KeyLastPN: encodeUint64(uint64(pn)),
	}, nil); err != nil {
		return 0, err
	}
	m.lastPN = pn
	return pn, nil
}
