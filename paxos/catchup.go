package paxos

import (
	"fmt"

	"github.com/kthguru/ceph/store"
	"github.com/kthguru/ceph/wire"
)

// buildBundle implements spec.md §4.7: given a peer's announced
// last_committed, assemble the log entries (and, if the peer is too
// far behind for the retained log to cover the gap, the stashed snapshot)
// needed to bring it to parity.
func (m *Machine) buildBundle(peerLastCommitted uint64) (*wire.Bundle, error) {
	b := &wire.Bundle{}

	if peerLastCommitted < m.firstCommitted {
		// spec.md §4.7: attach the stashed snapshot only once the peer is
		// so far behind that the retained per-version log cannot cover the
		// gap on its own (peer_last_committed < our first_committed - 1).
		if peerLastCommitted+1 < m.firstCommitted {
			snap, ok, err := m.loadStashedSnapshot()
			if err != nil {
				return nil, err
			}
			if ok {
				b.Snapshot = snap
			}
		}
	}

	from := peerLastCommitted + 1
	if b.Snapshot != nil && b.Snapshot.Version >= from {
		from = b.Snapshot.Version + 1
	}
	if from < m.firstCommitted {
		from = m.firstCommitted
	}

	for v := from; v <= m.lastCommitted; v++ {
		val, ok, err := m.store.Get(store.VersionKey(v))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		b.Entries = append(b.Entries, wire.Entry{Version: v, Value: val})
	}

	return b, nil
}

func (m *Machine) loadStashedSnapshot() (*wire.Snapshot, bool, error) {
	raw, ok, err := m.store.Get(store.KeyLatest)
	if err != nil || !ok || len(raw) < 8 {
		return nil, false, err
	}
	ver := decodeUint64(raw[:8])
	return &wire.Snapshot{Version: ver, Value: raw[8:]}, true, nil
}

// applyBundle applies a catch-up bundle atomically: the snapshot first (if
// present), then each incremental entry whose version we do not already
// hold, per spec.md §4.7. Re-applying an already-present version is a
// no-op, making the whole operation idempotent.
func (m *Machine) applyBundle(b *wire.Bundle) error {
	if b == nil {
		return nil
	}

	writes := make(map[string][]byte)
	highest := m.lastCommitted
	newFirst := m.firstCommitted

	if b.Snapshot != nil && b.Snapshot.Version > m.lastCommitted {
		writes[store.KeyLatest] = append(encodeUint64(b.Snapshot.Version), b.Snapshot.Value...)
		writes[store.VersionKey(b.Snapshot.Version)] = b.Snapshot.Value
		if b.Snapshot.Version > highest {
			highest = b.Snapshot.Version
		}
		if m.firstCommitted == 0 || b.Snapshot.Version > newFirst {
			newFirst = b.Snapshot.Version
		}
	}

	for _, e := range b.Entries {
		if e.Version <= m.lastCommitted {
			continue // idempotent: already applied
		}
		writes[store.VersionKey(e.Version)] = e.Value
		if e.Version > highest {
			highest = e.Version
		}
	}

	if highest == m.lastCommitted && newFirst == m.firstCommitted {
		return nil
	}

	writes[store.KeyLastCommitted] = encodeUint64(highest)
	if newFirst != m.firstCommitted {
		writes[store.KeyFirstCommitted] = encodeUint64(newFirst)
	}

	if err := m.store.Transact(writes, nil); err != nil {
		return fmt.Errorf("paxos: apply catch-up bundle: %w", err)
	}

	m.lastCommitted = highest
	m.firstCommitted = newFirst
	return nil
}
