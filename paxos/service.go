package paxos

import (
	"context"
	"errors"

	"github.com/kthguru/ceph/store"
	"github.com/kthguru/ceph/wire"
)

// ErrNotWriteable is returned by ProposeNewValue when this replica cannot
// accept a write right now, per spec.md §7's user-visible failure text.
// The caller is expected to WaitForWriteable and retry; req.RequestID
// lets it recognize its own retried proposal across a leader change.
var ErrNotWriteable = errors.New("paxos: not writeable; retry after election")

// ErrNotReadable is returned by Read/ReadCurrent when the requested
// version cannot be served locally right now.
var ErrNotReadable = errors.New("paxos: not readable")

// ProposeNewValue implements spec.md §4.4's propose_new_value verbatim:
// it requires is_writeable(), records cb into waiting_for_commit, and
// invokes begin(value). It does not queue a value behind an in-flight
// round — propose_new_value is a single-round-at-a-time operation, and a
// caller arriving while Updating is rejected immediately rather than
// queued, matching the original's assert(is_writeable()) at the call
// site rather than a scheduler.
func (m *Machine) ProposeNewValue(ctx context.Context, req wire.ProposeRequest, cb CommitCallback) error {
	var accepted bool
	if err := m.execCtx(ctx, func() {
		if !m.isWriteable(m.now()) {
			return
		}
		accepted = true
		m.gate.queueCommit(cb)
		m.begin(req.Value)
	}); err != nil {
		return err
	}
	if !accepted {
		return ErrNotWriteable
	}
	return nil
}

// GetVersion returns the version number of the most recently committed
// value, per spec.md §4.1's get_version.
func (m *Machine) GetVersion() uint64 {
	var v uint64
	m.exec(func() { v = m.lastCommitted })
	return v
}

// GetFirstCommitted returns the lowest version still retained without a
// snapshot, per spec.md §4.1's get_first_committed.
func (m *Machine) GetFirstCommitted() uint64 {
	var v uint64
	m.exec(func() { v = m.firstCommitted })
	return v
}

// IsActive, IsUpdating and IsRecovering report the replica's current
// Paxos state, per spec.md §9's diagnostic accessors.
func (m *Machine) IsActive() bool     { return m.stateIs(Active) }
func (m *Machine) IsUpdating() bool   { return m.stateIs(Updating) }
func (m *Machine) IsRecovering() bool { return m.stateIs(Recovering) }

func (m *Machine) stateIs(s State) bool {
	var got State
	m.exec(func() { got = m.state })
	return got == s
}

// IsWriteable reports whether ProposeNewValue would be accepted right
// now, per spec.md §4.4's is_writeable.
func (m *Machine) IsWriteable() bool {
	var ok bool
	m.exec(func() { ok = m.isWriteable(m.now()) })
	return ok
}

// IsReadable reports whether Read(v) would succeed right now, per
// spec.md §4.4's is_readable. v == 0 means "any committed version."
func (m *Machine) IsReadable(v uint64) bool {
	var ok bool
	m.exec(func() { ok = m.isReadable(m.now(), v) })
	return ok
}

// Read implements spec.md §4.1's read(v): return the committed value at
// version v if this replica can currently serve it under its lease.
func (m *Machine) Read(v uint64) ([]byte, error) {
	var (
		val []byte
		ok  bool
		err error
	)
	m.exec(func() {
		if !m.isReadable(m.now(), v) {
			err = ErrNotReadable
			return
		}
		val, ok, err = m.store.Get(store.VersionKey(v))
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotReadable
	}
	return val, nil
}

// ReadCurrent implements spec.md §4.1's read_current: read the latest
// committed version, without the caller needing to know it in advance.
func (m *Machine) ReadCurrent() (uint64, []byte, error) {
	var (
		v   uint64
		val []byte
		ok  bool
		err error
	)
	m.exec(func() {
		if !m.isReadable(m.now(), 0) {
			err = ErrNotReadable
			return
		}
		v = m.lastCommitted
		val, ok, err = m.store.Get(store.VersionKey(v))
	})
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrNotReadable
	}
	return v, val, nil
}

// TrimTo implements spec.md §4.1/§6's trim(v, force): advance
// first_committed to newFirst, discarding superseded log entries. If
// newFirst is beyond the current last_committed, the call is rejected
// unless force is set and a stashed snapshot at or above newFirst exists
// (spec.md §8's boundary behavior), in which case that snapshot becomes
// the new tail of the log.
func (m *Machine) TrimTo(newFirst uint64, force bool) error {
	var err error
	m.exec(func() { err = m.trimTo(newFirst, force) })
	return err
}

// StashLatest implements spec.md §4.1's stash: record value as the
// consolidated snapshot as of version, for use by buildBundle when a
// lagging peer needs to catch up past first_committed, and by a restart
// reading its own state back.
func (m *Machine) StashLatest(version uint64, value []byte) error {
	var err error
	m.exec(func() {
		err = m.store.Transact(map[string][]byte{
			store.KeyLatest: append(encodeUint64(version), value...),
		}, nil)
	})
	return err
}

// GetStashed implements spec.md §4.1's get_stashed: return the most
// recently stashed snapshot, if any.
func (m *Machine) GetStashed() (version uint64, value []byte, ok bool, err error) {
	m.exec(func() {
		var snap *wire.Snapshot
		snap, ok, err = m.loadStashedSnapshot()
		if snap != nil {
			version, value = snap.Version, snap.Value
		}
	})
	return
}

// WaitForActive implements spec.md §4.4's wait_for_active: cb runs once
// this replica reaches the Active state, immediately if it already has.
func (m *Machine) WaitForActive(cb func()) {
	m.exec(func() {
		if m.state == Active {
			cb()
			return
		}
		m.gate.queueActive(cb)
	})
}

// WaitForReadable implements spec.md §4.4's wait_for_readable: cb runs
// once Read(v) would succeed, immediately if it already would.
func (m *Machine) WaitForReadable(v uint64, cb func()) {
	m.exec(func() {
		if m.isReadable(m.now(), v) {
			cb()
			return
		}
		m.gate.queueReadable(cb)
	})
}

// WaitForWriteable implements spec.md §4.4's wait_for_writeable: cb runs
// once ProposeNewValue would be accepted, immediately if it already
// would be.
func (m *Machine) WaitForWriteable(cb func()) {
	m.exec(func() {
		if m.isWriteable(m.now()) {
			cb()
			return
		}
		m.gate.queueWriteable(cb)
	})
}
