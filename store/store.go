// Package store defines the durable key→bytes store a replica's stable
// state lives in. spec.md treats the storage engine as an external
// collaborator ("presented as a simple key→bytes map with atomic
// multi-key transactions"); this package is that interface plus one
// concrete, file-backed implementation under store/filestore.
package store

import "strconv"

// Store is a durable key→bytes map supporting atomic multi-key writes.
// All Paxos-critical state transitions (§3, §6) go through Transact so
// that a crash mid-write never leaves accepted_pn and the log entry it
// protects out of sync.
type Store interface {
	// Get returns the bytes stored under key, or ok=false if absent.
	Get(key string) (value []byte, ok bool, err error)

	// Transact atomically applies writes and deletes. Either the whole
	// batch is durable afterward, or (on error) none of it is.
	Transact(writes map[string][]byte, deletes []string) error
}

// Well-known keys, per spec.md §6's store schema.
const (
	KeyFirstCommitted = "first_committed"
	KeyLastCommitted  = "last_committed"
	KeyAcceptedPN     = "accepted_pn"
	KeyAcceptedPNFrom = "accepted_pn_from"
	KeyLastPN         = "last_pn"
	KeyLatest         = "latest"
)

// VersionKey returns the store key for a committed log entry at version v.
func VersionKey(v uint64) string {
	return "v/" + strconv.FormatUint(v, 10)
}
