package paxos

import "encoding/binary"

// encodeUint64/decodeUint64 are the fixed-width little-endian layout used
// for every scalar persisted under store.Store (first_committed,
// last_committed, accepted_pn, accepted_pn_from, last_pn), matching
// spec.md §4.6's "all numeric fields are little-endian fixed width".
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
