package wire

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Message to its wire form. All numeric fields are
// little-endian fixed width, per spec.md §4.6.
//
// Layout, shared header first:
//
//	[0]       kind
//	[1..5)    senderRank   (int32)
//	[5..13)   firstCommitted (uint64)
//	[13..21)  lastCommitted  (uint64)
//	[21..29)  pn             (uint64)
//	[29..]    kind-specific payload
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 29)
	buf[0] = byte(m.Header.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(m.Header.SenderRank))
	binary.LittleEndian.PutUint64(buf[5:13], m.Header.FirstCommitted)
	binary.LittleEndian.PutUint64(buf[13:21], m.Header.LastCommitted)
	binary.LittleEndian.PutUint64(buf[21:29], m.Header.PN)

	switch m.Header.Kind {
	case KindCollect:
		// no extra fields

	case KindLast:
		buf = appendUint64(buf, m.PNFrom)
		buf = appendBool(buf, m.HasUncommitted)
		if m.HasUncommitted {
			buf = appendUint64(buf, m.UncommittedV)
			buf = appendUint64(buf, m.UncommittedPN)
			buf = appendBytes(buf, m.UncommittedData)
		}
		buf = appendBundle(buf, m.Bundle)

	case KindBegin:
		buf = appendUint64(buf, m.PNFrom)
		buf = appendBytes(buf, m.Value)

	case KindAccept:
		// no extra fields

	case KindCommit:
		buf = appendBundle(buf, m.Bundle)

	case KindLease:
		buf = appendUTime(buf, m.LeaseExpire)
		buf = appendUTime(buf, m.SenderClock)

	case KindLeaseAck:
		buf = appendUTime(buf, m.SenderClock)

	default:
		return nil, fmt.Errorf("wire: encode: unknown message kind %d", m.Header.Kind)
	}

	return buf, nil
}

// Decode parses a Message from its wire form. It is the exact inverse of
// Encode: Decode(Encode(m)) == m for every well-formed m.
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < 29 {
		return m, fmt.Errorf("wire: decode: short header, got %d bytes", len(data))
	}

	m.Header.Kind = Kind(data[0])
	m.Header.SenderRank = int32(binary.LittleEndian.Uint32(data[1:5]))
	m.Header.FirstCommitted = binary.LittleEndian.Uint64(data[5:13])
	m.Header.LastCommitted = binary.LittleEndian.Uint64(data[13:21])
	m.Header.PN = binary.LittleEndian.Uint64(data[21:29])

	rest := data[29:]
	var err error

	switch m.Header.Kind {
	case KindCollect, KindAccept:
		// no extra fields

	case KindLast:
		m.PNFrom, rest, err = readUint64(rest)
		if err != nil {
			return m, err
		}
		m.HasUncommitted, rest, err = readBool(rest)
		if err != nil {
			return m, err
		}
		if m.HasUncommitted {
			m.UncommittedV, rest, err = readUint64(rest)
			if err != nil {
				return m, err
			}
			m.UncommittedPN, rest, err = readUint64(rest)
			if err != nil {
				return m, err
			}
			m.UncommittedData, rest, err = readBytes(rest)
			if err != nil {
				return m, err
			}
		}
		m.Bundle, rest, err = readBundle(rest)
		if err != nil {
			return m, err
		}

	case KindBegin:
		m.PNFrom, rest, err = readUint64(rest)
		if err != nil {
			return m, err
		}
		m.Value, rest, err = readBytes(rest)
		if err != nil {
			return m, err
		}

	case KindCommit:
		m.Bundle, rest, err = readBundle(rest)
		if err != nil {
			return m, err
		}

	case KindLease:
		m.LeaseExpire, rest, err = readUTime(rest)
		if err != nil {
			return m, err
		}
		m.SenderClock, rest, err = readUTime(rest)
		if err != nil {
			return m, err
		}

	case KindLeaseAck:
		m.SenderClock, rest, err = readUTime(rest)
		if err != nil {
			return m, err
		}

	default:
		return m, fmt.Errorf("wire: decode: unknown message kind %d", m.Header.Kind)
	}

	_ = rest
	return m, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendUTime(buf []byte, t UTime) []byte {
	buf = appendUint64(buf, uint64(t.Sec))
	buf = appendUint32(buf, uint32(t.Nsec))
	return buf
}

func appendBundle(buf []byte, b *Bundle) []byte {
	if b == nil {
		return appendBool(buf, false)
	}
	buf = appendBool(buf, true)
	if b.Snapshot == nil {
		buf = appendBool(buf, false)
	} else {
		buf = appendBool(buf, true)
		buf = appendUint64(buf, b.Snapshot.Version)
		buf = appendBytes(buf, b.Snapshot.Value)
	}
	buf = appendUint32(buf, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		buf = appendUint64(buf, e.Version)
		buf = appendBytes(buf, e.Value)
	}
	return buf
}

func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("wire: decode: short uint64")
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], nil
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("wire: decode: short uint32")
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func readBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, fmt.Errorf("wire: decode: short bool")
	}
	return buf[0] != 0, buf[1:], nil
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("wire: decode: short byte slice, want %d have %d", n, len(rest))
	}
	if n == 0 {
		return nil, rest, nil
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}

func readUTime(buf []byte) (UTime, []byte, error) {
	sec, rest, err := readUint64(buf)
	if err != nil {
		return UTime{}, nil, err
	}
	nsec, rest, err := readUint32(rest)
	if err != nil {
		return UTime{}, nil, err
	}
	return UTime{Sec: int64(sec), Nsec: int32(nsec)}, rest, nil
}

func readBundle(buf []byte) (*Bundle, []byte, error) {
	present, rest, err := readBool(buf)
	if err != nil {
		return nil, nil, err
	}
	if !present {
		return nil, rest, nil
	}

	b := &Bundle{}

	hasSnap, rest2, err := readBool(rest)
	if err != nil {
		return nil, nil, err
	}
	rest = rest2
	if hasSnap {
		var ver uint64
		ver, rest, err = readUint64(rest)
		if err != nil {
			return nil, nil, err
		}
		var val []byte
		val, rest, err = readBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		b.Snapshot = &Snapshot{Version: ver, Value: val}
	}

	n, rest, err := readUint32(rest)
	if err != nil {
		return nil, nil, err
	}
	b.Entries = make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		var ver uint64
		ver, rest, err = readUint64(rest)
		if err != nil {
			return nil, nil, err
		}
		var val []byte
		val, rest, err = readBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		b.Entries = append(b.Entries, Entry{Version: ver, Value: val})
	}

	return b, rest, nil
}
