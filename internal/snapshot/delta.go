package snapshot

import (
	"encoding/binary"
	"fmt"
)

// Encoded payload layout (before compression):
//
//	full:  'F' | state...
//	delta: 'D' | prefixLen uint32 | suffixLen uint32 | middle...
//
// A delta records the bytes that changed between the parent state and the
// new state as the region between a shared prefix and a shared suffix.
// Session state grows mostly by appending iteration records, so the shared
// prefix covers the bulk of the payload in practice.
const (
	opFull  = 'F'
	opDelta = 'D'

	deltaHeaderLen = 1 + 4 + 4
)

func encodeFull(state []byte) []byte {
	out := make([]byte, 1+len(state))
	out[0] = opFull
	copy(out[1:], state)
	return out
}

func encodeDelta(parent, state []byte) []byte {
	prefix := commonPrefix(parent, state)
	suffix := commonSuffix(parent[prefix:], state[prefix:])
	middle := state[prefix : len(state)-suffix]

	out := make([]byte, deltaHeaderLen+len(middle))
	out[0] = opDelta
	binary.BigEndian.PutUint32(out[1:5], uint32(prefix))
	binary.BigEndian.PutUint32(out[5:9], uint32(suffix))
	copy(out[deltaHeaderLen:], middle)
	return out
}

// applyEncoded reconstructs a state from an encoded payload and the parent
// state. parent must be nil (or ignored) for full payloads.
func applyEncoded(parent, encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty snapshot payload")
	}

	switch encoded[0] {
	case opFull:
		return append([]byte(nil), encoded[1:]...), nil

	case opDelta:
		if len(encoded) < deltaHeaderLen {
			return nil, fmt.Errorf("truncated delta header")
		}
		prefix := int(binary.BigEndian.Uint32(encoded[1:5]))
		suffix := int(binary.BigEndian.Uint32(encoded[5:9]))
		middle := encoded[deltaHeaderLen:]

		if prefix > len(parent) || suffix > len(parent) || prefix+suffix > len(parent)+len(middle) {
			return nil, fmt.Errorf("delta bounds exceed parent state")
		}

		out := make([]byte, 0, prefix+len(middle)+suffix)
		out = append(out, parent[:prefix]...)
		out = append(out, middle...)
		out = append(out, parent[len(parent)-suffix:]...)
		return out, nil

	default:
		return nil, fmt.Errorf("unknown snapshot payload marker %q", encoded[0])
	}
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func commonSuffix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[len(a)-1-i] != b[len(b)-1-i] {
			return i
		}
	}
	return n
}
