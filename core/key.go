package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EntryType identifies the operation an internal key carries.
type EntryType byte

const (
	// EntryTypeDelete marks a tombstone for a user key.
	EntryTypeDelete EntryType = 0
	// EntryTypePut marks a regular write of a user key.
	EntryTypePut EntryType = 1
)

// String returns the string representation of the EntryType.
func (t EntryType) String() string {
	switch t {
	case EntryTypeDelete:
		return "delete"
	case EntryTypePut:
		return "put"
	default:
		return "unknown"
	}
}

// internalKeySuffixSize is the fixed trailer appended to every encoded key:
// 8 bytes of sequence number followed by 1 tag byte.
const internalKeySuffixSize = SeqNumSize + 1

// InternalKey augments a user key with a sequence number and an operation
// tag, giving every write a unique, totally ordered position. Two writes to
// the same user key at different sequence numbers are distinct keys.
type InternalKey struct {
	UserKey []byte
	SeqNum  uint64
	Kind    EntryType
}

// NewInternalKey constructs an InternalKey for the given operation.
func NewInternalKey(userKey []byte, seqNum uint64, kind EntryType) InternalKey {
	return InternalKey{UserKey: userKey, SeqNum: seqNum, Kind: kind}
}

// Encode serializes the key as user_key ++ seq_num (8 bytes, big-endian) ++
// tag (1 byte). The suffix is fixed-size so the user key can be recovered
// without a length prefix.
func (k InternalKey) Encode() []byte {
	buf := make([]byte, len(k.UserKey)+internalKeySuffixSize)
	n := copy(buf, k.UserKey)
	binary.BigEndian.PutUint64(buf[n:], k.SeqNum)
	buf[n+SeqNumSize] = byte(k.Kind)
	return buf
}

// DecodeInternalKey parses an encoded internal key. It fails with a
// DecodeError if the input is shorter than the fixed suffix or the tag byte
// is unrecognized.
func DecodeInternalKey(data []byte) (InternalKey, error) {
	if len(data) < internalKeySuffixSize {
		return InternalKey{}, &DecodeError{
			Reason: fmt.Sprintf("internal key too short: got %d bytes, need at least %d", len(data), internalKeySuffixSize),
		}
	}
	split := len(data) - internalKeySuffixSize
	kind := EntryType(data[split+SeqNumSize])
	if kind != EntryTypePut && kind != EntryTypeDelete {
		return InternalKey{}, &DecodeError{
			Reason: fmt.Sprintf("unrecognized internal key tag byte: 0x%02x", data[split+SeqNumSize]),
		}
	}
	userKey := make([]byte, split)
	copy(userKey, data[:split])
	return InternalKey{
		UserKey: userKey,
		SeqNum:  binary.BigEndian.Uint64(data[split : split+SeqNumSize]),
		Kind:    kind,
	}, nil
}

// Compare implements the total order over internal keys: user key ascending,
// then sequence number descending (the newest write sorts first), then tag
// with Delete before Put. The tag tie-break only matters if a sequence number
// is ever reused, which writers are expected not to do.
func (k InternalKey) Compare(other InternalKey) int {
	if c := bytes.Compare(k.UserKey, other.UserKey); c != 0 {
		return c
	}
	if k.SeqNum > other.SeqNum {
		return -1
	}
	if k.SeqNum < other.SeqNum {
		return 1
	}
	if k.Kind != other.Kind {
		if k.Kind == EntryTypeDelete {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports exact identity: user key, sequence number and tag all match.
func (k InternalKey) Equal(other InternalKey) bool {
	return k.SeqNum == other.SeqNum && k.Kind == other.Kind && bytes.Equal(k.UserKey, other.UserKey)
}

// IsDeletion reports whether this key is a tombstone.
func (k InternalKey) IsDeletion() bool {
	return k.Kind == EntryTypeDelete
}

// EncodedLen returns the size of Encode's output without allocating it.
func (k InternalKey) EncodedLen() int {
	return len(k.UserKey) + internalKeySuffixSize
}

// String renders the key for logs and error messages.
func (k InternalKey) String() string {
	return fmt.Sprintf("%q@%d(%s)", k.UserKey, k.SeqNum, k.Kind)
}
