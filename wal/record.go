package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/taurusdb/taurus/core"
)

// On-disk record layout, one contiguous append (big-endian lengths):
//
//	tag        1 byte   (0 = Put, 1 = Delete)
//	key_len    4 bytes
//	key_bytes  key_len bytes (InternalKey-encoded)
//	value_len  4 bytes
//	value_bytes value_len bytes (0 bytes for Delete)
//	checksum   4 bytes  (CRC-32 over everything above)
//
// The record tag is its own namespace and is not the InternalKey tag byte.
const (
	recordTagPut    byte = 0
	recordTagDelete byte = 1
)

// recordHeaderSize is tag + key_len; recordFixedSize is all fixed fields.
const (
	recordLenSize   = 4
	recordFixedSize = 1 + recordLenSize + recordLenSize + core.ChecksumSize
)

// Record is a single logged mutation. Key holds the InternalKey-encoded
// bytes; Value is empty for deletes.
type Record struct {
	Kind  core.EntryType
	Key   []byte
	Value []byte
}

// EncodedLen returns the on-disk size of the record.
func (r Record) EncodedLen() int {
	return recordFixedSize + len(r.Key) + len(r.Value)
}

func recordTag(kind core.EntryType) (byte, error) {
	switch kind {
	case core.EntryTypePut:
		return recordTagPut, nil
	case core.EntryTypeDelete:
		return recordTagDelete, nil
	default:
		return 0, fmt.Errorf("unknown entry type %d", kind)
	}
}

func entryTypeFromTag(tag byte) (core.EntryType, error) {
	switch tag {
	case recordTagPut:
		return core.EntryTypePut, nil
	case recordTagDelete:
		return core.EntryTypeDelete, nil
	default:
		return 0, &core.DecodeError{Reason: fmt.Sprintf("unrecognized WAL record tag byte: 0x%02x", tag)}
	}
}

// encodeRecord serializes a record including its trailing checksum.
func encodeRecord(r Record) ([]byte, error) {
	tag, err := recordTag(r.Kind)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, r.EncodedLen())
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Value)))
	buf = append(buf, r.Value...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// decodeRecord reads one record from the reader. It returns io.EOF when the
// reader is positioned exactly at end of input (a clean log end), a
// DecodeError when the record is truncated mid-way or fails its checksum,
// and the decoded record otherwise.
func decodeRecord(r io.Reader) (Record, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("short read on record tag: %v", err)}
	}

	kind, err := entryTypeFromTag(tagBuf[0])
	if err != nil {
		return Record{}, err
	}

	var lenBuf [recordLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("short read on key length: %v", err)}
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[:])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("short read on key bytes: %v", err)}
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("short read on value length: %v", err)}
	}
	valueLen := binary.BigEndian.Uint32(lenBuf[:])

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("short read on value bytes: %v", err)}
	}

	var checksumBuf [core.ChecksumSize]byte
	if _, err := io.ReadFull(r, checksumBuf[:]); err != nil {
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("short read on checksum: %v", err)}
	}
	stored := binary.BigEndian.Uint32(checksumBuf[:])

	crc := crc32.NewIEEE()
	crc.Write(tagBuf[:])
	var keyLenBuf [recordLenSize]byte
	binary.BigEndian.PutUint32(keyLenBuf[:], keyLen)
	crc.Write(keyLenBuf[:])
	crc.Write(key)
	binary.BigEndian.PutUint32(keyLenBuf[:], valueLen)
	crc.Write(keyLenBuf[:])
	crc.Write(value)

	if computed := crc.Sum32(); computed != stored {
		return Record{}, &core.DecodeError{Reason: fmt.Sprintf("record checksum mismatch: got 0x%08x, want 0x%08x", computed, stored)}
	}

	return Record{Kind: kind, Key: key, Value: value}, nil
}
