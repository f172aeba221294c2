// Package wire implements the binary layouts persisted by the log: the
// commit metadata blob and the on-log record header. Encoding is manual
// little-endian, matching the teacher's uapi marshal style rather than a
// reflection-based codec, since both layouts are fixed and on the hot path.
package wire

import "encoding/binary"

// MarshalError reports a malformed or truncated wire buffer.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

// ErrInsufficientData is returned when a buffer is too short to decode.
const ErrInsufficientData MarshalError = "wire: insufficient data for unmarshal"

// ErrMalformed is returned when a decoded value fails a sanity check (a
// negative record length).
const ErrMalformed MarshalError = "wire: malformed buffer"

// RecoveryInfoVersion is the wire version stamped into every encoded blob.
const RecoveryInfoVersion int32 = 1

// IteratorCheckpoint is one named iterator's persisted progress.
type IteratorCheckpoint struct {
	Name           string
	CompletedUntil int64
}

// RecoveryInfo is the commit metadata blob persisted through a CommitManager
// and read back on restore.
//
//	[ int32 version ][ int64 beginAddress ][ int64 flushedUntilAddress ]
//	[ int32 iteratorCount ]
//	  repeated iteratorCount times:
//	    [ uint16 nameLen ][ nameLen bytes utf-8 ][ int64 completedUntilAddr ]
type RecoveryInfo struct {
	Version             int32
	BeginAddress        int64
	FlushedUntilAddress int64
	Iterators           []IteratorCheckpoint
}

// EncodeRecoveryInfo serializes r into its wire form.
func EncodeRecoveryInfo(r *RecoveryInfo) []byte {
	size := 4 + 8 + 8 + 4
	for _, it := range r.Iterators {
		size += 2 + len(it.Name) + 8
	}

	buf := make([]byte, size)
	off := 0

	version := r.Version
	if version == 0 {
		version = RecoveryInfoVersion
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(version))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.BeginAddress))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.FlushedUntilAddress))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Iterators)))
	off += 4

	for _, it := range r.Iterators {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(it.Name)))
		off += 2
		off += copy(buf[off:], it.Name)
		binary.LittleEndian.PutUint64(buf[off:], uint64(it.CompletedUntil))
		off += 8
	}

	return buf
}

// DecodeRecoveryInfo parses a RecoveryInfo from its wire form.
func DecodeRecoveryInfo(data []byte) (*RecoveryInfo, error) {
	if len(data) < 4+8+8+4 {
		return nil, ErrInsufficientData
	}

	r := &RecoveryInfo{}
	off := 0
	r.Version = int32(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	r.BeginAddress = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.FlushedUntilAddress = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	count := binary.LittleEndian.Uint32(data[off:])
	off += 4

	r.Iterators = make([]IteratorCheckpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, ErrInsufficientData
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen+8 > len(data) {
			return nil, ErrInsufficientData
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		completed := int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		r.Iterators = append(r.Iterators, IteratorCheckpoint{Name: name, CompletedUntil: completed})
	}

	return r, nil
}

// Align4 rounds n up to the next multiple of 4.
func Align4(n int) int {
	return (n + 3) &^ 3
}

// RecordHeaderSize is the length of a record's little-endian length prefix.
const RecordHeaderSize = 4

// EncodedRecordSize returns the total on-disk size of a record with the
// given payload length: header, payload, and zero padding out to a 4-byte
// boundary.
func EncodedRecordSize(payloadLen int) int {
	return Align4(RecordHeaderSize + payloadLen)
}

// EncodeRecord writes length:u32-le ∥ payload ∥ pad[0..3] into dst, which
// must be at least EncodedRecordSize(len(payload)) bytes, and returns the
// number of bytes written.
func EncodeRecord(dst []byte, payload []byte) int {
	total := EncodedRecordSize(len(payload))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(payload)))
	n := copy(dst[4:], payload)
	for i := 4 + n; i < total; i++ {
		dst[i] = 0
	}
	return total
}

// DecodeRecordHeader reads the length prefix at the start of data and
// returns the payload length and the total on-disk record size (header,
// payload, padding).
func DecodeRecordHeader(data []byte) (payloadLen int, recordSize int, err error) {
	if len(data) < RecordHeaderSize {
		return 0, 0, ErrInsufficientData
	}
	payloadLen = int(binary.LittleEndian.Uint32(data[0:4]))
	if payloadLen < 0 {
		return 0, 0, ErrMalformed
	}
	recordSize = EncodedRecordSize(payloadLen)
	return payloadLen, recordSize, nil
}

// DecodeRecord reads a full record (header, payload, padding) from the
// front of data and returns the payload and the record's total on-disk
// size.
func DecodeRecord(data []byte) (payload []byte, recordSize int, err error) {
	payloadLen, recordSize, err := DecodeRecordHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < recordSize {
		return nil, 0, ErrInsufficientData
	}
	payload = make([]byte, payloadLen)
	copy(payload, data[4:4+payloadLen])
	return payload, recordSize, nil
}
