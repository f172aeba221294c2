package wire

import (
	"bytes"
	"testing"
)

func TestRecoveryInfoRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		info *RecoveryInfo
	}{
		{
			name: "no iterators",
			info: &RecoveryInfo{
				Version:             RecoveryInfoVersion,
				BeginAddress:        64,
				FlushedUntilAddress: 4096,
			},
		},
		{
			name: "with iterators",
			info: &RecoveryInfo{
				Version:             RecoveryInfoVersion,
				BeginAddress:        64,
				FlushedUntilAddress: 1 << 20,
				Iterators: []IteratorCheckpoint{
					{Name: "replicator", CompletedUntil: 512},
					{Name: "", CompletedUntil: 0},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeRecoveryInfo(tt.info)
			decoded, err := DecodeRecoveryInfo(encoded)
			if err != nil {
				t.Fatalf("DecodeRecoveryInfo() error = %v", err)
			}
			if decoded.BeginAddress != tt.info.BeginAddress {
				t.Errorf("BeginAddress = %d, want %d", decoded.BeginAddress, tt.info.BeginAddress)
			}
			if decoded.FlushedUntilAddress != tt.info.FlushedUntilAddress {
				t.Errorf("FlushedUntilAddress = %d, want %d", decoded.FlushedUntilAddress, tt.info.FlushedUntilAddress)
			}
			if len(decoded.Iterators) != len(tt.info.Iterators) {
				t.Fatalf("len(Iterators) = %d, want %d", len(decoded.Iterators), len(tt.info.Iterators))
			}
			for i, it := range decoded.Iterators {
				want := tt.info.Iterators[i]
				if it.Name != want.Name || it.CompletedUntil != want.CompletedUntil {
					t.Errorf("Iterators[%d] = %+v, want %+v", i, it, want)
				}
			}
		})
	}
}

func TestDecodeRecoveryInfoInsufficientData(t *testing.T) {
	_, err := DecodeRecoveryInfo([]byte{1, 2, 3})
	if err != ErrInsufficientData {
		t.Errorf("error = %v, want ErrInsufficientData", err)
	}
}

func TestDecodeRecoveryInfoTruncatedIterator(t *testing.T) {
	info := &RecoveryInfo{
		BeginAddress:        0,
		FlushedUntilAddress: 0,
		Iterators:           []IteratorCheckpoint{{Name: "abc", CompletedUntil: 1}},
	}
	encoded := EncodeRecoveryInfo(info)
	_, err := DecodeRecoveryInfo(encoded[:len(encoded)-2])
	if err != ErrInsufficientData {
		t.Errorf("error = %v, want ErrInsufficientData", err)
	}
}

func TestAlign4(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {1, 4}, {2, 4}, {3, 4}, {4, 4}, {5, 8}, {17, 20},
	}
	for _, tt := range tests {
		if got := Align4(tt.in); got != tt.want {
			t.Errorf("Align4(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncodeDecodeRecord(t *testing.T) {
	payloads := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 257),
	}

	for _, payload := range payloads {
		size := EncodedRecordSize(len(payload))
		buf := make([]byte, size)
		n := EncodeRecord(buf, payload)
		if n != size {
			t.Fatalf("EncodeRecord() wrote %d bytes, want %d", n, size)
		}
		if size%4 != 0 {
			t.Errorf("record size %d is not 4-byte aligned", size)
		}

		got, recordSize, err := DecodeRecord(buf)
		if err != nil {
			t.Fatalf("DecodeRecord() error = %v", err)
		}
		if recordSize != size {
			t.Errorf("recordSize = %d, want %d", recordSize, size)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("DecodeRecord() payload = %q, want %q", got, payload)
		}
	}
}

func TestDecodeRecordHeaderInsufficientData(t *testing.T) {
	_, _, err := DecodeRecordHeader([]byte{1, 2})
	if err != ErrInsufficientData {
		t.Errorf("error = %v, want ErrInsufficientData", err)
	}
}

func TestDecodeRecordTruncatedPayload(t *testing.T) {
	buf := make([]byte, EncodedRecordSize(10))
	EncodeRecord(buf, make([]byte, 10))
	_, _, err := DecodeRecord(buf[:6])
	if err != ErrInsufficientData {
		t.Errorf("error = %v, want ErrInsufficientData", err)
	}
}
