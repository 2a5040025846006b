package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// ChangeNumberSize is the width of an encoded ChangeNumber in bytes
const ChangeNumberSize = 14

// ChangeNumber identifies a change. Numbers are totally ordered by
// (Time, Seq, ReplicaID).
type ChangeNumber struct {
	Time      uint64 // milliseconds since epoch
	Seq       uint32
	ReplicaID uint16
}

// Compare returns -1, 0 or +1
func (cn ChangeNumber) Compare(other ChangeNumber) int {
	switch {
	case cn.Time != other.Time:
		return cmpUint(cn.Time < other.Time)
	case cn.Seq != other.Seq:
		return cmpUint(cn.Seq < other.Seq)
	case cn.ReplicaID != other.ReplicaID:
		return cmpUint(cn.ReplicaID < other.ReplicaID)
	}
	return 0
}

func cmpUint(less bool) int {
	if less {
		return -1
	}
	return 1
}

// Less reports whether cn sorts before other
func (cn ChangeNumber) Less(other ChangeNumber) bool {
	return cn.Compare(other) < 0
}

// IsZero reports whether cn is the zero value
func (cn ChangeNumber) IsZero() bool {
	return cn == ChangeNumber{}
}

// Timestamp returns the wall-clock part of the change number
func (cn ChangeNumber) Timestamp() time.Time {
	return time.UnixMilli(int64(cn.Time))
}

// Bytes returns the fixed-width big-endian encoding. Byte-wise comparison
// of two encodings matches Compare.
func (cn ChangeNumber) Bytes() []byte {
	return cn.AppendBytes(make([]byte, 0, ChangeNumberSize))
}

// AppendBytes appends the encoding of cn to dst
func (cn ChangeNumber) AppendBytes(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, cn.Time)
	dst = binary.BigEndian.AppendUint32(dst, cn.Seq)
	return binary.BigEndian.AppendUint16(dst, cn.ReplicaID)
}

// String renders the change number as 28 hex characters
func (cn ChangeNumber) String() string {
	return hex.EncodeToString(cn.Bytes())
}

// ParseChangeNumber decodes the output of Bytes
func ParseChangeNumber(b []byte) (ChangeNumber, error) {
	if len(b) != ChangeNumberSize {
		return ChangeNumber{}, fmt.Errorf("invalid change number length %d", len(b))
	}
	return ChangeNumber{
		Time:      binary.BigEndian.Uint64(b[0:8]),
		Seq:       binary.BigEndian.Uint32(b[8:12]),
		ReplicaID: binary.BigEndian.Uint16(b[12:14]),
	}, nil
}

// ParseChangeNumberString decodes the output of String
func ParseChangeNumberString(s string) (ChangeNumber, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ChangeNumber{}, fmt.Errorf("invalid change number %q: %w", s, err)
	}
	return ParseChangeNumber(b)
}
