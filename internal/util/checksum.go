package util

import (
	"encoding/binary"
	"hash/crc32"
)

// ChecksumSize is the width of the CRC32 trailer added by AppendChecksum
const ChecksumSize = 4

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends a little-endian CRC32 trailer to data in place.
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	return binary.LittleEndian.AppendUint32(data, ComputeChecksum(data))
}

// ValidateAndStripChecksum checks the trailer written by AppendChecksum and
// returns the data without it. The returned slice aliases the input.
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < ChecksumSize {
		return nil, false
	}

	dataLen := len(dataWithChecksum) - ChecksumSize
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(data, expected)
}
