package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChecksum(t *testing.T) {
	data := []byte("change record payload")
	checksum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, checksum))
}

func TestAppendAndStripChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withChecksum := AppendChecksum(append([]byte{}, tt.data...))
			require.Len(t, withChecksum, len(tt.data)+ChecksumSize)

			recovered, valid := ValidateAndStripChecksum(withChecksum)
			assert.True(t, valid)
			assert.Equal(t, tt.data, recovered)
		})
	}
}

func TestCorruptedChecksum(t *testing.T) {
	withChecksum := AppendChecksum([]byte("test data"))
	withChecksum[len(withChecksum)-1] ^= 0xFF

	_, valid := ValidateAndStripChecksum(withChecksum)
	assert.False(t, valid)

	_, valid = ValidateAndStripChecksum([]byte{0x01, 0x02})
	assert.False(t, valid, "data shorter than the trailer")
}

func BenchmarkAppendChecksum(b *testing.B) {
	data := make([]byte, 1024, 1024+ChecksumSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		AppendChecksum(data[:1024])
	}
}
