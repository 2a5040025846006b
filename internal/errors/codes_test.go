package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetCode(t *testing.T) {
	wrapped := fmt.Errorf("failed to append: %w", ChangelogFailed("write failed", stderrors.New("io")))

	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeChangelogFailed, GetCode(wrapped))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.True(t, IsReplicationError(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsFatal(DuplicateServer(3)))
}

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"duplicate", DuplicateServer(1), codes.AlreadyExists},
		{"out of order", ChangeOutOfOrder(1, stringer("a"), stringer("b")), codes.FailedPrecondition},
		{"shutdown", ShuttingDown(), codes.Unavailable},
		{"fatal", ChangelogFailed("boom", nil), codes.Internal},
		{"corrupt", CorruptedRecord("bad crc", nil), codes.DataLoss},
		{"plain", stderrors.New("x"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(ToGRPCError(tt.err))
			assert.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := DuplicateServer(7)
	assert.Equal(t, uint16(7), err.Details["server_id"])
	assert.Contains(t, err.Error(), "7")
}

type stringer string

func (s stringer) String() string { return string(s) }
