package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_IsByCode(t *testing.T) {
	wrapped := Wrap(ErrAcceptConflict, stderrors.New("rows affected 0"))
	assert.True(t, Is(wrapped, ErrAcceptConflict))
	assert.False(t, Is(wrapped, ErrSoftLocked))

	// fmt.Errorf 包装后仍可识别
	outer := fmt.Errorf("accept: %w", wrapped)
	assert.True(t, Is(outer, ErrAcceptConflict))
	assert.Equal(t, "ACCEPT_CONFLICT", GetCode(outer))
}

func TestError_WithDetailDoesNotMutateOriginal(t *testing.T) {
	e := ErrTransferFailed.WithDetail("step", "sweep")
	assert.Equal(t, "sweep", e.Details["step"])
	assert.Nil(t, ErrTransferFailed.Details)
}

func TestToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, ToHTTPStatus(nil))
	assert.Equal(t, http.StatusConflict, ToHTTPStatus(ErrAcceptConflict))
	assert.Equal(t, http.StatusBadRequest, ToHTTPStatus(ErrInvalidStake))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(stderrors.New("boom")))
}

func TestToGRPCError(t *testing.T) {
	assert.Nil(t, ToGRPCError(nil))
	st, ok := status.FromError(ToGRPCError(ErrWagerNotFound))
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
}

func TestClassification(t *testing.T) {
	assert.True(t, IsConflict(ErrSoftLocked))
	assert.True(t, IsConflict(ErrInvalidWagerStatus))
	assert.False(t, IsConflict(ErrInvalidSide))

	assert.True(t, IsInvalidArgument(ErrSelfAccept))
	assert.False(t, IsInvalidArgument(stderrors.New("x")))

	assert.True(t, IsRetryable(ErrLedgerUnavailable))
	assert.False(t, IsRetryable(ErrSecretCorrupted))
	assert.False(t, IsRetryable(nil))
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))
	assert.Equal(t, "WAGER_NOT_FOUND", FromError(ErrWagerNotFound).Code)
	assert.Equal(t, "INTERNAL_ERROR", FromError(stderrors.New("x")).Code)
}
