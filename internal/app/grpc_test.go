package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
)

var testInfo = &grpc.UnaryServerInfo{FullMethod: "/escrow.v1.Test/Call"}

func TestErrorInterceptor(t *testing.T) {
	intercept := errorInterceptor()

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"business", apperr.ErrWagerNotFound, codes.NotFound},
		{"conflict", apperr.ErrAcceptConflict, codes.Aborted},
		{"plain", errors.New("boom"), codes.Internal},
		{"status passthrough", status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := intercept(context.Background(), nil, testInfo, func(context.Context, interface{}) (interface{}, error) {
				return nil, tt.err
			})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}

	resp, err := intercept(context.Background(), nil, testInfo, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRecoveryInterceptor(t *testing.T) {
	_, err := recoveryInterceptor()(context.Background(), nil, testInfo, func(context.Context, interface{}) (interface{}, error) {
		panic("unexpected")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}
