package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(&Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_Noop(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "settle", AttrWagerID.String("w-1"))
	assert.NotNil(t, span)
	// noop provider 不产生 trace id
	assert.Equal(t, "", TraceID(ctx))
	End(span, errors.New("x"))
}
