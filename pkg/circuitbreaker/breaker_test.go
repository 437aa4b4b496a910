package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker() (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(DefaultConfig(), WithClock(clock.Now)), clock
}

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errBoom })
		assert.Equal(t, StateClosed, cb.State())
	}
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker()

	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// 第一个试探请求放行，在途期间其余请求全部拒绝
	require.NoError(t, cb.Allow())
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	}

	cb.Success()
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	clock.Advance(60 * time.Second)

	err := cb.Execute(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// 冷却时间从最近一次失败重新计算
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string
	cb := New(DefaultConfig(), WithClock(clock.Now), WithStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	clock.Advance(time.Minute)
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return nil })

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	cb.Reset()

	stats := cb.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.Failures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
