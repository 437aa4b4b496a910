package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/pkg/circuitbreaker"
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

var (
	errDown     = errors.New("connection refused")
	testBreaker = config.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: 60 * time.Second}
)

// recorder 记录每个节点的调用次数，按 url 决定是否失败
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), fail: make(map[string]error)}
}

func (r *recorder) setFail(url string, err error) {
	r.mu.Lock()
	r.fail[url] = err
	r.mu.Unlock()
}

func (r *recorder) count(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[url]
}

func (r *recorder) op(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[url]++
	return r.fail[url]
}

func newTestGateway(t *testing.T, urls ...string) (*Gateway, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	g, err := NewGateway(urls, testBreaker, WithClock(clock.Now))
	require.NoError(t, err)
	return g, clock
}

func TestNewGateway_NoEndpoints(t *testing.T) {
	_, err := NewGateway(nil, testBreaker)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestGateway_StopsAtFirstSuccess(t *testing.T) {
	g, _ := newTestGateway(t, "http://a", "http://b")
	rec := newRecorder()

	require.NoError(t, g.CallWithFailover(context.Background(), rec.op))
	assert.Equal(t, 1, rec.count("http://a"))
	assert.Equal(t, 0, rec.count("http://b"))
}

func TestGateway_FailsOverInPriorityOrder(t *testing.T) {
	g, _ := newTestGateway(t, "http://a", "http://b", "http://c")
	rec := newRecorder()
	rec.setFail("http://a", errDown)

	require.NoError(t, g.CallWithFailover(context.Background(), rec.op))
	assert.Equal(t, 1, rec.count("http://a"))
	assert.Equal(t, 1, rec.count("http://b"))
	assert.Equal(t, 0, rec.count("http://c"))

	// 计数只作用于被尝试的节点
	stats := g.Stats()
	assert.Equal(t, 1, stats[0].Failures)
	assert.Equal(t, 0, stats[1].Failures)
	assert.Equal(t, 0, stats[2].Failures)
}

func TestGateway_ExhaustedNamesLastFailure(t *testing.T) {
	g, _ := newTestGateway(t, "http://a", "http://b")
	rec := newRecorder()
	rec.setFail("http://a", errDown)
	lastErr := errors.New("b timeout")
	rec.setFail("http://b", lastErr)

	err := g.CallWithFailover(context.Background(), rec.op)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	assert.ErrorIs(t, err, lastErr)
	assert.Contains(t, err.Error(), "b timeout")

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Attempted)
	assert.Equal(t, 0, exhausted.Skipped)
}

func TestGateway_BreakerOpensAndSkips(t *testing.T) {
	g, clock := newTestGateway(t, "http://a", "http://b")
	rec := newRecorder()
	rec.setFail("http://a", errDown)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CallWithFailover(ctx, rec.op))
	}
	assert.Equal(t, 3, rec.count("http://a"))
	assert.Equal(t, circuitbreaker.StateOpen, g.Stats()[0].State)

	// 打开后 A 被完全跳过
	for i := 0; i < 5; i++ {
		require.NoError(t, g.CallWithFailover(ctx, rec.op))
	}
	assert.Equal(t, 3, rec.count("http://a"))
	assert.Equal(t, 8, rec.count("http://b"))

	// 冷却期未到仍跳过
	clock.Advance(59 * time.Second)
	require.NoError(t, g.CallWithFailover(ctx, rec.op))
	assert.Equal(t, 3, rec.count("http://a"))

	// 冷却期后进入半开，A 恢复并经两次成功后关闭
	clock.Advance(time.Second)
	rec.setFail("http://a", nil)
	require.NoError(t, g.CallWithFailover(ctx, rec.op))
	assert.Equal(t, 4, rec.count("http://a"))
	assert.Equal(t, circuitbreaker.StateHalfOpen, g.Stats()[0].State)

	require.NoError(t, g.CallWithFailover(ctx, rec.op))
	assert.Equal(t, 5, rec.count("http://a"))
	assert.Equal(t, circuitbreaker.StateClosed, g.Stats()[0].State)
}

func TestGateway_ResetBreaker(t *testing.T) {
	g, _ := newTestGateway(t, "http://a", "http://b")
	rec := newRecorder()
	rec.setFail("http://a", errDown)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CallWithFailover(ctx, rec.op))
	}
	stats := g.Stats()
	assert.Equal(t, "a", stats[0].URL)
	assert.Equal(t, circuitbreaker.StateOpen, stats[0].State)

	data, err := json.Marshal(stats[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"open"`)

	assert.False(t, g.ResetBreaker("missing"))
	assert.True(t, g.ResetBreaker("a"))
	assert.Equal(t, circuitbreaker.StateClosed, g.Stats()[0].State)
	assert.Equal(t, 0, g.Stats()[0].Failures)

	// 冷却期未到也重新按优先级尝试 A
	rec.setFail("http://a", nil)
	require.NoError(t, g.CallWithFailover(ctx, rec.op))
	assert.Equal(t, 4, rec.count("http://a"))
}

func TestGateway_HalfOpenSingleTrial(t *testing.T) {
	g, clock := newTestGateway(t, "http://a", "http://b")
	rec := newRecorder()
	rec.setFail("http://a", errDown)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CallWithFailover(ctx, rec.op))
	}
	clock.Advance(60 * time.Second)

	// 半开试探请求挂起期间，其它并发调用跳过 A
	trialStarted := make(chan struct{})
	release := make(chan struct{})
	var aTrials int
	var mu sync.Mutex

	slowOp := func(ctx context.Context, url string) error {
		if url == "http://a" {
			mu.Lock()
			aTrials++
			first := aTrials == 1
			mu.Unlock()
			if first {
				close(trialStarted)
				<-release
			}
			return nil
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- g.CallWithFailover(ctx, slowOp) }()
	<-trialStarted

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.CallWithFailover(ctx, slowOp))
		}()
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, aTrials)
	mu.Unlock()

	close(release)
	require.NoError(t, <-done)
}

func TestGateway_HalfOpenFailureReopens(t *testing.T) {
	g, clock := newTestGateway(t, "http://a", "http://b")
	rec := newRecorder()
	rec.setFail("http://a", errDown)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CallWithFailover(ctx, rec.op))
	}
	clock.Advance(60 * time.Second)

	require.NoError(t, g.CallWithFailover(ctx, rec.op))
	assert.Equal(t, 4, rec.count("http://a"))
	assert.Equal(t, circuitbreaker.StateOpen, g.Stats()[0].State)

	// 重新计算冷却期
	require.NoError(t, g.CallWithFailover(ctx, rec.op))
	assert.Equal(t, 4, rec.count("http://a"))
}

func TestGateway_AllOpenIsExhausted(t *testing.T) {
	g, _ := newTestGateway(t, "http://a")
	rec := newRecorder()
	rec.setFail("http://a", errDown)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, g.CallWithFailover(ctx, rec.op))
	}
	assert.False(t, g.Healthy())

	err := g.CallWithFailover(ctx, rec.op)
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 3, rec.count("http://a"))
}

func TestGateway_PermanentErrorDoesNotFailover(t *testing.T) {
	g, _ := newTestGateway(t, "http://a", "http://b")
	errNotFound := errors.New("not found")
	ctx := context.Background()

	calls := 0
	err := g.CallWithFailover(ctx, func(ctx context.Context, url string) error {
		calls++
		return Permanent(errNotFound)
	})
	assert.ErrorIs(t, err, errNotFound)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, g.Stats()[0].Failures)
}

func TestGateway_RetryWholeRound(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	g, err := NewGateway([]string{"http://a", "http://b"},
		config.BreakerConfig{FailureThreshold: 10, SuccessThreshold: 2, Cooldown: time.Minute},
		WithClock(clock.Now),
		WithRetry(RetryPolicy{MaxAttempts: 2}),
	)
	require.NoError(t, err)

	rec := newRecorder()
	rec.setFail("http://a", errDown)
	rec.setFail("http://b", errDown)

	err = g.CallWithFailover(context.Background(), rec.op)
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	assert.Equal(t, 2, rec.count("http://a"))
	assert.Equal(t, 2, rec.count("http://b"))

	// 节点已应答的错误不重试
	calls := 0
	_ = g.CallWithFailover(context.Background(), func(ctx context.Context, url string) error {
		calls++
		return Permanent(errDown)
	})
	assert.Equal(t, 1, calls)
}

func TestGateway_CancelledContextNotCounted(t *testing.T) {
	g, _ := newTestGateway(t, "http://a", "http://b")
	ctx, cancel := context.WithCancel(context.Background())

	err := g.CallWithFailover(ctx, func(ctx context.Context, url string) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, g.Stats()[0].Failures)
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "mainnet.example.com", endpointLabel("https://mainnet.example.com/v2/secret-key"))
	assert.Equal(t, "not a url", endpointLabel("not a url"))
}
