package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retry-proxy-go/internal/config"
	"retry-proxy-go/internal/metrics"
	"retry-proxy-go/internal/model"
)

var errConnRefused = errors.New("connect: connection refused")

// fakeForwarder fails the first `failures` calls and then returns resp.
type fakeForwarder struct {
	mu       sync.Mutex
	calls    int
	failures int
	resp     *model.UpstreamResponse
	onCall   func(n int)
}

func (f *fakeForwarder) Forward(context.Context, *model.InboundRequest) (*model.UpstreamResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(n)
	}
	if n <= f.failures {
		return nil, errConnRefused
	}
	return f.resp, nil
}

func (f *fakeForwarder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inbound() *model.InboundRequest {
	return &model.InboundRequest{Method: http.MethodGet, Path: "/items/42", Header: http.Header{}}
}

func TestForwardWithRetry_SucceedsAfterFailures(t *testing.T) {
	ok := &model.UpstreamResponse{StatusCode: http.StatusOK, Body: []byte(`{"id":42}`)}

	for k := 0; k < MaxAttempts; k++ {
		fwd := &fakeForwarder{failures: k, resp: ok}
		c := New(fwd, zeroBackOff, discardLogger(), nil)

		resp, err := c.ForwardWithRetry(context.Background(), inbound())
		require.NoError(t, err, "k=%d", k)
		assert.Same(t, ok, resp)
		assert.Equal(t, k+1, fwd.Calls(), "k=%d", k)
	}
}

func TestForwardWithRetry_ExhaustsAfterMaxAttempts(t *testing.T) {
	fwd := &fakeForwarder{failures: 1 << 30}
	c := New(fwd, zeroBackOff, discardLogger(), nil)

	resp, err := c.ForwardWithRetry(context.Background(), inbound())
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, MaxAttempts, fwd.Calls())

	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, errConnRefused)

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, MaxAttempts, ee.Attempts)
	assert.Equal(t, errConnRefused, ee.Last)
}

func TestForwardWithRetry_ErrorStatusIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			resp := &model.UpstreamResponse{StatusCode: status}
			fwd := &fakeForwarder{resp: resp}
			c := New(fwd, zeroBackOff, discardLogger(), nil)

			got, err := c.ForwardWithRetry(context.Background(), inbound())
			require.NoError(t, err)
			assert.Equal(t, status, got.StatusCode)
			assert.Equal(t, 1, fwd.Calls())
		})
	}
}

// recordingBackOff remembers every delay it hands out.
type recordingBackOff struct {
	inner  backoff.BackOff
	delays []time.Duration
}

func (r *recordingBackOff) NextBackOff() time.Duration {
	d := r.inner.NextBackOff()
	r.delays = append(r.delays, d)
	return d
}

func (r *recordingBackOff) Reset() { r.inner.Reset() }

func TestForwardWithRetry_DelaysNonDecreasing(t *testing.T) {
	p := DefaultPolicy()
	p.InitialInterval = 100 * time.Microsecond

	rec := &recordingBackOff{inner: p.NewBackOff()}
	fwd := &fakeForwarder{failures: 1 << 30}
	c := New(fwd, func() backoff.BackOff { return rec }, discardLogger(), nil)

	_, err := c.ForwardWithRetry(context.Background(), inbound())
	require.ErrorIs(t, err, ErrRetryExhausted)

	require.Len(t, rec.delays, MaxAttempts-1)
	for i := 1; i < len(rec.delays); i++ {
		assert.GreaterOrEqual(t, rec.delays[i], rec.delays[i-1], "delay %d", i)
	}
}

func TestDefaultPolicy_SamplesNonDecreasing(t *testing.T) {
	p := DefaultPolicy()

	for range 500 {
		b := p.NewBackOff()
		prev := time.Duration(0)
		for n := 1; n < MaxAttempts; n++ {
			d := b.NextBackOff()
			require.NotEqual(t, backoff.Stop, d)
			require.GreaterOrEqual(t, d, prev, "attempt %d", n)
			prev = d
		}
	}
}

func TestPolicy_HeldAtMaxInterval(t *testing.T) {
	p := Policy{
		InitialInterval:     time.Second,
		MaxInterval:         time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.25,
	}

	for range 200 {
		b := p.NewBackOff()
		prev := time.Duration(0)
		for range MaxAttempts - 1 {
			d := b.NextBackOff()
			require.GreaterOrEqual(t, d, prev)
			require.LessOrEqual(t, d, 1250*time.Millisecond)
			prev = d
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(&config.RetryConfig{
		InitialIntervalMS:   250,
		MaxIntervalMS:       5000,
		Multiplier:          3,
		RandomizationFactor: 0.1,
	})

	assert.Equal(t, Policy{
		InitialInterval:     250 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          3,
		RandomizationFactor: 0.1,
	}, p)
}

func TestDefaultPolicy_FirstDelayBounds(t *testing.T) {
	p := DefaultPolicy()

	for range 200 {
		d := p.NewBackOff().NextBackOff()
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestForwardWithRetry_FreshScheduleEachCall(t *testing.T) {
	var created atomic.Int32
	factory := func() backoff.BackOff {
		created.Add(1)
		return &backoff.ZeroBackOff{}
	}

	c := New(&fakeForwarder{resp: &model.UpstreamResponse{StatusCode: http.StatusOK}}, factory, discardLogger(), nil)
	for range 3 {
		_, err := c.ForwardWithRetry(context.Background(), inbound())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), created.Load())
}

func TestForwardWithRetry_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fwd := &fakeForwarder{
		failures: 1 << 30,
		onCall: func(n int) {
			if n == 1 {
				go func() {
					time.Sleep(20 * time.Millisecond)
					cancel()
				}()
			}
		},
	}
	long := func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }
	c := New(fwd, long, discardLogger(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.ForwardWithRetry(ctx, inbound())
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrRetryExhausted)
		assert.Equal(t, 1, fwd.Calls())
	case <-time.After(5 * time.Second):
		t.Fatal("ForwardWithRetry did not return after cancellation")
	}
}

func TestForwardWithRetry_AlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fwd := &fakeForwarder{failures: 1 << 30}
	c := New(fwd, zeroBackOff, discardLogger(), nil)

	_, err := c.ForwardWithRetry(ctx, inbound())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fwd.Calls())
}

func TestForwardWithRetry_Metrics(t *testing.T) {
	m := metrics.New()

	ok := New(&fakeForwarder{failures: 3, resp: &model.UpstreamResponse{StatusCode: http.StatusOK}}, zeroBackOff, discardLogger(), m)
	_, err := ok.ForwardWithRetry(context.Background(), inbound())
	require.NoError(t, err)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.RetriesTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RetriesExhausted))

	failing := New(&fakeForwarder{failures: 1 << 30}, zeroBackOff, discardLogger(), m)
	_, err = failing.ForwardWithRetry(context.Background(), inbound())
	require.Error(t, err)

	assert.Equal(t, float64(3+MaxAttempts-1), testutil.ToFloat64(m.RetriesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetriesExhausted))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "retry_proxy_attempts_per_request" {
			continue
		}
		found = true
		h := f.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(2), h.GetSampleCount())
		assert.Equal(t, float64(4+MaxAttempts), h.GetSampleSum())
	}
	assert.True(t, found, "attempts histogram not gathered")
}

// perRequestForwarder fails the first two attempts of every distinct request.
type perRequestForwarder struct {
	mu    sync.Mutex
	calls map[*model.InboundRequest]int
}

func (f *perRequestForwarder) Forward(_ context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	f.mu.Lock()
	f.calls[in]++
	n := f.calls[in]
	f.mu.Unlock()

	if n <= 2 {
		return nil, errConnRefused
	}
	return &model.UpstreamResponse{StatusCode: http.StatusOK}, nil
}

func TestForwardWithRetry_ConcurrentRequestsIndependent(t *testing.T) {
	const workers = 16

	fwd := &perRequestForwarder{calls: make(map[*model.InboundRequest]int)}
	c := New(fwd, zeroBackOff, discardLogger(), nil)

	reqs := make([]*model.InboundRequest, workers)
	var wg sync.WaitGroup
	for i := range workers {
		reqs[i] = inbound()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ForwardWithRetry(context.Background(), reqs[i])
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, r := range reqs {
		assert.Equal(t, 3, fwd.calls[r])
	}
}

func TestExhaustedError_Message(t *testing.T) {
	err := &ExhaustedError{Attempts: 10, Last: errConnRefused}
	assert.Equal(t, "retries exhausted after 10 attempts: connect: connection refused", err.Error())
}
