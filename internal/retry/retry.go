// Package retry wraps upstream forwarding in a bounded exponential-backoff loop.
//
// Every error returned by the forwarder is retried: the loop cannot tell a
// flaky network from a flaky upstream and treats both the same way. A
// response, whatever its status code, ends the loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"retry-proxy-go/internal/config"
	"retry-proxy-go/internal/metrics"
	"retry-proxy-go/internal/model"
	"retry-proxy-go/internal/service"
	"retry-proxy-go/internal/tracing"
)

// MaxAttempts is the total number of forward attempts per inbound request,
// the first one included.
const MaxAttempts = 10

// maxElapsed lifts the backoff library's default 15 minute budget well above
// what MaxAttempts can consume with any validated policy.
const maxElapsed = 24 * time.Hour

// ErrRetryExhausted matches every *ExhaustedError via errors.Is.
var ErrRetryExhausted = errors.New("retries exhausted")

// ExhaustedError reports that no attempt produced a response.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Last} }

// Forwarder performs a single upstream attempt.
type Forwarder interface {
	Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error)
}

// BackOffFactory returns a fresh delay schedule for one inbound request.
type BackOffFactory func() backoff.BackOff

// Controller runs the retry loop. It holds no per-request state and is safe
// for concurrent use.
type Controller struct {
	forwarder  Forwarder
	newBackOff BackOffFactory
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewController creates a Controller around the upstream forwarder using the
// configured backoff policy.
func NewController(f *service.Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Controller {
	return New(f, PolicyFromConfig(&cfg.Retry).NewBackOff, logger, m)
}

// New creates a Controller. The metrics parameter is optional.
func New(f Forwarder, newBackOff BackOffFactory, logger *slog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		forwarder:  f,
		newBackOff: newBackOff,
		logger:     logger.With("component", "retry_controller"),
		metrics:    m,
	}
}

// ForwardWithRetry forwards in until an attempt yields a response, MaxAttempts
// attempts have failed, or ctx is done. On exhaustion the error is an
// *ExhaustedError wrapping the last attempt's error.
func (c *Controller) ForwardWithRetry(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	ctx, span := tracing.Tracer().Start(ctx, "proxy.forward_with_retry",
		trace.WithAttributes(
			attribute.String("http.request.method", in.Method),
			attribute.Int("retry.max_attempts", MaxAttempts),
		),
	)
	defer span.End()

	attempt := 0
	operation := func() (*model.UpstreamResponse, error) {
		attempt++
		return c.forwarder.Forward(ctx, in)
	}
	notify := func(err error, delay time.Duration) {
		c.logger.Debug("upstream attempt failed; retrying",
			"attempt", attempt,
			"delay", delay,
			"err", err,
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("retry.attempt", attempt),
			attribute.Int64("retry.delay_ms", delay.Milliseconds()),
		))
		if c.metrics != nil {
			c.metrics.RetriesTotal.Inc()
		}
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(MaxAttempts),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(notify),
	)

	span.SetAttributes(attribute.Int("retry.attempts", attempt))
	if c.metrics != nil {
		c.metrics.AttemptsPerCall.Observe(float64(attempt))
	}

	if err == nil {
		return resp, nil
	}

	span.RecordError(err)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "canceled")
		return nil, fmt.Errorf("forward canceled after %d attempts: %w", attempt, err)
	}

	span.SetStatus(codes.Error, "retries exhausted")
	if c.metrics != nil {
		c.metrics.RetriesExhausted.Inc()
	}
	return nil, &ExhaustedError{Attempts: attempt, Last: err}
}
