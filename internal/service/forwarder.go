// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"retry-proxy-go/internal/client"
	"retry-proxy-go/internal/config"
	"retry-proxy-go/internal/model"
	"retry-proxy-go/internal/tracing"
)

// ErrInvalidTarget is returned when the upstream base URL is missing or unusable.
var ErrInvalidTarget = errors.New("invalid upstream target")

// TransportError is the single failure type of a forward attempt: the
// upstream could not be reached or did not produce a complete response.
// A response with an error status is never a TransportError.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("forward %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Forwarder builds and sends exactly one upstream request per call.
type Forwarder struct {
	client  *client.UpstreamClient
	baseURL string
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder for the configured upstream target.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	base := cfg.Upstream.BaseURL
	if base == "" {
		return nil, fmt.Errorf("%w: upstream.base_url is empty", ErrInvalidTarget)
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, base)
	}

	return &Forwarder{
		client:  c,
		baseURL: base,
		logger:  logger.With("component", "forwarder"),
	}, nil
}

// Forward sends in to the upstream once and returns the complete response.
// Method, headers and body are sent exactly as received. Every failure is a
// *TransportError.
func (f *Forwarder) Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	target := f.outboundURL(in)

	ctx, span := tracing.Tracer().Start(ctx, "upstream.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", in.Method),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	resp, err := f.forward(ctx, in, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, &TransportError{Method: in.Method, URL: target, Err: err}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (f *Forwarder) forward(ctx context.Context, in *model.InboundRequest, target string) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, in.Method, target, in.Body.NewReader())
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.ContentLength = in.Body.Len()
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(in.Body.NewReader()), nil
	}
	req.Header = copyHeader(in.Header)
	if host := in.Header.Get("Host"); host != "" {
		req.Host = host
	}

	f.logger.Debug("forwarding request",
		"method", in.Method,
		"path", in.Path,
		"body_bytes", in.Body.Len(),
	)

	return f.client.Do(req)
}

// outboundURL concatenates the base URL and the inbound path as plain strings.
// No normalization happens, so a trailing slash on the base yields "//".
func (f *Forwarder) outboundURL(in *model.InboundRequest) string {
	target := f.baseURL + in.Path
	if in.RawQuery != "" {
		target += "?" + in.RawQuery
	}
	return target
}

// copyHeader deep-copies src. An absent User-Agent is pinned to empty so the
// Go client does not add its own.
func copyHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	if _, ok := dst["User-Agent"]; !ok {
		dst["User-Agent"] = []string{""}
	}
	return dst
}
