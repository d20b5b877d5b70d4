package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"retry-proxy-go/internal/config"
	"retry-proxy-go/internal/metrics"
	"retry-proxy-go/internal/model"
	"retry-proxy-go/internal/retry"
	"retry-proxy-go/internal/tracing"
)

// internalErrorBody is the only body a caller ever sees when the proxy
// itself fails. Upstream detail stays in the logs.
const internalErrorBody = "Internal Server Error"

// ProxyHandler relays every inbound request to the upstream through the
// retry controller.
type ProxyHandler struct {
	controller *retry.Controller
	buffer     config.BufferConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(ctrl *retry.Controller, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		controller: ctrl,
		buffer:     cfg.Buffer,
		logger:     logger.With("component", "proxy_handler"),
		metrics:    m,
	}
}

// Handle forwards the request and writes the upstream response back
// unchanged, whatever its status code.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// Incoming trace context only parents our spans; it is not re-injected.
	ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
	ctx, span := tracing.Tracer().Start(ctx, "proxy.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.EscapedPath()),
		),
	)
	defer span.End()

	in, err := h.capture(req)
	if err != nil {
		span.SetStatus(codes.Error, "capture failed")
		return h.mapError(c, err)
	}
	defer func() { _ = in.Body.Close() }()

	resp, err := h.controller.ForwardWithRetry(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, "forward failed")
		return h.mapError(c, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusInternalServerError || resp.StatusCode == http.StatusBadGateway {
		h.logger.Error("upstream error response",
			"status", resp.StatusCode,
			"body", string(resp.Body),
			"method", in.Method,
			"path", in.Path,
		)
		if h.metrics != nil {
			h.metrics.UpstreamFailuresLogged.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		}
	}

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out; a failed write only truncates the body.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Warn("writing response body",
			"err", err,
			"path", in.Path,
		)
	}

	return nil
}

// capture snapshots the inbound request. Go moves Host out of the header
// map; it is put back so the upstream sees the same Host.
func (h *ProxyHandler) capture(req *http.Request) (*model.InboundRequest, error) {
	body, err := model.BufferPayload(req.Body, h.buffer.MemoryLimitBytes, h.buffer.SpillDir)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if req.Host != "" {
		header.Set("Host", req.Host)
	}

	return &model.InboundRequest{
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   header,
		Body:     body,
	}, nil
}

// mapError logs the failure once and answers with a generic 500. A listener
// error raised while reading the body (such as the body limit) keeps its
// own status.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()
	attrs := []any{
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		attrs = append(attrs, "attempts", exhausted.Attempts)
	}
	h.logger.Error("proxy request failed", attrs...)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	return c.String(http.StatusInternalServerError, internalErrorBody)
}
