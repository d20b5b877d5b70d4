package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"retry-proxy-go/internal/config"
	"retry-proxy-go/internal/retry"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

type retryStatus struct {
	MaxAttempts         int     `json:"max_attempts"`
	InitialIntervalMS   int     `json:"initial_interval_ms"`
	MaxIntervalMS       int     `json:"max_interval_ms"`
	Multiplier          float64 `json:"multiplier"`
	RandomizationFactor float64 `json:"randomization_factor"`
}

type statusResponse struct {
	Status      string      `json:"status"`
	Version     string      `json:"version"`
	UpstreamURL string      `json:"upstream_url"`
	Retry       retryStatus `json:"retry"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information, including the active retry policy.
func (h *HealthHandler) Status(c echo.Context) error {
	rc := h.cfg.Retry
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Retry: retryStatus{
			MaxAttempts:         retry.MaxAttempts,
			InitialIntervalMS:   rc.InitialIntervalMS,
			MaxIntervalMS:       rc.MaxIntervalMS,
			Multiplier:          rc.Multiplier,
			RandomizationFactor: rc.RandomizationFactor,
		},
	})
}
