package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status          string   `json:"status"`
	Version         string   `json:"version"`
	RequirePost     bool     `json:"require_post"`
	AllowedHosts    []string `json:"allowed_hosts"`
	UpstreamTimeout int      `json:"upstream_timeout_seconds"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	hosts := h.cfg.Relay.AllowedHosts
	if hosts == nil {
		hosts = []string{}
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:          "ok",
		Version:         string(h.version),
		RequirePost:     h.cfg.Relay.RequirePost,
		AllowedHosts:    hosts,
		UpstreamTimeout: h.cfg.Upstream.TimeoutSeconds,
	})
}
