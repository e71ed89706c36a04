package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"cors-relay/internal/client"
	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
	"cors-relay/internal/model"
	"cors-relay/internal/service"
)

// passwordPattern matches the password part of URL userinfo embedded in error messages.
var passwordPattern = regexp.MustCompile(`(://[^:/\s"@]+:)[^@\s"/]+@`)

// RelayHandler serves relay requests: it answers CORS preflights, applies the
// optional method gate, and runs the relay pipeline.
type RelayHandler struct {
	service *service.RelayService
	metrics *metrics.Metrics
	logger  *slog.Logger
	maxBody int64
}

// NewRelayHandler creates a RelayHandler. The metrics parameter may be nil.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "relay_handler"),
		maxBody: cfg.Server.BodyMaxBytes,
	}
}

// Handle relays one request and writes the filtered response back.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		if h.metrics != nil {
			h.metrics.Preflights.Inc()
		}
		return writeResult(c, service.Preflight())
	}

	if err := h.service.CheckMethod(req.Method); err != nil {
		return h.mapError(c, err)
	}

	payload, err := h.readPayload(c)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := h.service.Relay(req.Context(), payload)
	if err != nil {
		return h.mapError(c, err)
	}

	return writeResult(c, res)
}

// readPayload reads the request body, enforcing server.body_max_bytes.
func (h *RelayHandler) readPayload(c echo.Context) ([]byte, error) {
	req := c.Request()
	if h.maxBody <= 0 {
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, &service.ValidationError{Msg: "read request body", Err: err}
		}
		return payload, nil
	}

	if req.ContentLength > h.maxBody {
		return nil, &service.PayloadTooLargeError{Limit: h.maxBody}
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, h.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &service.PayloadTooLargeError{Limit: mbe.Limit}
		}
		return nil, &service.ValidationError{Msg: "read request body", Err: err}
	}
	return payload, nil
}

// writeResult copies a RelayResult onto the response. Content-Length is
// recomputed from the body actually written.
func writeResult(c echo.Context, res *model.RelayResult) error {
	header := c.Response().Header()
	for key, vals := range res.Header {
		header[key] = vals
	}
	if len(res.Body) > 0 {
		header.Set(echo.HeaderContentLength, strconv.Itoa(len(res.Body)))
	} else {
		header.Del(echo.HeaderContentLength)
	}

	c.Response().WriteHeader(res.StatusCode)
	if len(res.Body) == 0 {
		return nil
	}
	_, err := c.Response().Write(res.Body)
	return err
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	status, kind := classifyError(err)
	msg := sanitizeError(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("relay error", "kind", kind, "err", msg, "path", c.Request().URL.Path)
	} else {
		h.logger.Info("relay rejected", "kind", kind, "err", msg, "path", c.Request().URL.Path)
	}
	if h.metrics != nil {
		h.metrics.RelayErrors.WithLabelValues(kind).Inc()
	}

	c.Response().Header().Set(service.HeaderAllowOrigin, service.AllowOrigin)
	return c.JSON(status, map[string]string{
		"error": msg,
	})
}

// classifyError maps a pipeline error to its response status and a bounded
// metrics label. Every upstream failure answers 500; the label keeps the cause.
func classifyError(err error) (int, string) {
	var (
		ve  *service.ValidationError
		ple *service.PayloadTooLargeError
		mna *service.MethodNotAllowedError
		fhe *service.ForbiddenHostError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &ple):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.As(err, &mna):
		return http.StatusMethodNotAllowed, "method_not_allowed"
	case errors.As(err, &fhe):
		return http.StatusForbidden, "forbidden_host"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusInternalServerError, "upstream_timeout"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusInternalServerError, "client_canceled"
	}
	if errors.Is(err, client.ErrResponseTooLarge) {
		return http.StatusInternalServerError, "upstream_too_large"
	}
	if errors.Is(err, client.ErrUnsupportedEncoding) {
		return http.StatusInternalServerError, "upstream_encoding"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusInternalServerError, "upstream_dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusInternalServerError, "upstream_timeout"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return http.StatusInternalServerError, "upstream_connection"
	}

	return http.StatusInternalServerError, "upstream"
}

// sanitizeError redacts URL passwords from error messages.
func sanitizeError(err error) string {
	return passwordPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
