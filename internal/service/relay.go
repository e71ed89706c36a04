// Package service implements the relay's request/response translation pipeline.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"cors-relay/internal/config"
	"cors-relay/internal/model"
)

// DefaultUserAgent is sent when the caller supplies no User-Agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// CORS header names and the values the relay always answers with.
const (
	HeaderAllowOrigin  = "Access-Control-Allow-Origin"
	HeaderAllowMethods = "Access-Control-Allow-Methods"
	HeaderAllowHeaders = "Access-Control-Allow-Headers"

	AllowOrigin  = "*"
	AllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	AllowHeaders = "Content-Type, Authorization"
)

// Validation messages for the target url.
const (
	MsgMissingURL = "Missing 'url' field"
	MsgInvalidURL = "Invalid 'url' field"
)

// bodyMethods are the methods that carry a body to the target.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// standardMethods are upper-cased before dispatch; other methods are sent as given.
var standardMethods = map[string]bool{
	http.MethodDelete:  true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodPost:    true,
	http.MethodPut:     true,
}

// droppedResponseHeaders never reach the caller (lower-case).
var droppedResponseHeaders = map[string]bool{
	"set-cookie":       true,
	"content-encoding": true,
}

// Sender performs a single outbound round trip.
type Sender interface {
	Send(ctx context.Context, req *model.OutboundRequest) (*model.OutboundResponse, error)
}

// RelayService turns relay payloads into outbound requests and filters the responses.
// It holds no per-request state and is safe for concurrent use.
type RelayService struct {
	sender       Sender
	logger       *slog.Logger
	requirePost  bool
	allowedHosts map[string]bool
}

// NewRelayService creates a RelayService.
func NewRelayService(sender Sender, cfg *config.Config, logger *slog.Logger) *RelayService {
	var allowed map[string]bool
	if len(cfg.Relay.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.Relay.AllowedHosts))
		for _, h := range cfg.Relay.AllowedHosts {
			allowed[strings.ToLower(h)] = true
		}
	}

	return &RelayService{
		sender:       sender,
		logger:       logger.With("component", "relay_service"),
		requirePost:  cfg.Relay.RequirePost,
		allowedHosts: allowed,
	}
}

// Preflight returns the fixed answer to a CORS preflight request.
func Preflight() *model.RelayResult {
	h := make(http.Header)
	h.Set(HeaderAllowOrigin, AllowOrigin)
	h.Set(HeaderAllowMethods, AllowMethods)
	h.Set(HeaderAllowHeaders, AllowHeaders)
	return &model.RelayResult{StatusCode: http.StatusOK, Header: h}
}

// CheckMethod applies the transport-method gate. It only rejects when
// relay.require_post is enabled and the method is neither POST nor OPTIONS.
func (s *RelayService) CheckMethod(method string) error {
	if !s.requirePost || method == http.MethodPost || method == http.MethodOptions {
		return nil
	}
	return &MethodNotAllowedError{Method: method}
}

// RequirePost reports whether the transport-method gate is enforced.
func (s *RelayService) RequirePost() bool {
	return s.requirePost
}

// Relay runs the full pipeline for one payload: parse, normalize, dispatch
// once, filter the response. Every failure is returned as a typed error.
func (s *RelayService) Relay(ctx context.Context, payload []byte) (*model.RelayResult, error) {
	pr, err := ParseRequest(payload)
	if err != nil {
		return nil, err
	}

	out, err := BuildOutbound(pr)
	if err != nil {
		return nil, err
	}

	if err := s.checkHost(out.URL); err != nil {
		return nil, err
	}

	s.logger.Debug("relaying request",
		"method", out.Method,
		"url", redactURL(out.URL),
		"headers", out.Header.Len(),
		"body_bytes", len(out.Body),
	)

	resp, err := s.sender.Send(ctx, out)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	return FilterResponse(resp), nil
}

// ParseRequest decodes a relay payload and applies its defaults.
func ParseRequest(payload []byte) (*model.ProxyRequest, error) {
	var pr model.ProxyRequest
	if err := json.Unmarshal(payload, &pr); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, &ValidationError{Msg: "invalid JSON payload", Err: err}
		}
		return nil, &ValidationError{Msg: "invalid relay payload", Err: err}
	}

	if pr.URL == "" {
		return nil, &ValidationError{Msg: MsgMissingURL}
	}
	u, err := url.Parse(pr.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Msg: MsgInvalidURL}
	}

	if pr.Method == "" {
		pr.Method = http.MethodGet
	}
	return &pr, nil
}

// BuildOutbound derives the sanitized outbound request from a parsed payload.
func BuildOutbound(pr *model.ProxyRequest) (*model.OutboundRequest, error) {
	header, err := NormalizeHeaders(pr.Headers)
	if err != nil {
		return nil, err
	}

	method := normalizeMethod(pr.Method)
	out := &model.OutboundRequest{
		Method: method,
		URL:    pr.URL,
		Header: header,
	}

	if !pr.Body.IsEmpty() && bodyMethods[strings.ToUpper(method)] {
		data, err := pr.Body.MarshalJSON()
		if err != nil {
			return nil, &ValidationError{Msg: "invalid 'body' field", Err: err}
		}
		out.Body = data
	}

	return out, nil
}

// droppedRequestHeaders are never forwarded (lower-case). Accept-Encoding is
// left to the transport, which then decodes the response itself.
var droppedRequestHeaders = map[string]bool{
	"host":            true,
	"content-length":  true,
	"accept-encoding": true,
}

// NormalizeHeaders drops Host, Content-Length, Accept-Encoding and any CF-*
// header, keeps the rest with their original casing, and injects
// DefaultUserAgent when the caller supplied none.
func NormalizeHeaders(in model.HeaderSet) (model.HeaderSet, error) {
	var out model.HeaderSet
	for _, h := range in.Entries() {
		lower := strings.ToLower(h.Key)
		if droppedRequestHeaders[lower] || strings.HasPrefix(lower, "cf-") {
			continue
		}
		if !httpguts.ValidHeaderFieldName(h.Key) {
			return model.HeaderSet{}, &ValidationError{Msg: fmt.Sprintf("invalid header name %q", h.Key)}
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return model.HeaderSet{}, &ValidationError{Msg: fmt.Sprintf("invalid value for header %q", h.Key)}
		}
		out.Set(h.Key, h.Value)
	}

	if !out.Has("User-Agent") {
		out.Set("User-Agent", DefaultUserAgent)
	}
	return out, nil
}

// FilterResponse builds the caller-facing result from a target response.
// Content-Type defaults to text/plain, the CORS origin header is added, and
// Set-Cookie and Content-Encoding are dropped. Status and body pass through.
func FilterResponse(resp *model.OutboundResponse) *model.RelayResult {
	h := make(http.Header, len(resp.Header)+2)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	h.Set("Content-Type", contentType)
	h.Set(HeaderAllowOrigin, AllowOrigin)

	for key, vals := range resp.Header {
		if droppedResponseHeaders[strings.ToLower(key)] {
			continue
		}
		h.Set(key, strings.Join(vals, ", "))
	}

	return &model.RelayResult{
		StatusCode: resp.StatusCode,
		Header:     h,
		Body:       resp.Body,
	}
}

func normalizeMethod(method string) string {
	if upper := strings.ToUpper(method); standardMethods[upper] {
		return upper
	}
	return method
}

func (s *RelayService) checkHost(rawURL string) error {
	if s.allowedHosts == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{Msg: MsgInvalidURL}
	}
	host := strings.ToLower(u.Hostname())
	if !s.allowedHosts[host] {
		return &ForbiddenHostError{Host: host}
	}
	return nil
}

// redactURL strips credentials and the query from a URL for logging.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
