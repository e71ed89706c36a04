// Package client provides the outbound HTTP client used to relay requests.
package client

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
	"cors-relay/internal/model"
)

var (
	// ErrResponseTooLarge is returned when a target response exceeds upstream.response_max_bytes.
	ErrResponseTooLarge = errors.New("response body too large")
	// ErrUnsupportedEncoding is returned for a Content-Encoding the client cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// UpstreamClient sends relayed requests to their targets.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxBody    int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		maxBody: cfg.Upstream.ResponseMaxBytes,
	}
}

// Send performs exactly one round trip for req and returns the response with
// its body fully read. The provided context controls the lifetime of the call:
// when the caller disconnects, the outbound request is canceled too.
func (c *UpstreamClient) Send(ctx context.Context, req *model.OutboundRequest) (*model.OutboundResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header = req.Header.HTTPHeader()

	c.logger.Debug("upstream request",
		"method", httpReq.Method,
		"host", httpReq.URL.Host,
		"path", httpReq.URL.Path,
		"body_bytes", len(req.Body),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(httpReq.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	header := resp.Header.Clone()
	data, err := c.readBody(resp, header)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponseBytes.Observe(float64(len(data)))
	}

	return &model.OutboundResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}

// readBody reads the whole response body, undoing gzip, deflate, br or zstd
// content encoding so the relayed text matches a response without
// Content-Encoding. header is updated to describe the decoded body.
func (c *UpstreamClient) readBody(resp *http.Response, header http.Header) ([]byte, error) {
	body := bufio.NewReader(resp.Body)
	var r io.Reader = body

	enc := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	if enc != "" && enc != "identity" {
		// HEAD, 204 and 304 responses keep Content-Encoding with no body.
		if _, err := body.Peek(1); errors.Is(err, io.EOF) {
			header.Del("Content-Encoding")
			header.Del("Content-Length")
			return []byte{}, nil
		}
	}

	switch enc {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case "deflate":
		fr, err := newDeflateReader(body)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer func() { _ = fr.Close() }()
		r = fr
	case "br":
		r = brotli.NewReader(body)
	case "zstd":
		zr, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	if enc != "" && enc != "identity" {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	if c.maxBody <= 0 {
		return io.ReadAll(r)
	}

	data, err := io.ReadAll(io.LimitReader(r, c.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%w: limit is %s", ErrResponseTooLarge, humanize.IBytes(uint64(c.maxBody)))
	}
	return data, nil
}

// newDeflateReader accepts both zlib-wrapped deflate (what RFC 9110 means by
// "deflate") and the raw stream some servers send instead.
func newDeflateReader(br *bufio.Reader) (io.ReadCloser, error) {
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}
