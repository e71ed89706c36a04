package client

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
	"cors-relay/internal/model"
)

func headerSet(entries ...model.Header) model.HeaderSet {
	var h model.HeaderSet
	for _, e := range entries {
		h.Set(e.Key, e.Value)
	}
	return h
}

func newTestClient(timeout int, maxBody int64, m *metrics.Metrics) *UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:   timeout,
			IdleConnections:  10,
			ResponseMaxBytes: maxBody,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if got := r.Header.Get("X-Test"); got != "1" {
			t.Errorf("X-Test = %q, want %q", got, "1")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("body = %q, want %q", body, `{"a":1}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(10, 1024, nil)

	resp, err := c.Send(context.Background(), &model.OutboundRequest{
		Method: http.MethodPost,
		URL:    srv.URL + "/test",
		Header: headerSet(model.Header{Key: "X-Test", Value: "1"}),
		Body:   []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if string(resp.Body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", resp.Body, `{"status":"ok"}`)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestUpstreamClient_Send_GzipDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("hello gzip"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := newTestClient(10, 1024, nil)

	// An explicit Accept-Encoding disables the transport's transparent decoding.
	resp, err := c.Send(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: headerSet(model.Header{Key: "Accept-Encoding", Value: "gzip"}),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(resp.Body) != "hello gzip" {
		t.Errorf("body = %q, want %q", resp.Body, "hello gzip")
	}
	if ce := resp.Header.Get("Content-Encoding"); ce != "" {
		t.Errorf("Content-Encoding = %q, want empty after decoding", ce)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		t.Errorf("Content-Length = %q, want empty after decoding", cl)
	}
}

func TestUpstreamClient_Send_Decodes(t *testing.T) {
	const text = `{"msg":"hello <world> & more"}`

	tests := []struct {
		name     string
		encoding string
		encode   func(t *testing.T, w io.Writer)
	}{
		{"br", "br", func(t *testing.T, w io.Writer) {
			bw := brotli.NewWriter(w)
			_, _ = bw.Write([]byte(text))
			if err := bw.Close(); err != nil {
				t.Errorf("brotli close: %v", err)
			}
		}},
		{"zstd", "zstd", func(t *testing.T, w io.Writer) {
			zw, err := zstd.NewWriter(w)
			if err != nil {
				t.Fatalf("zstd.NewWriter: %v", err)
			}
			_, _ = zw.Write([]byte(text))
			if err := zw.Close(); err != nil {
				t.Errorf("zstd close: %v", err)
			}
		}},
		{"deflate zlib", "deflate", func(t *testing.T, w io.Writer) {
			zw := zlib.NewWriter(w)
			_, _ = zw.Write([]byte(text))
			_ = zw.Close()
		}},
		{"deflate raw", "deflate", func(t *testing.T, w io.Writer) {
			fw, _ := flate.NewWriter(w, flate.DefaultCompression)
			_, _ = fw.Write([]byte(text))
			_ = fw.Close()
		}},
		{"upper-case name", "BR", func(t *testing.T, w io.Writer) {
			bw := brotli.NewWriter(w)
			_, _ = bw.Write([]byte(text))
			_ = bw.Close()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var buf bytes.Buffer
				tt.encode(t, &buf)
				w.Header().Set("Content-Encoding", tt.encoding)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(buf.Bytes())
			}))
			defer srv.Close()

			c := newTestClient(10, 1024, nil)
			resp, err := c.Send(context.Background(), &model.OutboundRequest{
				Method: http.MethodGet,
				URL:    srv.URL,
			})
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if string(resp.Body) != text {
				t.Errorf("body = %q, want %q", resp.Body, text)
			}
			if ce := resp.Header.Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding = %q, want empty after decoding", ce)
			}
		})
	}
}

func TestUpstreamClient_Send_UnsupportedEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "compress")
		_, _ = w.Write([]byte{0x1f, 0x9d, 0x90})
	}))
	defer srv.Close()

	c := newTestClient(10, 1024, nil)
	_, err := c.Send(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("Send() error = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestUpstreamClient_Send_EncodedEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(10, 1024, nil)
	resp, err := c.Send(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if len(resp.Body) != 0 {
		t.Errorf("body = %q, want empty", resp.Body)
	}
}

func TestUpstreamClient_Send_TransportNegotiatesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "gzip" {
			t.Errorf("Accept-Encoding = %q, want %q from the transport", ae, "gzip")
		}
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("negotiated"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := newTestClient(10, 1024, nil)
	resp, err := c.Send(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(resp.Body) != "negotiated" {
		t.Errorf("body = %q, want %q", resp.Body, "negotiated")
	}
}

func TestUpstreamClient_Send_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	c := newTestClient(10, 32, nil)

	_, err := c.Send(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("Send() error = %v, want ErrResponseTooLarge", err)
	}
}

func TestUpstreamClient_Send_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(10, 1024, m)

	if _, err := c.Send(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "cors_relay_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status_code" && lp.GetValue() == "404" {
					return
				}
			}
		}
	}
	t.Error("expected cors_relay_upstream_responses_total with status_code=404")
}

func TestUpstreamClient_Send_Error(t *testing.T) {
	c := newTestClient(1, 1024, nil)

	_, err := c.Send(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/nonexistent",
	})
	if err == nil {
		t.Fatal("Send() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Send_InvalidMethod(t *testing.T) {
	c := newTestClient(1, 1024, nil)

	_, err := c.Send(context.Background(), &model.OutboundRequest{
		Method: "BAD METHOD",
		URL:    "http://127.0.0.1:1/",
	})
	if err == nil {
		t.Fatal("Send() expected error for invalid method, got nil")
	}
}

func TestUpstreamClient_Send_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow target; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(30, 1024, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Send(ctx, &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL + "/slow"})
	if err == nil {
		t.Fatal("Send() expected error for canceled context, got nil")
	}
}
