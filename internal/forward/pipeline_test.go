package forward

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestPipeline(t *testing.T, handler http.HandlerFunc) (*Pipeline, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	transport := NewTransport(DefaultConfig())
	t.Cleanup(transport.CloseIdleConnections)
	return New(transport, DefaultBodyPolicy(), 0), srv
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	var gotConnection, gotXForwarded string
	pipeline, srv := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotXForwarded = r.Header.Get("X-Forwarded-Secret")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusOK)
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Connection", "X-Forwarded-Secret")
	req.Header.Set("X-Forwarded-Secret", "do-not-forward")

	resp, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer resp.Resp.Body.Close()

	if gotConnection != "" {
		t.Fatalf("expected Connection header stripped before upstream, got %q", gotConnection)
	}
	if gotXForwarded != "" {
		t.Fatalf("expected header named by inbound Connection value to be stripped, got %q", gotXForwarded)
	}
	if v := resp.Resp.Header.Get("Keep-Alive"); v != "" {
		t.Fatalf("expected response Keep-Alive header stripped, got %q", v)
	}
}

func TestForwardFixesHostFromTarget(t *testing.T) {
	var gotHost string
	pipeline, srv := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Host = "spoofed.example.invalid"

	resp, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer resp.Resp.Body.Close()

	if gotHost == "spoofed.example.invalid" {
		t.Fatalf("expected spoofed Host not to be forwarded, got %q", gotHost)
	}
}

func TestForwardSkipsBodyExtractionForGet(t *testing.T) {
	pipeline, srv := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer resp.Resp.Body.Close()

	if resp.RequestExcerpt != nil {
		t.Fatalf("expected no request excerpt captured for a bodyless GET")
	}
}

func TestForwardCapturesRequestExcerptWithinLimit(t *testing.T) {
	pipeline, srv := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})

	payload := "hello upstream"
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(payload))
	req.ContentLength = int64(len(payload))

	resp, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	body, _ := io.ReadAll(resp.Resp.Body)
	resp.Resp.Body.Close()
	if string(body) != payload {
		t.Fatalf("expected upstream to echo body, got %q", body)
	}
	if string(resp.RequestExcerpt) != payload {
		t.Fatalf("expected request excerpt to capture full small body, got %q", resp.RequestExcerpt)
	}
}

func TestForwardPartialCapturesOversizeBody(t *testing.T) {
	pipeline, srv := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	pipeline.Policy = BodyPolicy{MaxLogBodySize: 8, MaxPartialLogSize: 4}

	payload := strings.Repeat("x", 100)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(payload))
	req.ContentLength = int64(len(payload))

	resp, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	resp.Resp.Body.Close()

	if len(resp.RequestExcerpt) != 4 {
		t.Fatalf("expected excerpt truncated to MaxPartialLogSize=4, got %d bytes", len(resp.RequestExcerpt))
	}
}

func TestClassifyRoundTripErrorConnectFailure(t *testing.T) {
	pipeline := New(NewTransport(DefaultConfig()), DefaultBodyPolicy(), 0)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	_, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err == nil {
		t.Fatalf("expected connect failure")
	}
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Fatalf("expected ErrUpstreamConnect, got %v", err)
	}
}

func TestForwardHonorsRequestTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	transport := NewTransport(DefaultConfig())
	defer transport.CloseIdleConnections()
	pipeline := New(transport, DefaultBodyPolicy(), 20*time.Millisecond)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := pipeline.Forward(context.Background(), &RequestEnvelope{Req: req})
	if err == nil {
		t.Fatalf("expected request timeout error")
	}
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}
