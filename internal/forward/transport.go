// Package forward builds the process-wide upstream HTTP client and runs the
// request/response pipeline: header sanitization, body policy (buffer vs.
// stream vs. partial capture), and a single shared *http.Transport reused
// across every request. Constructing a client per request would defeat
// connection pooling; NewTransport is meant to be called exactly once
// during proxy startup and the result shared across every handler
// goroutine, exposing the timeout/pool-size knobs below (connect/idle/
// request timeouts, max idle per host, opportunistic HTTP/2,
// skip_cert_verify).
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"
)

// Config carries the upstream connection/timeout knobs NewTransport builds
// its shared transport from. NewTransport does not apply RequestTimeout;
// the per-request deadline is Pipeline.RequestTimeout.
type Config struct {
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	PoolIdleTimeout time.Duration
	MaxIdlePerHost  int
	SkipCertVerify  bool
	ExtraTrustRoots *x509.CertPool
}

// DefaultConfig returns reasonable defaults for a freshly started proxy.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		RequestTimeout:  30 * time.Second,
		PoolIdleTimeout: 90 * time.Second,
		MaxIdlePerHost:  50,
	}
}

// NewTransport builds the single, process-wide *http.Transport every proxy
// request shares. Call once at startup; share the result across every
// handler goroutine.
func NewTransport(cfg Config) *http.Transport {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipCertVerify, //nolint:gosec // test-only bypass, opt-in via config
	}
	if cfg.ExtraTrustRoots != nil {
		pool := cfg.ExtraTrustRoots.Clone()
		tlsConfig.RootCAs = pool
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 nil, // this process IS the proxy; it does not chain to another
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          cfg.MaxIdlePerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxIdlePerHost,
		IdleConnTimeout:       cfg.PoolIdleTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// RootCAPoolWithExtras returns the system trust store plus any additionally
// configured trust anchors used to verify upstream TLS. A nil/empty
// extraPEM returns the system pool unchanged.
func RootCAPoolWithExtras(extraPEM []byte) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if len(extraPEM) > 0 {
		if ok := pool.AppendCertsFromPEM(extraPEM); !ok {
			return pool, errInvalidExtraTrustAnchor
		}
	}
	return pool, nil
}
