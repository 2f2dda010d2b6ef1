package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
)

// NewDiagnosticTLSListener exposes the CA as an optional diagnostic TLS
// endpoint, never as a second proxy-entry path: the only supported way to
// reach upstream HTTPS through this proxy remains CONNECT on the plaintext
// listener (handleConnect/handleMITM). This listener terminates TLS with a
// leaf minted for "localhost" and serves the same Engine, so an operator
// can curl it directly to confirm the CA chain and cache are healthy
// without routing traffic through it.
func (e *Engine) NewDiagnosticTLSListener(addr string) (net.Listener, error) {
	if e.ca == nil || e.cache == nil {
		return nil, errors.New("engine: diagnostic TLS listener requires https interception to be configured")
	}
	leaf, err := e.cache.GetOrMint(context.Background(), "localhost", e.ca.Mint)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{leaf.TLSCertificate()}}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsConfig), nil
}
