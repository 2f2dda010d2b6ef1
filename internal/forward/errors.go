package forward

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// Typed error kinds so callers (internal/engine) can map a forwarding
// failure to the right client-facing status code without string-matching.
var (
	ErrUpstreamConnect  = errors.New("forward: upstream connect failed")
	ErrUpstreamTLS      = errors.New("forward: upstream tls failed")
	ErrUpstreamProtocol = errors.New("forward: upstream protocol error")
	ErrUpstreamTimeout  = errors.New("forward: upstream request timed out")

	errInvalidExtraTrustAnchor = errors.New("forward: invalid extra trust anchor PEM")
)

// isTLSError reports whether err originated from the TLS handshake layer
// rather than a lower-level dial failure or a higher-level protocol error.
func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var recordHdrErr tls.RecordHeaderError
	if errors.As(err, &recordHdrErr) {
		return true
	}
	var alertErr *tls.AlertError
	return errors.As(err, &alertErr)
}
