package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kdhira/mitm-forward-proxy/internal/audit"
)

// hopByHopHeaders is the fixed set stripped in both directions, independent
// of anything an inbound Connection header names.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Te", "Trailer",
	"Transfer-Encoding", "Upgrade",
}

// RequestEnvelope is the normalized, transport-independent request shape
// this package forwards. Req carries everything method/header/body-wise;
// the remaining fields are envelope metadata the pipeline and its callers
// need but *http.Request doesn't model directly.
type RequestEnvelope struct {
	Req         *http.Request
	IsTLSOrigin bool
	ClientAddr  string
	IngressTime time.Time
}

// ResponseEnvelope is the response counterpart to RequestEnvelope.
type ResponseEnvelope struct {
	Resp            *http.Response
	UpstreamElapsed time.Duration
	// RequestExcerpt/ResponseExcerpt hold up to BodyPolicy's captured bytes
	// for audit logging, regardless of whether the body was buffered in
	// full or streamed with a partial capture.
	RequestExcerpt  []byte
	ResponseExcerpt []byte
}

// BodyPolicy controls how much of a request/response body is captured for
// audit logging: in full up to MaxLogBodySize, or only a MaxPartialLogSize
// prefix once a body is larger or of unknown length.
type BodyPolicy struct {
	MaxLogBodySize    int
	MaxPartialLogSize int
}

// DefaultBodyPolicy returns the built-in streaming capture defaults.
func DefaultBodyPolicy() BodyPolicy {
	return BodyPolicy{
		MaxLogBodySize:    1 << 20, // 1 MiB
		MaxPartialLogSize: 1 << 10, // 1 KiB
	}
}

// Pipeline drives a single shared *http.Transport through header
// sanitization, body-policy wrapping, and upstream RoundTrip.
type Pipeline struct {
	Transport      *http.Transport
	Policy         BodyPolicy
	RequestTimeout time.Duration
}

// New builds a Pipeline around a transport built once by NewTransport.
func New(transport *http.Transport, policy BodyPolicy, requestTimeout time.Duration) *Pipeline {
	return &Pipeline{Transport: transport, Policy: policy, RequestTimeout: requestTimeout}
}

// Forward sanitizes req, applies the body policy, executes it against the
// shared transport, and returns the sanitized response envelope.
// env.IsTLSOrigin controls nothing here directly (the scheme is already
// baked into req.URL by the caller) but is recorded for downstream logging.
//
// RequestTimeout, when set, bounds the full upstream interaction (headers
// and body), the same semantics net/http.Client.Timeout uses. http.Transport
// has no separate "headers only" deadline to attach to, so a single deadline
// context is the only option without hand-rolling connection-level timers.
// The cancel func is released when the response body is closed rather than
// immediately after RoundTrip returns, so a still-streaming body isn't torn
// down the instant headers arrive.
func (p *Pipeline) Forward(ctx context.Context, env *RequestEnvelope) (*ResponseEnvelope, error) {
	var cancel context.CancelFunc
	if p.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.RequestTimeout)
	}
	req := env.Req.WithContext(ctx)

	sanitizeRequestHeaders(req)
	fixHostHeader(req)

	var reqExcerpt *audit.LimitedBuffer
	if hasLoggableBody(req.Method, req.ContentLength) {
		reqExcerpt = p.wrapRequestBody(req)
	}

	resp, err := p.Transport.RoundTrip(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, classifyRoundTripError(err)
	}

	sanitizeResponseHeaders(resp.Header)

	var respExcerpt *audit.LimitedBuffer
	if resp.Body != nil {
		respExcerpt = audit.NewLimitedBuffer(p.excerptLimit(resp.ContentLength))
		resp.Body = audit.NewTeeReadCloser(resp.Body, respExcerpt)
	}
	if cancel != nil {
		resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	}

	out := &ResponseEnvelope{Resp: resp}
	if reqExcerpt != nil {
		out.RequestExcerpt = reqExcerpt.Bytes()
	}
	if respExcerpt != nil {
		// The excerpt buffer is only fully populated once resp.Body has
		// been drained by the caller; callers that need the excerpt after
		// streaming should read it from out.Resp.Body's underlying tee,
		// not here. We still surface whatever has accumulated so far for
		// callers that buffered fully (Content-Length <= MaxLogBodySize is
		// typically read eagerly by the http.Client caller pattern this
		// pipeline is used in).
		out.ResponseExcerpt = respExcerpt.Bytes()
	}
	return out, nil
}

// wrapRequestBody tees the outbound body into a bounded buffer for audit
// logging without changing the bytes sent upstream.
func (p *Pipeline) wrapRequestBody(req *http.Request) *audit.LimitedBuffer {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	buf := audit.NewLimitedBuffer(p.excerptLimit(req.ContentLength))
	req.Body = audit.NewTeeReadCloser(req.Body, buf)
	return buf
}

// excerptLimit picks the buffer-vs-partial-capture size: bodies within
// MaxLogBodySize are captured in full (bounded by that same size as a
// ceiling), larger or chunked bodies only keep the configured partial
// prefix.
func (p *Pipeline) excerptLimit(contentLength int64) int {
	if contentLength >= 0 && contentLength <= int64(p.Policy.MaxLogBodySize) {
		return p.Policy.MaxLogBodySize
	}
	return p.Policy.MaxPartialLogSize
}

// hasLoggableBody reports whether method/contentLength indicates a body is
// expected worth capturing; GET/HEAD never carry one, DELETE only if a
// length is actually declared.
func hasLoggableBody(method string, contentLength int64) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return false
	case http.MethodDelete:
		return contentLength > 0
	default:
		return true
	}
}

// sanitizeRequestHeaders strips the fixed hop-by-hop set plus any header
// named inside an inbound Connection value.
func sanitizeRequestHeaders(req *http.Request) {
	stripHopByHop(req.Header)
	req.Header.Del("Proxy-Authenticate")
	req.Header.Del("Proxy-Authorization")
}

func sanitizeResponseHeaders(h http.Header) {
	stripHopByHop(h)
}

func stripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// fixHostHeader sets Host from the effective request target rather than
// forwarding a client-supplied value that disagrees with it.
func fixHostHeader(req *http.Request) {
	target := req.URL.Host
	if target == "" {
		return
	}
	if req.Host != target {
		req.Host = target
	}
}

// classifyRoundTripError maps a raw transport error into this package's
// typed error kinds.
func classifyRoundTripError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errJoin(ErrUpstreamTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errJoin(ErrUpstreamTimeout, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return errJoin(ErrUpstreamTimeout, err)
		}
		if isTLSError(urlErr.Err) {
			return errJoin(ErrUpstreamTLS, err)
		}
	}

	if isTLSError(err) {
		return errJoin(ErrUpstreamTLS, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errJoin(ErrUpstreamConnect, err)
	}

	return errJoin(ErrUpstreamProtocol, err)
}

func errJoin(kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string   { return e.kind.Error() + ": " + e.cause.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }

// cancelOnCloseBody releases a RequestTimeout's context when the caller
// closes the response body, instead of the instant RoundTrip returns.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnCloseBody) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
