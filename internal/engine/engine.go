// Package engine owns the proxy's listener-facing request dispatch: the
// plaintext forward-proxy path, the CONNECT interception state machine, and
// the health endpoint. It drives request/response handling through
// internal/forward's pipeline and acquires leaf certificates through
// internal/ca and internal/certcache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kdhira/mitm-forward-proxy/internal/audit"
	"github.com/kdhira/mitm-forward-proxy/internal/ca"
	"github.com/kdhira/mitm-forward-proxy/internal/certcache"
	"github.com/kdhira/mitm-forward-proxy/internal/config"
	"github.com/kdhira/mitm-forward-proxy/internal/forward"
	"github.com/kdhira/mitm-forward-proxy/internal/log"
	"github.com/kdhira/mitm-forward-proxy/internal/profiles"
)

// Engine is the top-level http.Handler for the proxy listener.
type Engine struct {
	pipeline   *forward.Pipeline
	logger     audit.Logger
	opLog      *log.Logger
	allowHosts []string
	filters    FilterChain
	profiles   profiles.Registry

	ca    *ca.CA
	cache *certcache.Cache

	httpsInterceptionEnabled bool
	mitmDisableHosts         []string
	connectDialTimeout       time.Duration

	requestSeq uint64
}

// Dependencies bundles everything New needs beyond the config itself,
// so callers (cmd/audit-proxy) control their own construction order for the
// CA, cache backend, and audit logger.
type Dependencies struct {
	Logger   audit.Logger
	OpLog    *log.Logger
	CA       *ca.CA // nil disables interception entirely
	Cache    *certcache.Cache
	Profiles profiles.Registry
}

// New builds an Engine ready to serve as an http.Handler.
func New(cfg config.Config, deps Dependencies) (*Engine, error) {
	if deps.Logger == nil {
		return nil, errors.New("engine: audit logger must not be nil")
	}
	if deps.OpLog == nil {
		deps.OpLog = log.New("engine", log.LevelInfo, os.Stderr)
	}
	if cfg.UpstreamSkipCertVerify {
		deps.OpLog.Warnf("transport", "upstream TLS certificate verification is disabled (upstream-skip-cert-verify); this must only be used for testing")
	}

	transport := forward.NewTransport(forward.Config{
		ConnectTimeout:  durationFromMS(cfg.UpstreamConnectTimeoutMS, 10*time.Second),
		RequestTimeout:  durationFromMS(cfg.UpstreamRequestTimeoutMS, 30*time.Second),
		PoolIdleTimeout: durationFromMS(cfg.UpstreamPoolIdleTimeoutMS, 90*time.Second),
		MaxIdlePerHost:  orInt(cfg.UpstreamMaxIdlePerHost, 50),
		SkipCertVerify:  cfg.UpstreamSkipCertVerify,
	})
	policy := forward.BodyPolicy{
		MaxLogBodySize:    orInt(cfg.MaxLogBodySize, 1<<20),
		MaxPartialLogSize: orInt(cfg.MaxPartialLogSize, 1<<10),
	}
	pipeline := forward.New(transport, policy, durationFromMS(cfg.UpstreamRequestTimeoutMS, 30*time.Second))

	return &Engine{
		pipeline:                 pipeline,
		logger:                   deps.Logger,
		opLog:                    deps.OpLog,
		allowHosts:               cfg.AllowHosts,
		filters:                  buildFilterChain(cfg),
		profiles:                 deps.Profiles,
		ca:                       deps.CA,
		cache:                    deps.Cache,
		httpsInterceptionEnabled: cfg.HTTPSInterceptionEnabled && deps.CA != nil,
		mitmDisableHosts:         cfg.MITMDisableHosts,
		connectDialTimeout:       durationFromMS(cfg.UpstreamConnectTimeoutMS, 10*time.Second),
	}, nil
}

// Close releases the transport's pooled connections. The certificate cache
// and audit logger are owned by the caller and closed separately.
func (e *Engine) Close() {
	e.pipeline.Transport.CloseIdleConnections()
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.handleConnect(w, r)
		return
	}
	if isHealthCheck(r) {
		e.handleHealth(w, r)
		return
	}
	e.handleHTTP(w, r)
}

// isHealthCheck recognizes the liveness probe: GET /health answered without
// dialing upstream, independent of any configured allowlist.
func isHealthCheck(r *http.Request) bool {
	return r.Method == http.MethodGet && r.URL != nil && r.URL.Path == "/health" && r.Host == ""
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (e *Engine) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := e.nextID()

	outbound, targetHost, err := cloneForForwarding(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		e.logError(reqID, start, r, targetHost, "http", err)
		return
	}

	if !e.allowed(targetHost) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		e.logError(reqID, start, r, targetHost, "http", fmt.Errorf("blocked host: %s", targetHost))
		return
	}

	if err := e.filters.ApplyRequest(outbound); err != nil {
		http.Error(w, "request blocked", http.StatusForbidden)
		e.logError(reqID, start, r, targetHost, outbound.URL.Scheme, fmt.Errorf("request filter rejected: %w", err))
		return
	}

	resp, err := e.pipeline.Forward(r.Context(), &forward.RequestEnvelope{
		Req:        outbound,
		ClientAddr: audit.ClientAddrFromRequest(r),
	})
	if err != nil {
		status := statusForForwardError(err)
		http.Error(w, "upstream error", status)
		e.logError(reqID, start, r, targetHost, outbound.URL.Scheme, err)
		return
	}
	defer resp.Resp.Body.Close()

	if err := e.filters.ApplyResponse(resp.Resp); err != nil {
		http.Error(w, "response blocked", http.StatusBadGateway)
		e.logError(reqID, start, r, targetHost, outbound.URL.Scheme, fmt.Errorf("response filter rejected: %w", err))
		return
	}

	copyHeaders(w.Header(), resp.Resp.Header)
	w.WriteHeader(resp.Resp.StatusCode)
	bytesCopied, copyErr := copyStream(w, resp.Resp.Body)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		e.opLog.Warnf("stream-copy", "id=%s target=%s err=%v", reqID, targetHost, copyErr)
	}

	e.recordSuccess(reqID, start, r, outbound, resp, targetHost, bytesCopied, "http")
}

func (e *Engine) recordSuccess(reqID string, start time.Time, r, outbound *http.Request, resp *forward.ResponseEnvelope, targetHost string, bytesCopied int64, protocolTag string) {
	entry := audit.Entry{
		Time:      start.UTC(),
		ID:        reqID,
		Conn:      newConnMetadata(r, targetHost, outbound.URL.Scheme),
		Request:   newHTTPRequest(r),
		Response:  newHTTPResponse(resp.Resp, bytesCopied),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if len(resp.RequestExcerpt) > 0 {
		entry.Attributes = ensureAttrs(entry.Attributes)
		entry.Attributes["request_excerpt"] = string(resp.RequestExcerpt)
	}
	if len(resp.ResponseExcerpt) > 0 {
		entry.Attributes = ensureAttrs(entry.Attributes)
		entry.Attributes["response_excerpt"] = string(resp.ResponseExcerpt)
	}
	entry.Attributes = ensureAttrs(entry.Attributes)
	entry.Attributes["mitm"] = e.mitmAttribute(targetHost, protocolTag)

	if matched := e.profiles.Match(outbound); matched != nil {
		entry.Profile = matched.Name()
		if attrs := matched.Annotate(outbound, resp.Resp); len(attrs) > 0 {
			entry.Attributes = mergeAttrs(entry.Attributes, attrs)
		}
	}

	if err := e.logger.Record(context.Background(), entry); err != nil {
		e.opLog.Warnf("audit-write", "id=%s err=%v", reqID, err)
	}
}

func (e *Engine) mitmAttribute(targetHost, protocolTag string) string {
	if protocolTag == "https" {
		return "enabled"
	}
	if e.mitmInterceptsHost(targetHost) {
		return "enabled"
	}
	if e.httpsInterceptionEnabled {
		return "skipped"
	}
	return "disabled"
}

func (e *Engine) logError(id string, start time.Time, r *http.Request, target, protocol string, err error) {
	entry := audit.Entry{
		Time: start.UTC(),
		ID:   id,
		Conn: audit.ConnMetadata{
			ClientAddr: audit.ClientAddrFromRequest(r),
			Target:     target,
			Protocol:   protocol,
		},
		Request:   newHTTPRequest(r),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := e.logger.Record(context.Background(), entry); logErr != nil {
		e.opLog.Warnf("audit-write", "id=%s err=%v", id, logErr)
	}
}

func (e *Engine) allowed(target string) bool {
	if target == "" {
		return false
	}
	if len(e.allowHosts) == 0 {
		return true
	}
	host := target
	if strings.Contains(host, ":") {
		host, _, _ = net.SplitHostPort(target)
	}
	for _, allowed := range e.allowHosts {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

func (e *Engine) mitmInterceptsHost(target string) bool {
	if !e.httpsInterceptionEnabled {
		return false
	}
	host := target
	if strings.Contains(host, ":") {
		var err error
		host, _, err = net.SplitHostPort(target)
		if err != nil {
			host = target
		}
	}
	for _, dis := range e.mitmDisableHosts {
		if strings.EqualFold(dis, host) {
			return false
		}
	}
	return true
}

func (e *Engine) nextID() string {
	seq := atomic.AddUint64(&e.requestSeq, 1)
	return fmt.Sprintf("req-%d", seq)
}

// statusForForwardError maps a forward.Err* sentinel to the client-facing
// status code it should present as.
func statusForForwardError(err error) int {
	switch {
	case errors.Is(err, forward.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, forward.ErrUpstreamConnect), errors.Is(err, forward.ErrUpstreamTLS), errors.Is(err, forward.ErrUpstreamProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func cloneForForwarding(r *http.Request) (*http.Request, string, error) {
	if r.URL == nil {
		return nil, "", errors.New("missing url")
	}
	outbound := r.Clone(r.Context())
	if outbound.URL.Scheme == "" {
		outbound.URL = cloneURL(outbound.URL)
		outbound.URL.Scheme = "http"
	}
	if outbound.URL.Host == "" {
		outbound.URL.Host = r.Host
	}
	outbound.RequestURI = ""
	outbound.Header = cloneHeader(r.Header)
	return outbound, outbound.URL.Host, nil
}

func cloneURL(in *url.URL) *url.URL {
	if in == nil {
		return &url.URL{}
	}
	out := *in
	return &out
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	out := make(http.Header, len(h))
	for k, vv := range h {
		dup := make([]string, len(vv))
		copy(dup, vv)
		out[k] = dup
	}
	return out
}

func newConnMetadata(r *http.Request, target, protocol string) audit.ConnMetadata {
	return audit.ConnMetadata{
		ClientAddr: audit.ClientAddrFromRequest(r),
		Target:     target,
		Protocol:   protocol,
	}
}

func newHTTPRequest(r *http.Request) *audit.HTTPRequest {
	if r == nil {
		return nil
	}
	return &audit.HTTPRequest{
		Method:        r.Method,
		URL:           r.URL.String(),
		Header:        audit.SanitiseHeaders(r.Header),
		ContentLength: r.ContentLength,
	}
}

func newHTTPResponse(resp *http.Response, bodyBytes int64) *audit.HTTPResponse {
	if resp == nil {
		return nil
	}
	contentLen := resp.ContentLength
	if contentLen < 0 {
		contentLen = bodyBytes
	}
	return &audit.HTTPResponse{
		Status:        resp.StatusCode,
		Header:        audit.SanitiseHeaders(resp.Header),
		ContentLength: contentLen,
	}
}

func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}

func copyHeaders(dst, src http.Header) {
	for k := range dst {
		dst.Del(k)
	}
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func ensureAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return make(map[string]any)
	}
	return attrs
}

func mergeAttrs(base, add map[string]any) map[string]any {
	if len(add) == 0 {
		return base
	}
	result := ensureAttrs(base)
	for k, v := range add {
		result[k] = v
	}
	return result
}

func durationFromMS(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
