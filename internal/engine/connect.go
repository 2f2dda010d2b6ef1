package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/kdhira/mitm-forward-proxy/internal/audit"
	"github.com/kdhira/mitm-forward-proxy/internal/forward"
)

// handleConnect runs the CONNECT state machine: accept, check the target
// host against the allowlist, then either splice a passthrough tunnel or
// terminate TLS locally (mint/fetch a leaf, complete the client handshake,
// and proxy decrypted requests) until the connection closes.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := e.nextID()
	targetHost := r.Host

	if !e.allowed(targetHost) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		e.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("blocked host: %s", targetHost))
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		e.logError(reqID, start, r, targetHost, "connect", errors.New("response writer does not implement hijacker"))
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		e.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("hijack failed: %w", err))
		return
	}
	defer clientConn.Close()

	// Acquire the leaf before answering the CONNECT, so a mint failure is
	// reported as 502 ahead of any TLS upgrade.
	if e.mitmInterceptsHost(targetHost) {
		hostOnly := targetHost
		if h, _, err := net.SplitHostPort(targetHost); err == nil {
			hostOnly = h
		}
		if _, err := e.cache.GetOrMint(r.Context(), hostOnly, e.ca.Mint); err != nil {
			clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
			clientBuf.Flush()
			e.logError(reqID, start, r, targetHost, "mitm", fmt.Errorf("issue leaf cert: %w", err))
			return
		}
	}

	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		e.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("write 200: %w", err))
		return
	}
	if err := clientBuf.Flush(); err != nil {
		e.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("flush: %w", err))
		return
	}

	if e.mitmInterceptsHost(targetHost) {
		if err := e.handleMITM(clientConn, r, targetHost); err != nil {
			e.logError(reqID, start, r, targetHost, "mitm", err)
		}
		return
	}

	e.tunnelPassthrough(clientConn, clientBuf, r, reqID, start, targetHost)
}

// tunnelPassthrough dials the origin directly and splices bytes, used when
// interception is disabled or the host is in mitmDisableHosts.
func (e *Engine) tunnelPassthrough(clientConn net.Conn, clientBuf *bufio.ReadWriter, r *http.Request, reqID string, start time.Time, targetHost string) {
	upstreamConn, err := net.DialTimeout("tcp", targetHost, e.connectDialTimeout)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		e.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("dial failed: %w", err))
		return
	}
	defer upstreamConn.Close()

	transferErr := tunnelConnections(clientBuf, clientConn, upstreamConn)

	entry := audit.Entry{
		Time:      start.UTC(),
		ID:        reqID,
		Conn:      newConnMetadata(r, targetHost, "connect"),
		LatencyMS: time.Since(start).Milliseconds(),
		Attributes: map[string]any{
			"mitm": "disabled",
		},
	}
	if transferErr != nil && !errors.Is(transferErr, context.Canceled) {
		entry.Error = transferErr.Error()
	}
	if err := e.logger.Record(context.Background(), entry); err != nil {
		e.opLog.Warnf("audit-write", "id=%s err=%v", reqID, err)
	}
}

// tunnelConnections pipes bytes bi-directionally until either side closes.
func tunnelConnections(clientBuf *bufio.ReadWriter, clientConn net.Conn, upstream net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstream, clientBuf)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, upstream)
		if bw := clientBuf.Writer; bw != nil {
			bw.Flush()
		}
		errCh <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !isBenignTunnelError(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func isBenignTunnelError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// handleMITM mints (or fetches) a leaf certificate for host, terminates TLS
// on the hijacked client connection, and dispatches HTTP/1.1 or HTTP/2
// (via ALPN) requests through the engine's own handler. Grounded on
// laplaque-ai-anonymizing-proxy/internal/mitm/mitm.go's HandleConn and
// singleConnListener pattern, replacing its direct handler call with a
// re-entrant call into the engine so profiles/filters/audit all apply
// identically to the plaintext path.
func (e *Engine) handleMITM(clientConn net.Conn, baseReq *http.Request, targetHost string) error {
	hostOnly := targetHost
	if strings.Contains(targetHost, ":") {
		var err error
		hostOnly, _, err = net.SplitHostPort(targetHost)
		if err != nil {
			return fmt.Errorf("split host: %w", err)
		}
	}

	leaf, err := e.cache.GetOrMint(baseReq.Context(), hostOnly, e.ca.Mint)
	if err != nil {
		return fmt.Errorf("issue leaf cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{leaf.TLSCertificate()},
		NextProtos:   []string{"h2", "http/1.1"},
	}
	serverTLS := tls.Server(clientConn, tlsConfig)
	defer serverTLS.Close()

	if err := serverTLS.Handshake(); err != nil {
		return fmt.Errorf("client tls handshake: %w", err)
	}

	mitmHandler := &mitmRequestHandler{engine: e, baseReq: baseReq, targetHost: targetHost}

	if serverTLS.ConnectionState().NegotiatedProtocol == "h2" {
		h2srv := &http2.Server{
			MaxConcurrentStreams: 250,
			MaxReadFrameSize:     1 << 20,
			IdleTimeout:          90 * time.Second,
		}
		h2srv.ServeConn(serverTLS, &http2.ServeConnOpts{Handler: mitmHandler})
		return nil
	}

	srv := &http.Server{
		Handler:           mitmHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.Serve(&singleConnListener{conn: serverTLS})
}

// mitmRequestHandler adapts plaintext (post-TLS-termination) requests read
// off the intercepted connection back into the engine's normal forwarding
// path, so MITM'd traffic gets identical filter/profile/audit treatment to
// the plaintext proxy path.
type mitmRequestHandler struct {
	engine     *Engine
	baseReq    *http.Request
	targetHost string
}

func (h *mitmRequestHandler) ServeHTTP(w http.ResponseWriter, inbound *http.Request) {
	start := time.Now()
	e := h.engine
	reqID := e.nextID()

	if inbound.Body == nil {
		inbound.Body = http.NoBody
	}
	inbound.URL.Scheme = "https"
	inbound.URL.Host = h.targetHost
	inbound.Host = h.targetHost
	inbound.RemoteAddr = h.baseReq.RemoteAddr

	outbound, _, err := cloneForForwarding(inbound)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		e.logError(reqID, start, inbound, h.targetHost, "https", err)
		return
	}

	if err := e.filters.ApplyRequest(outbound); err != nil {
		http.Error(w, "request blocked", http.StatusForbidden)
		e.logError(reqID, start, inbound, h.targetHost, "https", fmt.Errorf("request filter rejected: %w", err))
		return
	}

	resp, err := e.pipeline.Forward(inbound.Context(), &forward.RequestEnvelope{
		Req:         outbound,
		IsTLSOrigin: true,
		ClientAddr:  audit.ClientAddrFromRequest(h.baseReq),
	})
	if err != nil {
		status := statusForForwardError(err)
		http.Error(w, "upstream error", status)
		e.logError(reqID, start, inbound, h.targetHost, "https", err)
		return
	}
	defer resp.Resp.Body.Close()

	if err := e.filters.ApplyResponse(resp.Resp); err != nil {
		http.Error(w, "response blocked", http.StatusBadGateway)
		e.logError(reqID, start, inbound, h.targetHost, "https", fmt.Errorf("response filter rejected: %w", err))
		return
	}

	copyHeaders(w.Header(), resp.Resp.Header)
	w.WriteHeader(resp.Resp.StatusCode)
	bytesCopied, copyErr := copyStream(w, resp.Resp.Body)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		e.opLog.Warnf("stream-copy", "id=%s target=%s err=%v", reqID, h.targetHost, copyErr)
	}

	e.recordSuccess(reqID, start, inbound, outbound, resp, h.targetHost, bytesCopied, "https")
}

// singleConnListener wraps a single net.Conn as a net.Listener. Accept
// returns the connection exactly once, then blocks until Close is called —
// grounded on laplaque's internal/mitm/mitm.go of the same name.
type singleConnListener struct {
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		select {}
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return l.conn.Close() }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
