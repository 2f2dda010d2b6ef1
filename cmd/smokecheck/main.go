package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/kdhira/mitm-forward-proxy/internal/audit"
	"github.com/kdhira/mitm-forward-proxy/internal/config"
	"github.com/kdhira/mitm-forward-proxy/internal/engine"
	applog "github.com/kdhira/mitm-forward-proxy/internal/log"
	"github.com/kdhira/mitm-forward-proxy/internal/profiles"
)

// smokecheck boots an Engine against two httptest upstreams and drives a
// plain HTTP request plus a CONNECT-tunneled HTTPS request through it.
func main() {
	logFile := flag.String("log-file", "logs/smoke.jsonl", "path to write JSONL audit output")
	addr := flag.String("addr", "127.0.0.1:18080", "listen address for the probe proxy")
	flag.Parse()

	if err := os.MkdirAll("logs", 0o755); err != nil {
		log.Fatalf("failed creating logs dir: %v", err)
	}
	if err := os.RemoveAll(*logFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to clean log file: %v", err)
	}

	upstreamHTTP := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Smoke", "http")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstreamHTTP.Close()

	upstreamHTTPS := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Smoke", "https")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("secure"))
	}))
	defer upstreamHTTPS.Close()

	cfg := config.Config{
		Addr:                     *addr,
		LogFile:                  *logFile,
		Profiles:                 []string{"generic"},
		AllowHosts:               []string{"*"},
		HTTPSInterceptionEnabled: false, // smoke-test the CONNECT passthrough tunnel, not MITM
		UpstreamSkipCertVerify:   true,
	}

	logger, err := audit.NewFileLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	registry, err := profiles.FromNames(cfg.Profiles, nil)
	if err != nil {
		log.Fatalf("failed to build profile registry: %v", err)
	}

	opLog := applog.New("smokecheck", applog.LevelInfo, os.Stderr)
	defer opLog.Close()

	eng, err := engine.New(cfg, engine.Dependencies{Logger: logger, OpLog: opLog, Profiles: registry})
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	defer eng.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Addr, err)
	}
	srv := &http.Server{Handler: eng}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	time.Sleep(150 * time.Millisecond)

	proxyURL, _ := url.Parse("http://" + cfg.Addr)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(upstreamHTTP.URL)
	if err != nil {
		log.Fatalf("http request via proxy failed: %v", err)
	}
	_ = resp.Body.Close()

	httpsClient := &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err = httpsClient.Get(upstreamHTTPS.URL)
	if err != nil {
		log.Fatalf("https request via proxy failed: %v", err)
	}
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		log.Fatalf("server did not confirm shutdown")
	}
}
