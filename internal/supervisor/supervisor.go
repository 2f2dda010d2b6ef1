// Package supervisor owns process- and goroutine-level fan-out for the
// listening socket: single accept loop, a worker-goroutine pool sharing one
// listener, or a multi_process fleet of re-exec'd children bound to the
// same address via SO_REUSEPORT. The re-exec/child-supervision shape
// (run-and-wait, signal forwarding) is grounded on
// hashicorp-consul-api-gateway/subcommand/exec/command.go; SO_REUSEPORT
// support uses golang.org/x/sys/unix, the same dependency
// laplaque-ai-anonymizing-proxy carries indirectly.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kdhira/mitm-forward-proxy/internal/log"
)

// Mode selects how the listening socket is fanned out across goroutines or
// processes.
type Mode string

const (
	ModeSingle        Mode = "single"
	ModeMultiThreaded Mode = "multi_threaded"
	ModeMultiProcess  Mode = "multi_process"
)

const shutdownGrace = 10 * time.Second

// ParseMode validates a configured mode string, defaulting empty to single.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSingle:
		return ModeSingle, nil
	case ModeMultiThreaded:
		return ModeMultiThreaded, nil
	case ModeMultiProcess:
		return ModeMultiProcess, nil
	default:
		return "", fmt.Errorf("supervisor: unknown runtime mode %q", s)
	}
}

// Config describes how to run a handler under a given runtime mode.
type Config struct {
	Mode         Mode
	Addr         string
	ProcessCount int // multi_process child count; <=0 defaults to NumCPU
	UseReuseport bool
	ChildFlag    string // flag this binary recognizes to behave as a supervised child, e.g. "-supervisor-child"
}

// Run drives handler to completion under the configured mode. It blocks
// until ctx is cancelled (SIGINT/SIGTERM having been wired into ctx by the
// caller) or an unrecoverable error occurs.
func Run(ctx context.Context, cfg Config, handler http.Handler, opLog *log.Logger) error {
	if err := checkPrivilegedPort(cfg.Addr); err != nil {
		return err
	}

	switch cfg.Mode {
	case "", ModeSingle:
		return runSingle(ctx, cfg, handler, opLog)
	case ModeMultiThreaded:
		return runMultiThreaded(ctx, cfg, handler, opLog)
	case ModeMultiProcess:
		return runMultiProcess(ctx, cfg, opLog)
	default:
		return fmt.Errorf("supervisor: unknown runtime mode %q", cfg.Mode)
	}
}

// runSingle binds one listener and serves it with net/http's own internal
// accept loop.
func runSingle(ctx context.Context, cfg Config, handler http.Handler, opLog *log.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("supervisor: listen: %w", err)
	}
	opLog.Infof("mode", "single worker serving %s", cfg.Addr)
	return serveUntilDone(ctx, ln, handler)
}

// runMultiThreaded starts runtime.NumCPU() (or ProcessCount, if set) worker
// goroutines each running its own *http.Server.Serve over listeners bound
// to the same address with SO_REUSEPORT when available, or — on platforms
// or configurations without reuseport — a single shared listener accepted
// from by every worker goroutine concurrently (net.Listener.Accept is safe
// for concurrent callers).
func runMultiThreaded(ctx context.Context, cfg Config, handler http.Handler, opLog *log.Logger) error {
	workers := cfg.ProcessCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.UseReuseport {
		for i := 0; i < workers; i++ {
			ln, err := listenReuseport(cfg.Addr)
			if err != nil {
				return fmt.Errorf("supervisor: reuseport listen worker %d: %w", i, err)
			}
			group.Go(func() error { return serveUntilDone(groupCtx, ln, handler) })
		}
		opLog.Infof("mode", "multi_threaded: %d reuseport workers on %s", workers, cfg.Addr)
	} else {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("supervisor: listen: %w", err)
		}
		for i := 0; i < workers; i++ {
			group.Go(func() error { return serveUntilDone(groupCtx, ln, handler) })
		}
		opLog.Infof("mode", "multi_threaded: %d workers sharing one listener on %s", workers, cfg.Addr)
	}

	return group.Wait()
}

// serveUntilDone runs an *http.Server over ln until ctx is cancelled, then
// shuts it down gracefully.
func serveUntilDone(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func checkPrivilegedPort(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil || portStr == "" {
		return nil
	}
	port := 0
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil
	}
	if port == 0 || port >= 1024 {
		return nil
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("supervisor: binding privileged port %d requires root (euid=0), got euid=%d", port, os.Geteuid())
	}
	return nil
}
