package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/kdhira/mitm-forward-proxy/internal/log"
)

// runMultiProcess re-executes the current binary cfg.ProcessCount times
// with cfg.ChildFlag appended, so each child's own main() recognizes it is
// a supervised worker and binds cfg.Addr itself with SO_REUSEPORT. The
// parent forwards shutdown (ctx cancellation, wired from SIGINT/SIGTERM by
// the caller) to every child and does not restart crashed children.
func runMultiProcess(ctx context.Context, cfg Config, opLog *log.Logger) error {
	if cfg.UseReuseport && !reuseportSupported {
		return fmt.Errorf("supervisor: multi_process with use_reuseport requires SO_REUSEPORT, unsupported on %s", runtime.GOOS)
	}
	if !cfg.UseReuseport {
		return fmt.Errorf("supervisor: multi_process requires runtime.use_reuseport so children can share %s", cfg.Addr)
	}

	children := cfg.ProcessCount
	if children <= 0 {
		children = runtime.NumCPU()
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	cmds := make([]*exec.Cmd, 0, children)
	for i := 0; i < children; i++ {
		args := append(append([]string{}, os.Args[1:]...), cfg.ChildFlag)
		cmd := exec.Command(exePath, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			terminateAll(cmds)
			return fmt.Errorf("supervisor: start child %d: %w", i, err)
		}
		opLog.Infof("mode", "multi_process: started child pid=%d", cmd.Process.Pid)
		cmds = append(cmds, cmd)
	}

	waitErr := make(chan error, len(cmds))
	var wg sync.WaitGroup
	for _, cmd := range cmds {
		wg.Add(1)
		go func(cmd *exec.Cmd) {
			defer wg.Done()
			waitErr <- cmd.Wait()
		}(cmd)
	}
	go func() {
		wg.Wait()
		close(waitErr)
	}()

	select {
	case <-ctx.Done():
		opLog.Info("mode", "multi_process: forwarding shutdown to children")
		terminateAll(cmds)
		for range cmds {
			<-waitErr
		}
		return nil
	case err := <-waitErr:
		opLog.Warnf("mode", "multi_process: a child exited: %v", err)
		terminateAll(cmds)
		return err
	}
}

func terminateAll(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}
