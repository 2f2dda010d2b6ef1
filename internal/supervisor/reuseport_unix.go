//go:build linux || darwin

package supervisor

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenReuseport binds addr with SO_REUSEPORT set before bind, so multiple
// independent listeners (one per worker goroutine or child process) can
// share the same address and let the kernel load-balance accepts across
// them. Grounded on the golang.org/x/sys/unix dependency the pack carries
// via laplaque-ai-anonymizing-proxy/go.mod.
func listenReuseport(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reuseport listen %s: %w", addr, err)
	}
	return ln, nil
}

const reuseportSupported = true
