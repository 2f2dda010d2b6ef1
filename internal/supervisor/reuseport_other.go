//go:build !linux && !darwin

package supervisor

import (
	"fmt"
	"net"
)

// listenReuseport is unavailable outside Linux/Darwin; callers that asked
// for use_reuseport must fail fast here rather than silently degrading to
// a single shared listener.
func listenReuseport(addr string) (net.Listener, error) {
	return nil, fmt.Errorf("supervisor: SO_REUSEPORT is not supported on this platform")
}

const reuseportSupported = false
