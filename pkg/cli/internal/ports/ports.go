// Package ports provides port availability checking.
package ports

import (
	"fmt"
	"net"
	"strconv"
)

// IsAvailable checks if a port is available for binding on host.
func IsAvailable(host string, port int) bool {
	return Check(host, port) == nil
}

// Check checks if a port is available on host and returns an error if not.
// Port zero always passes.
func Check(host string, port int) error {
	if port == 0 {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d is not available: %w", port, err)
	}
	_ = ln.Close()
	return nil
}
