// Package client implements the private side of the reverse tunnel: the
// origin dispatcher driving local I/O and the supervisor that keeps the
// control channel alive.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// ProbeOrigin checks that the local service is accepting connections.
// The client refuses to register a tunnel to a dead origin.
func ProbeOrigin(port int, timeout time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return errors.Wrapf(err, "no local service reachable on port %d", port)
	}
	return conn.Close()
}
