// Package ports finds free local TCP ports for new services.
package ports

import (
	"errors"
	"fmt"

	"github.com/edvin/onionctl/internal/sysops"
)

const maxPort = 65535

// ErrExhausted is returned when the scan runs past the valid port range
// without finding a free port.
var ErrExhausted = errors.New("no free port in valid range")

// Allocate returns the first port >= basePort that is neither in the busy
// set nor reported as listening by the system facade. The busy set carries
// ports already promised to registry records, which may not be bound yet.
//
// The listening check is racy against the kernel; if the service later
// fails to bind, that is an external process failure, not a reason to
// re-allocate automatically.
func Allocate(sys sysops.System, basePort int, busy map[int]bool) (int, error) {
	if basePort < 1 || basePort > maxPort {
		return 0, fmt.Errorf("base port %d out of range: %w", basePort, ErrExhausted)
	}

	for port := basePort; port <= maxPort; port++ {
		if busy[port] {
			continue
		}
		if sys.IsPortListening(port) {
			continue
		}
		return port, nil
	}

	return 0, fmt.Errorf("scanned %d-%d: %w", basePort, maxPort, ErrExhausted)
}
