/*
Package portalloc reserves free loopback TCP ports for backing PostgreSQL
clusters.
*/
package portalloc // import "github.com/pgtemp/pgtemp/pgcluster/portalloc"

import (
	"fmt"
	"net"
	"sync"
)

// maxBindAttempts bounds the bind-to-0 retry loop; spec requires at least 3.
const maxBindAttempts = 3

// guard records ports this process has handed out but whose backing
// `postgres` may not have bound them yet, so two concurrent Reserve calls in
// this process can't race each other onto the same kernel-assigned port
// between the bind-to-0 syscall and the caller actually using the number.
var (
	guard     = make(map[uint16]struct{})
	guardLock sync.Mutex
)

// Reserve binds a throwaway TCP socket to 127.0.0.1:0, reads back the
// kernel-assigned port, and closes the socket, returning the port number.
// The bind-then-close approach is inherently racy (another process, or
// `postgres` itself, may grab the port before the caller gets to use it) so
// Reserve retries up to maxBindAttempts times, skipping any port still held
// in this process's own guard map.
func Reserve() (uint16, error) {
	var lastErr error

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		port, err := reserveOnce()
		if err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}

	return 0, fmt.Errorf("PortUnavailable: could not reserve a free port after %d attempts: %w", maxBindAttempts, lastErr)
}

func reserveOnce() (uint16, error) {
	guardLock.Lock()
	defer guardLock.Unlock()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to bind probe socket: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", l.Addr())
	}
	port := uint16(addr.Port)

	if _, taken := guard[port]; taken {
		return 0, fmt.Errorf("port %d already reserved by this process", port)
	}

	guard[port] = struct{}{}
	return port, nil
}

// Release removes a port from the in-process guard map. Call it once the
// caller is done with the port (either the backing server failed to start,
// or the cluster using it has been torn down) so the number can be reused.
func Release(port uint16) {
	guardLock.Lock()
	defer guardLock.Unlock()
	delete(guard, port)
}
