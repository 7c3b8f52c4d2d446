package proxy // import "github.com/pgtemp/pgtemp/proxy"

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgtemp/pgtemp/pgtemplogger"
)

// halfCloser is implemented by *net.TCPConn; splice uses it to propagate
// one direction's EOF to the other peer without tearing down the whole
// socket, so the still-open direction can finish draining.
type halfCloser interface {
	CloseWrite() error
}

// splice copies bytes bidirectionally between client and backend until
// either side closes, per spec.md §4.5 step 3: on one direction's EOF, it
// half-shuts-down the write side of the other connection, lets that
// direction drain, then returns. Grounded on the teacher's pattern of
// fanning independent goroutines into an errgroup and awaiting all of them
// (host-service.go's goroutineTracker), adapted here to two copy tasks per
// session instead of one per subsystem.
func splice(ctx context.Context, client, backend net.Conn) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error { return copyHalf(client, backend) })
	g.Go(func() error { return copyHalf(backend, client) })

	if err := g.Wait(); err != nil && !isBenignCloseError(err) {
		return err
	}
	return nil
}

// copyHalf copies from src to dst until src returns EOF, then signals dst
// that no more data is coming by half-closing dst's write side (if it
// supports CloseWrite) so the peer still reading from dst observes a clean
// end rather than hanging.
func copyHalf(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	return err
}

// isBenignCloseError reports whether err is just the ordinary noise of one
// side of a proxied connection going away — not worth surfacing as
// ProxyIO.
func isBenignCloseError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// dialBackend opens a loopback TCP connection to a just-booted backing
// cluster, retrying briefly since the cluster may report Ready a moment
// before its listening socket is actually accepting in edge cases (e.g.
// under heavy scheduler contention).
func dialBackend(ctx context.Context, host string, port uint16) (net.Conn, error) {
	const attempts = 3
	dialer := net.Dialer{}
	addr := net.JoinHostPort(host, portToA(port))
	var conn net.Conn
	var err error
	for i := 0; i < attempts; i++ {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil || ctx.Err() != nil || i == attempts-1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		pgtemplogger.Warningf("proxy: failed to dial backing cluster at %s: %s", addr, err)
	}
	return conn, err
}

func portToA(port uint16) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
