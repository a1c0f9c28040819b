// Package production backs pkg/runtime.Runtime with the real network and
// wall clock: net.Dialer, tls.Client, and time.Now/time.Sleep.
package production

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Runtime is the production pkg/runtime.Runtime implementation.
type Runtime struct {
	Dialer *net.Dialer
	start  time.Time
}

// New creates a production runtime. A zero-value Runtime is also usable;
// New just fixes the Monotonic() epoch to construction time.
func New() *Runtime {
	return &Runtime{Dialer: &net.Dialer{}, start: time.Now()}
}

// Spawn runs fn in a new goroutine with a background context.
func (r *Runtime) Spawn(fn func(context.Context)) {
	go fn(context.Background())
}

// Sleep blocks for duration or until ctx is canceled.
func (r *Runtime) Sleep(ctx context.Context, duration time.Duration) error {
	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After returns a real time.After channel.
func (r *Runtime) After(duration time.Duration) <-chan time.Time {
	return time.After(duration)
}

// Dial opens a TCP connection via net.Dialer, honoring ctx.
func (r *Runtime) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := r.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	return d.DialContext(ctx, network, addr)
}

// WrapTLS negotiates TLS as a client over conn.
func (r *Runtime) WrapTLS(conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// Now returns time.Now().
func (r *Runtime) Now() time.Time { return time.Now() }

// Monotonic returns elapsed time since the runtime was constructed.
func (r *Runtime) Monotonic() time.Duration { return time.Since(r.start) }
