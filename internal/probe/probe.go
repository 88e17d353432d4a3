// Package probe answers "do we currently have network?" with a plain TCP
// connect to a well-known endpoint. A negative answer defers upload
// attempts, it never fails them.
package probe

import (
	"context"
	"net"
	"time"
)

type Prober struct {
	addr    string
	timeout time.Duration
}

func New(addr string, timeout time.Duration) *Prober {
	if addr == "" {
		addr = "1.1.1.1:443"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{addr: addr, timeout: timeout}
}

func (p *Prober) Reachable(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: p.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	conn.Close()

	return true
}
