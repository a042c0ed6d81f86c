// Package torctl sends identity-renewal signals over the Tor control protocol.
package torctl

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"github.com/cretz/bine/control"
)

// Config locates and authenticates the control port.
type Config struct {
	Addr        string
	Password    string
	DialTimeout time.Duration
}

// Signaler opens a control connection per request, authenticates and sends
// SIGNAL NEWNYM.
type Signaler struct {
	cfg  Config
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns a Signaler for cfg.
func New(cfg Config) *Signaler {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Signaler{cfg: cfg, dial: d.DialContext}
}

// NewIdentity implements circuit.Signaler.
func (s *Signaler) NewIdentity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	raw, err := s.dial(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial control port %s: %w", s.cfg.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	conn := control.NewConn(textproto.NewConn(raw))
	defer conn.Close()

	if err := conn.Authenticate(s.cfg.Password); err != nil {
		return fmt.Errorf("authenticate control port: %w", err)
	}
	if err := conn.Signal("NEWNYM"); err != nil {
		return fmt.Errorf("signal NEWNYM: %w", err)
	}
	return nil
}
