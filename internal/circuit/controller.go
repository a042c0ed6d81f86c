// Package circuit renews the anonymizing circuit's identity and validates the
// new externally observed address. Every rotation runs the state machine
// Idle → SignalSent → Stabilizing → Validating → Success | Failed, within two
// nested attempt budgets so it always terminates.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/retry"
)

// State is a step of a rotation.
type State int

// Rotation states.
const (
	StateIdle State = iota
	StateSignalSent
	StateStabilizing
	StateValidating
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignalSent:
		return "signal_sent"
	case StateStabilizing:
		return "stabilizing"
	case StateValidating:
		return "validating"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Signaler asks the circuit for a new identity. It reports success or failure only.
type Signaler interface {
	NewIdentity(ctx context.Context) error
}

// AddressResolver discovers the externally observed address.
type AddressResolver interface {
	Resolve(ctx context.Context) (string, bool)
}

// Config holds the attempt budgets and waits of a rotation.
type Config struct {
	MaxRotations  int
	SignalRetries int
	SignalBackoff retry.Policy
	Stabilize     time.Duration
}

// Identity is the outcome of a successful rotation. It is never persisted.
type Identity struct {
	Address string
	// Rotation is the outer iteration (1-based) that produced the address.
	Rotation int
	// SignalAttempts counts control-channel signals sent across all iterations.
	SignalAttempts int
	At             time.Time
}

// Controller drives rotations. Rotate is serialized.
type Controller struct {
	cfg      Config
	signaler Signaler
	resolver AddressResolver
	sleeper  harvest.Sleeper
	clock    harvest.Clock
	logger   *zap.Logger

	rotateMu sync.Mutex

	mu    sync.Mutex
	state State
	last  Identity
}

// New builds a Controller. Zero budgets fall back to 3 and the signal backoff
// defaults to doubling from 2s.
func New(cfg Config, signaler Signaler, resolver AddressResolver, sleeper harvest.Sleeper, clock harvest.Clock, logger *zap.Logger) (*Controller, error) {
	if signaler == nil || resolver == nil || sleeper == nil {
		return nil, fmt.Errorf("%w: circuit controller requires a signaler, resolver and sleeper", harvest.ErrConfiguration)
	}
	if cfg.MaxRotations <= 0 {
		cfg.MaxRotations = 3
	}
	if cfg.SignalRetries <= 0 {
		cfg.SignalRetries = 3
	}
	if cfg.SignalBackoff == nil {
		cfg.SignalBackoff = retry.Exponential{Base: 2 * time.Second}
	}
	if clock == nil {
		clock = utcClock{}
	}
	return &Controller{
		cfg:      cfg,
		signaler: signaler,
		resolver: resolver,
		sleeper:  sleeper,
		clock:    clock,
		logger:   logging.OrNop(logger),
	}, nil
}

// Rotate renews the circuit and validates the new address. It returns as soon
// as an address is observed. When every outer iteration fails it returns an
// error wrapping harvest.ErrRotationFailed, which callers treat as fatal.
func (c *Controller) Rotate(ctx context.Context) (Identity, error) {
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()

	signals := 0
	for iteration := 1; iteration <= c.cfg.MaxRotations; iteration++ {
		c.setState(StateIdle)
		sent, attempts := c.sendSignal(ctx)
		signals += attempts
		if sent {
			c.setState(StateStabilizing)
			c.sleeper.Sleep(c.cfg.Stabilize)
		}

		c.setState(StateValidating)
		addr, ok := c.resolver.Resolve(ctx)
		if ok {
			id := Identity{Address: addr, Rotation: iteration, SignalAttempts: signals, At: c.clock.Now()}
			c.mu.Lock()
			c.state = StateSuccess
			c.last = id
			c.mu.Unlock()
			c.logger.Info("circuit rotated",
				zap.String("address", addr),
				zap.Int("iteration", iteration),
				zap.Bool("signal_acknowledged", sent))
			return id, nil
		}
		c.logger.Warn("rotation iteration yielded no address",
			zap.Int("iteration", iteration), zap.Int("max_rotations", c.cfg.MaxRotations))
	}

	c.setState(StateFailed)
	c.logger.Error("circuit rotation exhausted", zap.Int("max_rotations", c.cfg.MaxRotations))
	return Identity{}, fmt.Errorf("%w: no address after %d rotations", harvest.ErrRotationFailed, c.cfg.MaxRotations)
}

// sendSignal tries the control channel up to SignalRetries times, waiting the
// backoff delay after each failure. It returns whether a signal was accepted
// and how many were attempted.
func (c *Controller) sendSignal(ctx context.Context) (bool, int) {
	for attempt := 1; attempt <= c.cfg.SignalRetries; attempt++ {
		err := c.signaler.NewIdentity(ctx)
		if err == nil {
			c.setState(StateSignalSent)
			return true, attempt
		}
		delay := c.cfg.SignalBackoff.Delay(attempt)
		c.logger.Warn("identity signal failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.SignalRetries),
			zap.Duration("backoff", delay),
			zap.Error(err))
		c.sleeper.Sleep(delay)
	}
	return false, c.cfg.SignalRetries
}

// ResolveAddress queries the address services without renewing the circuit.
func (c *Controller) ResolveAddress(ctx context.Context) (string, bool) {
	return c.resolver.Resolve(ctx)
}

// State reports the current step of the most recent rotation.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the identity of the most recent successful rotation.
func (c *Controller) Last() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
