// Package orchestrator drives one run: it pulls a batch of identifiers, turns
// each into a target URL, retrieves it and decides when to renew the circuit
// identity and session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/circuit"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/retrieval"
	"github.com/JakeFAU/docharvest/internal/session"
)

// IDPlaceholder is replaced by the identifier in URL templates.
const IDPlaceholder = "{id}"

// Rotation triggers.
const (
	TriggerInitial   = "initial"
	TriggerBlocked   = "blocked"
	TriggerScheduled = "scheduled"
)

// Allocator hands out identifiers.
type Allocator interface {
	AllocateBatch(ctx context.Context, n int) ([]int64, error)
}

// Retriever runs the per-URL retrieval protocol.
type Retriever interface {
	Retrieve(ctx context.Context, t retrieval.Target) retrieval.Result
}

// Rotator renews the circuit identity.
type Rotator interface {
	Rotate(ctx context.Context) (circuit.Identity, error)
}

// SessionRenewer replaces the current session.
type SessionRenewer interface {
	ForceNew() (*session.Session, error)
}

// Pacer delays requests to respect a rate budget.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes the control loop.
type Config struct {
	RunID       string
	URLTemplate string
	BatchSize   int
	// RotationInterval is the scheduled rotation cadence in processed URLs.
	RotationInterval int
	// RotationPause is slept after every successful rotation.
	RotationPause   time.Duration
	InitialRotation bool
	// ResetCadenceOnBlock restarts the scheduled cadence after a block rotation.
	ResetCadenceOnBlock bool
	// MergeBlockWithCadence skips the scheduled rotation when the same URL
	// already rotated because it was blocked.
	MergeBlockWithCadence bool
}

// Summary tallies one run.
type Summary struct {
	RunID     string `json:"run_id"`
	Requested int    `json:"requested"`
	Allocated int    `json:"allocated"`
	Processed int    `json:"processed"`
	Stored    int    `json:"stored"`
	NotFound  int    `json:"not_found"`
	Blocked   int    `json:"blocked"`
	Failed    int    `json:"failed"`
	Invalid   int    `json:"invalid"`
	Rotations int    `json:"rotations"`
	Cancelled bool   `json:"cancelled"`
	Exhausted bool   `json:"exhausted"`
}

// Phase is the lifecycle position of a run.
type Phase string

// Run phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
	PhaseAborted   Phase = "aborted"
)

// Status is a point-in-time view of the run for the status server.
type Status struct {
	Phase       Phase     `json:"phase"`
	Summary     Summary   `json:"summary"`
	CurrentID   int64     `json:"current_id,omitempty"`
	LastAddress string    `json:"last_address,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Orchestrator composes allocator, retriever, circuit and sessions.
type Orchestrator struct {
	cfg       Config
	allocator Allocator
	retriever Retriever
	rotator   Rotator
	sessions  SessionRenewer
	pacer     Pacer
	sleeper   harvest.Sleeper
	clock     harvest.Clock
	logger    *zap.Logger

	mu     sync.RWMutex
	status Status
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPacer rate-limits requests.
func WithPacer(p Pacer) Option {
	return func(o *Orchestrator) { o.pacer = p }
}

// WithClock sets the clock used for status timestamps.
func WithClock(c harvest.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// New wires an Orchestrator.
func New(cfg Config, alloc Allocator, retriever Retriever, rotator Rotator, sessions SessionRenewer, sleeper harvest.Sleeper, opts ...Option) (*Orchestrator, error) {
	if alloc == nil || retriever == nil || rotator == nil || sessions == nil || sleeper == nil {
		return nil, fmt.Errorf("%w: orchestrator requires allocator, retriever, rotator, sessions and sleeper", harvest.ErrConfiguration)
	}
	if !strings.Contains(cfg.URLTemplate, IDPlaceholder) {
		return nil, fmt.Errorf("%w: url template %q lacks %s", harvest.ErrConfiguration, cfg.URLTemplate, IDPlaceholder)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0", harvest.ErrConfiguration)
	}
	if cfg.RotationInterval <= 0 {
		return nil, fmt.Errorf("%w: rotation interval must be > 0", harvest.ErrConfiguration)
	}
	o := &Orchestrator{
		cfg:       cfg,
		allocator: alloc,
		retriever: retriever,
		rotator:   rotator,
		sessions:  sessions,
		sleeper:   sleeper,
		clock:     utcClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.status = Status{Phase: PhaseIdle, Summary: Summary{RunID: cfg.RunID, Requested: cfg.BatchSize}}
	return o, nil
}

// BuildURL substitutes id into template.
func BuildURL(template string, id int64) string {
	return strings.ReplaceAll(template, IDPlaceholder, strconv.FormatInt(id, 10))
}

// Run processes one batch. Cancellation of ctx is honored between
// identifiers only; an in-flight retrieval or rotation always completes. A
// cancelled run returns its summary and a nil error. Rotation failure aborts
// the run with an error wrapping harvest.ErrRotationFailed.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	work := context.WithoutCancel(ctx)
	log := o.logger.With(zap.String("run_id", o.cfg.RunID))
	o.update(func(s *Status) {
		s.Phase = PhaseRunning
		s.StartedAt = o.clock.Now()
	})

	if o.cfg.InitialRotation {
		if err := o.rotate(work, TriggerInitial, log); err != nil {
			return o.finish(PhaseAborted), err
		}
	}

	ids, err := o.allocator.AllocateBatch(work, o.cfg.BatchSize)
	o.update(func(s *Status) {
		s.Summary.Allocated = len(ids)
		s.Summary.Exhausted = err == nil && len(ids) < o.cfg.BatchSize
	})
	if err != nil {
		if len(ids) == 0 {
			return o.finish(PhaseAborted), fmt.Errorf("allocate batch: %w", err)
		}
		log.Error("allocation stopped early, processing issued identifiers",
			zap.Int("issued", len(ids)), zap.Error(err))
	}
	if len(ids) == 0 {
		log.Warn("no identifiers left in range")
		return o.finish(PhaseCompleted), nil
	}
	log.Info("batch allocated", zap.Int("requested", o.cfg.BatchSize), zap.Int("allocated", len(ids)))

	sinceScheduled := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			log.Warn("run cancelled",
				zap.Int("processed", i), zap.Int("abandoned", len(ids)-i))
			return o.finish(PhaseCancelled), nil
		}

		target := retrieval.Target{ID: id, URL: BuildURL(o.cfg.URLTemplate, id)}
		o.update(func(s *Status) { s.CurrentID = id })
		if o.pacer != nil {
			if err := o.pacer.Wait(ctx, target.URL); err != nil {
				log.Warn("run cancelled while pacing", zap.Int("processed", i), zap.Error(err))
				return o.finish(PhaseCancelled), nil
			}
		}

		res := o.retriever.Retrieve(work, target)
		o.record(res)
		sinceScheduled++

		rotated := false
		if res.Blocked() {
			log.Warn("blocked, rotating identity", zap.Int64("id", id), zap.Int("status", res.StatusCode))
			if err := o.rotate(work, TriggerBlocked, log); err != nil {
				return o.finish(PhaseAborted), err
			}
			rotated = true
			if o.cfg.ResetCadenceOnBlock {
				sinceScheduled = 0
			}
		}
		if sinceScheduled >= o.cfg.RotationInterval {
			sinceScheduled = 0
			if rotated && o.cfg.MergeBlockWithCadence {
				log.Debug("scheduled rotation merged into block rotation", zap.Int64("id", id))
			} else {
				if err := o.rotate(work, TriggerScheduled, log); err != nil {
					return o.finish(PhaseAborted), err
				}
			}
		}
	}

	if err != nil {
		return o.finish(PhaseAborted), fmt.Errorf("allocate batch: %w", err)
	}
	return o.finish(PhaseCompleted), nil
}

// rotate renews the circuit, replaces the session and pauses.
func (o *Orchestrator) rotate(ctx context.Context, trigger string, log *zap.Logger) error {
	identity, err := o.rotator.Rotate(ctx)
	if err != nil {
		metrics.ObserveRotation(trigger, "failed")
		log.Error("run aborted: circuit rotation failed", zap.String("trigger", trigger), zap.Error(err))
		if !errors.Is(err, harvest.ErrRotationFailed) {
			err = fmt.Errorf("%w: %w", harvest.ErrRotationFailed, err)
		}
		return err
	}
	sess, err := o.sessions.ForceNew()
	if err != nil {
		metrics.ObserveRotation(trigger, "failed")
		log.Error("run aborted: new session after rotation failed", zap.String("trigger", trigger), zap.Error(err))
		return fmt.Errorf("%w: new session: %w", harvest.ErrRotationFailed, err)
	}
	metrics.ObserveRotation(trigger, "success")
	o.update(func(s *Status) {
		s.Summary.Rotations++
		s.LastAddress = identity.Address
	})
	log.Info("identity renewed",
		zap.String("trigger", trigger),
		zap.String("address", identity.Address),
		zap.Int("session_id", sess.ID),
		zap.Duration("pause", o.cfg.RotationPause))
	o.sleeper.Sleep(o.cfg.RotationPause)
	return nil
}

func (o *Orchestrator) record(res retrieval.Result) {
	o.update(func(s *Status) {
		s.Summary.Processed++
		switch res.Status {
		case retrieval.StatusStored:
			s.Summary.Stored++
		case retrieval.StatusNotFound:
			s.Summary.NotFound++
		case retrieval.StatusBlocked:
			s.Summary.Blocked++
		case retrieval.StatusInvalid:
			s.Summary.Invalid++
		default:
			s.Summary.Failed++
		}
	})
}

func (o *Orchestrator) finish(phase Phase) Summary {
	var sum Summary
	o.update(func(s *Status) {
		s.Phase = phase
		s.FinishedAt = o.clock.Now()
		s.CurrentID = 0
		s.Summary.Cancelled = phase == PhaseCancelled
		sum = s.Summary
	})
	o.logger.Info("run finished",
		zap.String("run_id", sum.RunID),
		zap.String("phase", string(phase)),
		zap.Int("processed", sum.Processed),
		zap.Int("stored", sum.Stored),
		zap.Int("not_found", sum.NotFound),
		zap.Int("blocked", sum.Blocked),
		zap.Int("failed", sum.Failed),
		zap.Int("invalid", sum.Invalid),
		zap.Int("rotations", sum.Rotations))
	return sum
}

// Status returns a snapshot safe to read from other goroutines.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
