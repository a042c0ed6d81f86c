// Package allocator hands out identifiers from a bounded range exactly once,
// recording every issued value in a ledger before returning it.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// defaultDenseDraws is how many rejected draws trigger the dense fallback when enabled.
const defaultDenseDraws = 64

// Allocator issues identifiers uniformly at random among those not yet used.
// The read-check-append sequence runs under a mutex so concurrent callers
// never receive the same value.
type Allocator struct {
	mu     sync.Mutex
	rng    harvest.Range
	ledger harvest.Ledger
	used   map[int64]struct{}
	logger *zap.Logger

	int64n     func(n int64) int64
	dense      bool
	denseDraws int
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithRandom replaces the uniform source; fn must return a value in [0, n).
func WithRandom(fn func(n int64) int64) Option {
	return func(a *Allocator) {
		if fn != nil {
			a.int64n = fn
		}
	}
}

// WithDenseFallback switches to choosing among the enumerated remaining
// identifiers once draws consecutive random picks hit used values.
// A non-positive draws keeps the default threshold.
func WithDenseFallback(draws int) Option {
	return func(a *Allocator) {
		a.dense = true
		if draws > 0 {
			a.denseDraws = draws
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) {
		a.logger = logging.OrNop(l)
	}
}

// New loads the ledger for r and returns an allocator over the remaining pool.
// Recorded values outside r are ignored.
func New(ctx context.Context, r harvest.Range, ledger harvest.Ledger, opts ...Option) (*Allocator, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: allocator requires a ledger", harvest.ErrConfiguration)
	}
	a := &Allocator{
		rng:        r,
		ledger:     ledger,
		used:       make(map[int64]struct{}),
		logger:     zap.NewNop(),
		int64n:     rand.Int64N,
		denseDraws: defaultDenseDraws,
	}
	for _, opt := range opts {
		opt(a)
	}

	recorded, err := ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", r.Key(), err)
	}
	var outside int
	for _, id := range recorded {
		if !r.Contains(id) {
			outside++
			continue
		}
		a.used[id] = struct{}{}
	}
	if outside > 0 {
		a.logger.Warn("ignoring ledger entries outside range",
			zap.Stringer("range", r), zap.Int("count", outside))
	}
	a.logger.Info("allocator ready",
		zap.Stringer("range", r),
		zap.Int("used", len(a.used)),
		zap.Int64("remaining", a.remainingLocked()))
	return a, nil
}

// Range returns the bounds the allocator serves.
func (a *Allocator) Range() harvest.Range {
	return a.rng
}

// Used returns how many identifiers were issued for the range, including earlier runs.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Remaining returns how many identifiers are still available.
func (a *Allocator) Remaining() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remainingLocked()
}

func (a *Allocator) remainingLocked() int64 {
	return a.rng.Capacity() - int64(len(a.used))
}

// AllocateOne returns an identifier never issued before for this range. The
// value is durably appended to the ledger before it is returned. It fails with
// harvest.ErrRangeExhausted once every identifier has been issued.
func (a *Allocator) AllocateOne(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		if a.remainingLocked() <= 0 {
			return 0, fmt.Errorf("%w: %s", harvest.ErrRangeExhausted, a.rng)
		}
		id := a.pickLocked()
		err := a.ledger.Append(ctx, id)
		if errors.Is(err, harvest.ErrAlreadyRecorded) {
			a.used[id] = struct{}{}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("record id %d: %w", id, err)
		}
		a.used[id] = struct{}{}
		metrics.ObserveAllocation()
		return id, nil
	}
}

// pickLocked draws uniformly from the full range and rejects used values.
func (a *Allocator) pickLocked() int64 {
	capacity := a.rng.Capacity()
	for draws := 1; ; draws++ {
		id := a.rng.Start + a.int64n(capacity)
		if _, taken := a.used[id]; !taken {
			return id
		}
		if a.dense && draws >= a.denseDraws {
			return a.pickRemainingLocked()
		}
	}
}

// pickRemainingLocked chooses uniformly among the enumerated remaining identifiers.
func (a *Allocator) pickRemainingLocked() int64 {
	target := a.int64n(a.remainingLocked())
	for id := a.rng.Start; id <= a.rng.End; id++ {
		if _, taken := a.used[id]; taken {
			continue
		}
		if target == 0 {
			return id
		}
		target--
	}
	// unreachable while remainingLocked() > 0
	return a.rng.End
}

// AllocateBatch issues up to n identifiers. Exhaustion ends the batch early
// without an error; any other failure is returned with the identifiers issued
// so far, which stay recorded.
func (a *Allocator) AllocateBatch(ctx context.Context, n int) ([]int64, error) {
	ids := make([]int64, 0, max(n, 0))
	for len(ids) < n {
		id, err := a.AllocateOne(ctx)
		if errors.Is(err, harvest.ErrRangeExhausted) {
			a.logger.Warn("range exhausted before batch filled",
				zap.Stringer("range", a.rng), zap.Int("requested", n), zap.Int("issued", len(ids)))
			break
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the ledger.
func (a *Allocator) Close() error {
	if err := a.ledger.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// Reset deletes every persisted record for exactly r. Other ranges are untouched
// and resetting a range with no ledger is a no-op.
func Reset(ctx context.Context, provider harvest.LedgerProvider, r harvest.Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := provider.Reset(ctx, r); err != nil {
		return fmt.Errorf("reset ledger %s: %w", r.Key(), err)
	}
	return nil
}
