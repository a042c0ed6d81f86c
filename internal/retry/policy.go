// Package retry declares the backoff policies used by the bounded-retry loops
// of the circuit controller and the retrieval engine.
package retry

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Policy returns the wait before the next attempt. Attempts are 1-based: the
// delay returned for attempt n follows the n-th failure.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration after every failure.
type Fixed struct {
	Interval time.Duration
}

// Delay implements Policy.
func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential doubles from Base on every failure: Base, 2*Base, 4*Base...
// A positive Max caps the delay.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Policy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// Jittered draws uniformly from [Min, Max].
type Jittered struct {
	Min time.Duration
	Max time.Duration
}

// Delay implements Policy.
func (j Jittered) Delay(int) time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + randomJitter(j.Max-j.Min)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
