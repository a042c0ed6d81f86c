// Package harvest defines the shared domain types and collaborator contracts
// used by the allocator, session store, circuit controller, retrieval engine
// and orchestrator.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrRangeExhausted reports that every identifier in a range was issued.
	ErrRangeExhausted = errors.New("identifier range exhausted")
	// ErrInvalidURL marks a target that fails the artifact suffix check.
	ErrInvalidURL = errors.New("invalid url")
	// ErrNotFound marks a remote 404.
	ErrNotFound = errors.New("not found")
	// ErrBlocked marks an anti-automation response (403/429) on the final attempt.
	ErrBlocked = errors.New("blocked")
	// ErrTransient marks network or HTTP faults after retries were spent.
	ErrTransient = errors.New("transient error")
	// ErrRotationFailed is fatal: the circuit could not be renewed and validated.
	ErrRotationFailed = errors.New("circuit rotation failed")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrAlreadyRecorded is returned by a ledger whose append found the id present.
	ErrAlreadyRecorded = errors.New("identifier already recorded")
)

// Range is an inclusive identifier interval.
type Range struct {
	Start int64
	End   int64
}

// ParseRange validates two decimal arguments as a range with start < end.
func ParseRange(start, end string) (Range, error) {
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: start %q is not an integer", ErrConfiguration, start)
	}
	e, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: end %q is not an integer", ErrConfiguration, end)
	}
	r := Range{Start: s, End: e}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate enforces start < end and a capacity that fits in an int64.
func (r Range) Validate() error {
	if r.Start >= r.End {
		return fmt.Errorf("%w: start %d must be lower than end %d", ErrConfiguration, r.Start, r.End)
	}
	// start < end, so the unsigned difference is exact even across zero.
	if uint64(r.End)-uint64(r.Start) >= math.MaxInt64 {
		return fmt.Errorf("%w: range %s is too wide", ErrConfiguration, r)
	}
	return nil
}

// Capacity is the number of identifiers in the range.
func (r Range) Capacity() int64 {
	return r.End - r.Start + 1
}

// Contains reports whether id lies inside the range.
func (r Range) Contains(id int64) bool {
	return id >= r.Start && id <= r.End
}

// Key names the persisted ledger for this exact range.
func (r Range) Key() string {
	return fmt.Sprintf("used_ids_%d_%d", r.Start, r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// Ledger is the append-only record of identifiers issued for one range.
type Ledger interface {
	Load(ctx context.Context) ([]int64, error)
	Append(ctx context.Context, id int64) error
	Close() error
}

// LedgerProvider opens and resets ledgers keyed by range.
type LedgerProvider interface {
	Open(ctx context.Context, r Range) (Ledger, error)
	Reset(ctx context.Context, r Range) error
}

// Response is the (statusCode, bodyBytes) pair supplied by an HTTP client.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client issues a single GET with redirect-following and a fixed timeout.
// A non-nil error is a transport fault; HTTP error statuses are not errors.
type Client interface {
	Get(ctx context.Context, url string) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, url string) (Response, error)

// Get calls f.
func (f ClientFunc) Get(ctx context.Context, url string) (Response, error) {
	return f(ctx, url)
}

// ClientOptions describes the binding a session asks its client for.
type ClientOptions struct {
	UserAgent         string
	Headers           http.Header
	Proxy             string
	Jar               http.CookieJar
	Timeout           time.Duration
	DisableKeepAlives bool
}

// ClientFactory builds a client bound to one session.
type ClientFactory func(opts ClientOptions) (Client, error)

// Sleeper blocks for a duration. Backoff waits are wall-clock sleeps.
type Sleeper interface {
	Sleep(d time.Duration)
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(d time.Duration)

// Sleep calls f.
func (f SleeperFunc) Sleep(d time.Duration) { f(d) }

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// BlobStore persists artifact bytes and returns their location.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher sends notification payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator emits unique identifiers for runs.
type IDGenerator interface {
	NewID() (string, error)
}
