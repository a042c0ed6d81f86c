// Package retrieval fetches one target document through the current session,
// classifies the response and stores artifacts. It reports blocking upward
// and never rotates identity itself.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/retry"
	"github.com/JakeFAU/docharvest/internal/session"
)

// Sessions yields the session requests go through.
type Sessions interface {
	Current() (*session.Session, error)
}

// Config tunes classification, retries and storage.
type Config struct {
	MaxRetries   int
	BlockBackoff retry.Policy
	ErrorBackoff retry.Policy
	// Suffix is required on the URL path (case-insensitive) before any request.
	Suffix      string
	Signature   Signature
	ContentType string
	// Prefix is prepended to stored object names.
	Prefix string
	// Topic enables artifact notifications when set and a publisher is wired.
	Topic string
	RunID string
}

// Target is one identifier and the URL derived from it.
type Target struct {
	ID  int64
	URL string
}

// Notification is published after an artifact is stored.
type Notification struct {
	RunID    string    `json:"run_id"`
	ID       int64     `json:"id"`
	URL      string    `json:"url"`
	Location string    `json:"location"`
	SHA256   string    `json:"sha256"`
	Bytes    int       `json:"bytes"`
	StoredAt time.Time `json:"stored_at"`
}

// Engine implements the per-URL retrieval protocol.
type Engine struct {
	cfg       Config
	sessions  Sessions
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	sleeper   harvest.Sleeper
	clock     harvest.Clock
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublisher enables artifact notifications.
func WithPublisher(p harvest.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithHasher sets the digest used in results and notifications.
func WithHasher(h harvest.Hasher) Option {
	return func(e *Engine) { e.hasher = h }
}

// WithClock sets the clock used to stamp notifications.
func WithClock(c harvest.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// New builds an Engine.
func New(cfg Config, sessions Sessions, blobs harvest.BlobStore, sleeper harvest.Sleeper, opts ...Option) (*Engine, error) {
	if sessions == nil || blobs == nil || sleeper == nil {
		return nil, fmt.Errorf("%w: retrieval engine requires sessions, a blob store and a sleeper", harvest.ErrConfiguration)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BlockBackoff == nil {
		cfg.BlockBackoff = retry.Jittered{Min: 1500 * time.Millisecond, Max: 3500 * time.Millisecond}
	}
	if cfg.ErrorBackoff == nil {
		cfg.ErrorBackoff = retry.Jittered{Min: time.Second, Max: 2 * time.Second}
	}
	if len(cfg.Signature.Magic) == 0 {
		cfg.Signature = PDFSignature
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	e := &Engine{
		cfg:      cfg,
		sessions: sessions,
		blobs:    blobs,
		sleeper:  sleeper,
		clock:    utcClock{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fetch runs the attempt sequence for rawURL on the current session.
// Classification order: 200 with the magic signature is an artifact; 404 is
// terminal; 403 and 429 are retried after a jittered wait and become blocked
// on the last attempt; any other status is transient without retry; transport
// faults are retried after a short jittered wait.
func (e *Engine) Fetch(ctx context.Context, rawURL string) Outcome {
	sess, err := e.sessions.Current()
	if err != nil {
		return Outcome{Kind: KindTransient, Cause: fmt.Errorf("current session: %w", err)}
	}
	log := e.logger.With(zap.String("url", rawURL), zap.Int("session_id", sess.ID))

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		resp, err := sess.Get(ctx, rawURL)
		if err != nil {
			lastErr = err
			log.Warn("transport fault", zap.Int("attempt", attempt), zap.Error(err))
			if attempt < e.cfg.MaxRetries {
				e.sleeper.Sleep(e.cfg.ErrorBackoff.Delay(attempt))
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK && e.cfg.Signature.Matches(resp.Body):
			return Outcome{Kind: KindArtifact, Body: resp.Body, StatusCode: resp.StatusCode, Attempts: attempt}
		case resp.StatusCode == http.StatusNotFound:
			return Outcome{Kind: KindNotFound, StatusCode: resp.StatusCode, Attempts: attempt}
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			if attempt == e.cfg.MaxRetries {
				return Outcome{Kind: KindBlocked, StatusCode: resp.StatusCode, Attempts: attempt}
			}
			delay := e.cfg.BlockBackoff.Delay(attempt)
			log.Warn("blocking response, backing off",
				zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt), zap.Duration("backoff", delay))
			e.sleeper.Sleep(delay)
		default:
			return Outcome{Kind: KindTransient, StatusCode: resp.StatusCode, Attempts: attempt}
		}
	}
	return Outcome{Kind: KindTransient, Cause: lastErr, Attempts: e.cfg.MaxRetries}
}

// Retrieve validates, fetches and stores one target. Invalid URLs are
// rejected without a network call.
func (e *Engine) Retrieve(ctx context.Context, t Target) Result {
	log := e.logger.With(zap.Int64("id", t.ID), zap.String("url", t.URL))
	res := e.retrieve(ctx, t, log)
	metrics.ObserveOutcome(res.Status.String())
	return res
}

func (e *Engine) retrieve(ctx context.Context, t Target, log *zap.Logger) Result {
	if err := e.validate(t.URL); err != nil {
		log.Warn("invalid url", zap.Error(err))
		return Result{Status: StatusInvalid, Err: err}
	}

	out := e.Fetch(ctx, t.URL)
	switch out.Kind {
	case KindArtifact:
		return e.store(ctx, t, out, log)
	case KindNotFound:
		log.Info("not found", zap.Int("attempts", out.Attempts))
		return Result{Status: StatusNotFound, StatusCode: out.StatusCode, Attempts: out.Attempts}
	case KindBlocked:
		err := fmt.Errorf("%w: status %d after %d attempts", harvest.ErrBlocked, out.StatusCode, out.Attempts)
		log.Warn("blocked", zap.Int("status", out.StatusCode), zap.Int("attempts", out.Attempts))
		return Result{Status: StatusBlocked, StatusCode: out.StatusCode, Attempts: out.Attempts, Err: err}
	default:
		err := fmt.Errorf("%w: status %d", harvest.ErrTransient, out.StatusCode)
		if out.Cause != nil {
			err = fmt.Errorf("%w: %w", harvest.ErrTransient, out.Cause)
		}
		log.Warn("transient error", zap.Int("status", out.StatusCode), zap.Int("attempts", out.Attempts), zap.Error(err))
		return Result{Status: StatusFailed, StatusCode: out.StatusCode, Attempts: out.Attempts, Err: err}
	}
}

func (e *Engine) store(ctx context.Context, t Target, out Outcome, log *zap.Logger) Result {
	name := SafeName(t.URL)
	if e.cfg.Prefix != "" {
		name = path.Join(e.cfg.Prefix, name)
	}
	location, err := e.blobs.PutObject(ctx, name, e.cfg.ContentType, bytes.NewReader(out.Body))
	if err != nil {
		log.Error("store artifact failed", zap.String("name", name), zap.Error(err))
		return Result{Status: StatusFailed, StatusCode: out.StatusCode, Attempts: out.Attempts, Err: fmt.Errorf("store artifact: %w", err)}
	}

	res := Result{Status: StatusStored, Location: location, Bytes: len(out.Body), StatusCode: out.StatusCode, Attempts: out.Attempts}
	if e.hasher != nil {
		if sum, err := e.hasher.Hash(out.Body); err == nil {
			res.SHA256 = sum
		}
	}
	metrics.ObserveArtifact(t.URL, res.Bytes)
	log.Info("artifact stored", zap.String("location", location), zap.Int("bytes", res.Bytes), zap.String("sha256", res.SHA256))
	e.notify(ctx, t, res, log)
	return res
}

func (e *Engine) notify(ctx context.Context, t Target, res Result, log *zap.Logger) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	payload, err := json.Marshal(Notification{
		RunID:    e.cfg.RunID,
		ID:       t.ID,
		URL:      t.URL,
		Location: res.Location,
		SHA256:   res.SHA256,
		Bytes:    res.Bytes,
		StoredAt: e.clock.Now(),
	})
	if err != nil {
		log.Warn("encode notification failed", zap.Error(err))
		return
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, payload); err != nil {
		log.Warn("publish notification failed", zap.String("topic", e.cfg.Topic), zap.Error(err))
	}
}

func (e *Engine) validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", harvest.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", harvest.ErrInvalidURL)
	}
	if e.cfg.Suffix != "" && !strings.HasSuffix(strings.ToLower(u.Path), strings.ToLower(e.cfg.Suffix)) {
		return fmt.Errorf("%w: path %q lacks suffix %q", harvest.ErrInvalidURL, u.Path, e.cfg.Suffix)
	}
	return nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
