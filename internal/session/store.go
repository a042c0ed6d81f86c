// Package session owns the client sessions used for retrieval. Each session
// binds one fingerprint, one proxy, one header profile and one persisted
// cookie jar; the store exposes the current session and replaces it on demand.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/cookies"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
)

// Config describes what every new session is bound to.
type Config struct {
	Proxy          string
	AcceptLanguage string
	Headers        map[string]string
	Timeout        time.Duration
}

// Fingerprinter yields the next client fingerprint.
type Fingerprinter interface {
	Next() string
}

// Session is one client identity. It is immutable once created apart from its
// cookie jar, and stays usable after being superseded.
type Session struct {
	ID          int
	Fingerprint string
	Proxy       string
	Headers     http.Header
	CreatedAt   time.Time

	jar    *cookies.Jar
	client harvest.Client
}

// Get issues a request through the session's client.
func (s *Session) Get(ctx context.Context, url string) (harvest.Response, error) {
	return s.client.Get(ctx, url)
}

// Jar returns the session's persisted cookie jar.
func (s *Session) Jar() *cookies.Jar {
	return s.jar
}

// PersistenceKey names the cookie record for this session.
func (s *Session) PersistenceKey() string {
	return cookies.SessionKey(s.ID)
}

// Store creates sessions and tracks the current one. Rotation takes the
// write lock; readers of the current session take the read lock.
type Store struct {
	cfg          Config
	fingerprints Fingerprinter
	cookieStore  cookies.Store
	newClient    harvest.ClientFactory
	clock        harvest.Clock
	logger       *zap.Logger

	mu       sync.RWMutex
	current  *Session
	sessions map[int]*Session
	lastID   int
}

// NewStore wires a session store. cookieStore may be nil to disable persistence.
func NewStore(cfg Config, fingerprints Fingerprinter, cookieStore cookies.Store, newClient harvest.ClientFactory, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if fingerprints == nil {
		return nil, fmt.Errorf("%w: session store requires a fingerprint rotator", harvest.ErrConfiguration)
	}
	if newClient == nil {
		return nil, fmt.Errorf("%w: session store requires a client factory", harvest.ErrConfiguration)
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{
		cfg:          cfg,
		fingerprints: fingerprints,
		cookieStore:  cookieStore,
		newClient:    newClient,
		clock:        clock,
		logger:       logging.OrNop(logger),
		sessions:     make(map[int]*Session),
	}, nil
}

// Current returns the active session, creating the first one lazily.
func (s *Store) Current() (*Session, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil {
		return cur, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current, nil
	}
	return s.createLocked()
}

// ForceNew always builds a new session and makes it current.
func (s *Store) ForceNew() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked()
}

// Lookup returns a session by id, including superseded ones.
func (s *Store) Lookup(id int) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Len returns how many sessions were created.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CurrentID returns the id of the active session, or 0 before the first one.
func (s *Store) CurrentID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0
	}
	return s.current.ID
}

func (s *Store) createLocked() (*Session, error) {
	id := s.lastID + 1
	fp := s.fingerprints.Next()
	headers := s.headerProfile(fp)
	jar := cookies.NewJar(s.cookieStore, cookies.SessionKey(id), s.logger)

	client, err := s.newClient(harvest.ClientOptions{
		UserAgent: fp,
		Headers:   headers,
		Proxy:     s.cfg.Proxy,
		Jar:       jar,
		Timeout:   s.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build client for session %d: %w", id, err)
	}

	sess := &Session{
		ID:          id,
		Fingerprint: fp,
		Proxy:       s.cfg.Proxy,
		Headers:     headers,
		CreatedAt:   s.clock.Now(),
		jar:         jar,
		client:      client,
	}
	s.lastID = id
	s.sessions[id] = sess
	s.current = sess
	s.logger.Info("session created",
		zap.Int("session_id", id),
		zap.String("user_agent", fp),
		zap.Int("restored_cookies", len(jar.Values())))
	return sess, nil
}

func (s *Store) headerProfile(fingerprint string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", fingerprint)
	h.Set("Accept", "*/*")
	if s.cfg.AcceptLanguage != "" {
		h.Set("Accept-Language", s.cfg.AcceptLanguage)
	}
	h.Set("Connection", "keep-alive")
	for k, v := range s.cfg.Headers {
		h.Set(k, v)
	}
	return h
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
