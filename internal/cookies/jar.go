package cookies

import (
	"fmt"
	"maps"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// SessionKey names the persisted record for a session id.
func SessionKey(sessionID int) string {
	return fmt.Sprintf("session_%d", sessionID)
}

// Jar is an http.CookieJar that mirrors every cookie it accepts into a flat
// name/value map and flushes that map to a Store after each mutation.
// Cookies restored from the store carry no domain and are offered to every
// host until the server replaces them.
type Jar struct {
	inner  *cookiejar.Jar
	store  Store
	key    string
	logger *zap.Logger

	mu      sync.Mutex
	values  map[string]string
	seed    map[string]string
	lastErr error
}

// NewJar builds a jar for key, restoring prior state from store. A load
// failure leaves the jar empty and is reported through Err.
func NewJar(store Store, key string, logger *zap.Logger) *Jar {
	inner, _ := cookiejar.New(nil) // only fails on a bad PublicSuffixList option
	j := &Jar{
		inner:  inner,
		store:  store,
		key:    key,
		logger: logging.OrNop(logger),
		values: map[string]string{},
		seed:   map[string]string{},
	}
	if store == nil {
		return j
	}
	loaded, err := store.Load(key)
	if err != nil {
		j.recordFailure("load", err)
		return j
	}
	j.seed = loaded
	j.values = maps.Clone(loaded)
	return j
}

// SetCookies implements http.CookieJar and flushes the jar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	for _, c := range cookies {
		expired := c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now))
		if expired {
			delete(j.values, c.Name)
		} else {
			j.values[c.Name] = c.Value
		}
		delete(j.seed, c.Name)
	}
	j.flushLocked()
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	out := j.inner.Cookies(u)

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.seed) == 0 {
		return out
	}
	present := make(map[string]bool, len(out))
	for _, c := range out {
		present[c.Name] = true
	}
	for name, value := range j.seed {
		if !present[name] {
			out = append(out, &http.Cookie{Name: name, Value: value})
		}
	}
	return out
}

// Values returns a copy of the flat cookie map.
func (j *Jar) Values() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.values)
}

// Flush saves the current map. Failures are logged and kept in Err.
func (j *Jar) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

// Err reports the most recent persistence failure, or nil after a success.
func (j *Jar) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

func (j *Jar) flushLocked() error {
	if j.store == nil {
		return nil
	}
	if err := j.store.Save(j.key, maps.Clone(j.values)); err != nil {
		j.recordFailure("save", err)
		return j.lastErr
	}
	j.lastErr = nil
	return nil
}

func (j *Jar) recordFailure(op string, err error) {
	j.lastErr = fmt.Errorf("%s cookies %s: %w", op, j.key, err)
	metrics.ObserveCookiePersistFailure()
	j.logger.Warn("cookie persistence skipped", zap.String("key", j.key), zap.String("op", op), zap.Error(err))
}
