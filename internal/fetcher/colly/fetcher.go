// Package collyfetcher implements the session-bound HTTP client on gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxBodySize = 64 << 20
)

// Config controls collector behavior for one session.
type Config struct {
	UserAgent         string
	Headers           http.Header
	Proxy             string
	Jar               http.CookieJar
	Timeout           time.Duration
	MaxBodySize       int
	DisableKeepAlives bool
}

// Client implements harvest.Client using a Colly collector. The collector's
// backend (transport, cookie jar, timeout) is shared by every request the
// client makes; each request gets its own cloned collector for callbacks.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client bound to cfg's proxy, jar and header profile.
func New(cfg Config) (*Client, error) {
	transport, err := newTransport(cfg.Proxy, cfg.DisableKeepAlives)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.Jar != nil {
		c.SetCookieJar(cfg.Jar)
	}

	return &Client{cfg: cfg, baseCollector: c}, nil
}

// Factory adapts New to harvest.ClientFactory, applying a body limit.
func Factory(maxBodySize int) harvest.ClientFactory {
	return func(opts harvest.ClientOptions) (harvest.Client, error) {
		return New(Config{
			UserAgent:         opts.UserAgent,
			Headers:           opts.Headers,
			Proxy:             opts.Proxy,
			Jar:               opts.Jar,
			Timeout:           opts.Timeout,
			MaxBodySize:       maxBodySize,
			DisableKeepAlives: opts.DisableKeepAlives,
		})
	}
}

// Get performs one GET, following redirects. HTTP error statuses are returned
// as responses; only transport faults produce an error.
func (c *Client) Get(ctx context.Context, url string) (harvest.Response, error) {
	var (
		result   harvest.Response
		fetchErr error
	)
	collector := c.baseCollector.Clone()
	c.configureCollectorHooks(collector, &result, &fetchErr)

	start := time.Now()
	err := c.runCollector(ctx, collector, url, &fetchErr)
	outcome := "transport_error"
	if err == nil {
		outcome = strconv.Itoa(result.StatusCode)
	}
	metrics.ObserveFetchAttempt(url, outcome, time.Since(start))
	if err != nil {
		return harvest.Response{}, err
	}
	return result, nil
}

func (c *Client) configureCollectorHooks(hooks collectorHooks, result *harvest.Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range c.cfg.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = harvest.Response{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}
