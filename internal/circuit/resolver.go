package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/retry"
)

// ResolverConfig bounds address resolution.
type ResolverConfig struct {
	// Services are queried in order; the first plausible answer wins.
	Services []string
	Attempts int
	// Backoff is applied after an attempt in which every service failed.
	Backoff          retry.Policy
	Timeout          time.Duration
	MinAddressLength int
	// RequireIP additionally demands that the answer parses as an IP address.
	RequireIP bool
}

// Resolver discovers the externally observed address through the proxy.
type Resolver struct {
	cfg     ResolverConfig
	client  harvest.Client
	sleeper harvest.Sleeper
	logger  *zap.Logger
}

// NewResolver builds a resolver that fetches through client.
func NewResolver(cfg ResolverConfig, client harvest.Client, sleeper harvest.Sleeper, logger *zap.Logger) (*Resolver, error) {
	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("%w: no address resolution services configured", harvest.ErrConfiguration)
	}
	if client == nil || sleeper == nil {
		return nil, fmt.Errorf("%w: resolver requires a client and a sleeper", harvest.ErrConfiguration)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Fixed{Interval: 2 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinAddressLength <= 0 {
		cfg.MinAddressLength = 7
	}
	return &Resolver{cfg: cfg, client: client, sleeper: sleeper, logger: logging.OrNop(logger)}, nil
}

// Resolve returns the first plausible address. It reports false once every
// attempt over every service has failed.
func (r *Resolver) Resolve(ctx context.Context) (string, bool) {
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		for _, service := range r.cfg.Services {
			addr, err := r.query(ctx, service)
			if err != nil {
				r.logger.Debug("address service failed",
					zap.String("service", service), zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			r.logger.Info("external address resolved", zap.String("service", service), zap.String("address", addr))
			return addr, true
		}
		if attempt < r.cfg.Attempts {
			r.sleeper.Sleep(r.cfg.Backoff.Delay(attempt))
		}
	}
	r.logger.Warn("external address unresolved", zap.Int("attempts", r.cfg.Attempts))
	return "", false
}

func (r *Resolver) query(ctx context.Context, service string) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	resp, err := r.client.Get(qctx, service)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	addr := ExtractAddress(string(resp.Body))
	if !r.plausible(addr) {
		return "", fmt.Errorf("implausible address %q", truncate(addr, 64))
	}
	return addr, nil
}

func (r *Resolver) plausible(addr string) bool {
	if len(addr) < r.cfg.MinAddressLength || strings.ContainsAny(addr, " \t\r\n<>") {
		return false
	}
	if r.cfg.RequireIP && net.ParseIP(addr) == nil {
		return false
	}
	return true
}

// ExtractAddress trims the body and, when it looks like a JSON object with an
// ip field, unwraps that field. Anything else is returned trimmed.
func ExtractAddress(body string) string {
	text := strings.TrimSpace(body)
	if !strings.HasPrefix(text, "{") || !strings.Contains(strings.ToLower(text), "ip") {
		return text
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return text
	}
	for _, key := range []string{"IP", "ip", "Ip", "address", "origin"} {
		if v, ok := doc[key].(string); ok && v != "" {
			return strings.TrimSpace(v)
		}
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
