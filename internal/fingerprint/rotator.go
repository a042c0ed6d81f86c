// Package fingerprint selects client user agents on a fixed rotation.
package fingerprint

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// DefaultUserAgents is always present at the tail of the rotation list.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36 Edg/128.0.0.0",
}

// Rotator maps a monotonically increasing counter onto an ordered list of
// fingerprints, advancing every rotateEvery calls and wrapping at the end.
type Rotator struct {
	agents      []string
	rotateEvery uint64
	counter     atomic.Uint64
}

// New builds a rotator. An empty list or non-positive rotateEvery is a
// configuration error.
func New(agents []string, rotateEvery int) (*Rotator, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: fingerprint list is empty", harvest.ErrConfiguration)
	}
	if rotateEvery <= 0 {
		return nil, fmt.Errorf("%w: rotate_every must be > 0", harvest.ErrConfiguration)
	}
	return &Rotator{
		agents:      append([]string(nil), agents...),
		rotateEvery: uint64(rotateEvery),
	}, nil
}

// Pick returns the fingerprint for counter: index = (counter / rotateEvery) % len.
func (r *Rotator) Pick(counter uint64) string {
	return r.agents[(counter/r.rotateEvery)%uint64(len(r.agents))]
}

// Next picks for the internal counter, then advances it.
func (r *Rotator) Next() string {
	return r.Pick(r.counter.Add(1) - 1)
}

// Len returns the number of fingerprints in rotation.
func (r *Rotator) Len() int {
	return len(r.agents)
}

// LoadAgents reads one user agent per line from path, skipping blanks, and
// prepends them to DefaultUserAgents. A missing file yields the defaults.
func LoadAgents(path string) ([]string, error) {
	defaults := append([]string(nil), DefaultUserAgents...)
	if path == "" {
		return defaults, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open user agents file: %w", err)
	}
	defer f.Close()

	var custom []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			custom = append(custom, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read user agents file: %w", err)
	}
	return append(custom, defaults...), nil
}
