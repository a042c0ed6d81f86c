// Package memory keeps identifier ledgers in process memory. Records are lost
// at exit, so it suits tests and dry runs only.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Provider stores one ledger per range key.
type Provider struct {
	mu      sync.Mutex
	records map[string][]int64
}

// NewProvider returns an empty in-memory provider.
func NewProvider() *Provider {
	return &Provider{records: make(map[string][]int64)}
}

// Open returns the ledger for r, creating it when absent.
func (p *Provider) Open(_ context.Context, r harvest.Range) (harvest.Ledger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[r.Key()]; !ok {
		p.records[r.Key()] = nil
	}
	return &Ledger{provider: p, key: r.Key()}, nil
}

// Reset drops the records for r.
func (p *Provider) Reset(_ context.Context, r harvest.Range) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, r.Key())
	return nil
}

// Records returns a copy of the ids recorded for r.
func (p *Provider) Records(r harvest.Range) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.records[r.Key()])
}

// Ledger is a view over one range's records.
type Ledger struct {
	provider *Provider
	key      string
}

// Load returns a copy of the recorded ids.
func (l *Ledger) Load(context.Context) ([]int64, error) {
	l.provider.mu.Lock()
	defer l.provider.mu.Unlock()
	return slices.Clone(l.provider.records[l.key]), nil
}

// Append records id, reporting harvest.ErrAlreadyRecorded for duplicates.
func (l *Ledger) Append(_ context.Context, id int64) error {
	l.provider.mu.Lock()
	defer l.provider.mu.Unlock()
	if slices.Contains(l.provider.records[l.key], id) {
		return fmt.Errorf("%s: %d: %w", l.key, id, harvest.ErrAlreadyRecorded)
	}
	l.provider.records[l.key] = append(l.provider.records[l.key], id)
	return nil
}

// Close is a no-op.
func (l *Ledger) Close() error { return nil }
