// Package file keeps the identifier ledger as an append-only text file per
// range, one decimal identifier per line, synced to disk after every record.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
)

// ErrLocked is returned when another process holds the ledger for the same range.
var ErrLocked = errors.New("ledger is locked by another process")

// Provider opens ledgers stored under a directory as used_ids_<start>_<end>.txt.
type Provider struct {
	dir    string
	logger *zap.Logger
}

// NewProvider returns a file-backed ledger provider rooted at dir.
func NewProvider(dir string, logger *zap.Logger) *Provider {
	return &Provider{dir: dir, logger: logging.OrNop(logger)}
}

// Path returns the ledger file for r.
func (p *Provider) Path(r harvest.Range) string {
	return filepath.Join(p.dir, r.Key()+".txt")
}

// Open creates or opens the ledger for r and takes an exclusive lock on it.
func (p *Provider) Open(_ context.Context, r harvest.Range) (harvest.Ledger, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	path := p.Path(r)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Ledger{path: path, file: f, logger: p.logger}, nil
}

// Reset removes the ledger for r. A missing file is not an error.
func (p *Provider) Reset(_ context.Context, r harvest.Range) error {
	path := p.Path(r)
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Info("no ledger to reset", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove ledger: %w", err)
	}
	p.logger.Info("ledger reset", zap.String("path", path))
	return nil
}

// Ledger is an open, locked ledger file.
type Ledger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

// Load reads every recorded identifier. Lines that are not integers are
// skipped. A trailing record without a newline is an interrupted append: it is
// kept as used and terminated so the next record starts on its own line.
func (l *Ledger) Load(_ context.Context) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek ledger: %w", err)
	}
	data, err := io.ReadAll(l.file)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var ids []int64
	var skipped int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		id, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			skipped++
			continue
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	if skipped > 0 {
		l.logger.Warn("skipped malformed ledger lines", zap.String("path", l.path), zap.Int("count", skipped))
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		if err := l.writeSynced([]byte{'\n'}); err != nil {
			return nil, fmt.Errorf("terminate partial ledger record: %w", err)
		}
	}
	return ids, nil
}

// Append writes id as a single line and syncs it before returning.
func (l *Ledger) Append(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeSynced(strconv.AppendInt(nil, id, 10))
}

func (l *Ledger) writeSynced(record []byte) error {
	if len(record) == 0 || record[len(record)-1] != '\n' {
		record = append(record, '\n')
	}
	if _, err := l.file.Write(record); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Close releases the lock and closes the file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}
