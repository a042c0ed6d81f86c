// Package memory keeps artifact notifications in process. It backs
// pubsub.backend=memory for dry runs that should not reach a broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/logging"
)

// DefaultCapacity bounds the retained notifications when none is given.
const DefaultCapacity = 256

// Notification is one published payload.
type Notification struct {
	Seq     int64
	Topic   string
	Payload []byte
}

// Publisher retains the most recent notifications up to a fixed capacity,
// dropping the oldest first.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int64
	buf      []Notification
	logger   *zap.Logger
}

// New returns a Publisher retaining at most capacity notifications.
func New(capacity int, logger *zap.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity, logger: logging.OrNop(logger)}
}

// Publish records a copy of payload and returns its sequence id.
func (p *Publisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	p.mu.Lock()
	p.seq++
	n := Notification{Seq: p.seq, Topic: topic, Payload: append([]byte(nil), payload...)}
	if len(p.buf) == p.capacity {
		copy(p.buf, p.buf[1:])
		p.buf[len(p.buf)-1] = n
	} else {
		p.buf = append(p.buf, n)
	}
	p.mu.Unlock()

	id := fmt.Sprintf("memory-%d", n.Seq)
	p.logger.Info("notification recorded",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.Int("bytes", len(payload)))
	return id, nil
}

// Messages returns the retained notifications, oldest first.
func (p *Publisher) Messages() []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Notification, len(p.buf))
	copy(out, p.buf)
	return out
}

// Published is the total number of notifications ever recorded.
func (p *Publisher) Published() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}
