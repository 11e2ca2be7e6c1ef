// Package memory records published messages in process. It backs the
// publish sink when no broker is configured and in tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skolhustick/mdwnio/internal/publisher"
)

// ErrFull is returned once the publisher holds its configured maximum.
var ErrFull = errors.New("memory publisher is full")

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic      string
	Payload    any
	Attributes map[string]string
}

// New returns a memory Publisher. A positive limit caps the number of stored
// messages; zero means unbounded.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := PublishedMessage{Topic: topic, Payload: payload}
	if a, ok := payload.(publisher.Attributer); ok {
		msg.Attributes = a.Attributes()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && len(p.messages) >= p.limit {
		return "", ErrFull
	}
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

var _ publisher.Publisher = (*Publisher)(nil)
