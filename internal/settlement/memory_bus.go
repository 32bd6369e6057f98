package settlement

import (
	"context"
	"sync"
)

// MemoryBus keeps sent messages in memory. It backs development mode and
// tests; FailNext makes the following sends fail.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Message
	failures int
	failErr  error
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Send records msg, or fails while injected failures remain.
func (b *MemoryBus) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return b.failErr
	}
	b.messages = append(b.messages, msg)
	return nil
}

// FailNext makes the next n sends return err.
func (b *MemoryBus) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
	b.failErr = err
}

// Messages returns a copy of everything sent so far, in order.
func (b *MemoryBus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Deduplicated returns sent messages with redeliveries of the same
// idempotency key removed, the way a ledger consumer would see them.
func (b *MemoryBus) Deduplicated() []Message {
	seen := make(map[string]bool)
	var out []Message
	for _, m := range b.Messages() {
		key := m.Headers["idempotency-key"]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}
