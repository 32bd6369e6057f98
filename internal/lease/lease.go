// Package lease provides short-lived named leases that keep one replica of
// a periodic job running at a time.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidTTL is returned when a lease is requested without a positive TTL.
var ErrInvalidTTL = errors.New("lease: ttl must be positive")

// Lease grants exclusive ownership of a name for up to ttl. When ok is
// false another holder owns the name and release is nil. Calling release
// gives the lease up early; it is safe to call after the lease expired.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// MemoryLease is a process-local Lease for single-replica deployments and tests.
type MemoryLease struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	now     func() time.Time
	seq     uint64
}

type memoryHolder struct {
	token   uint64
	expires time.Time
}

// NewMemoryLease creates an empty in-memory lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{
		holders: make(map[string]memoryHolder),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (m *MemoryLease) WithClock(now func() time.Time) *MemoryLease {
	m.now = now
	return m
}

func (m *MemoryLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if h, held := m.holders[name]; held && now.Before(h.expires) {
		return nil, false, nil
	}
	m.seq++
	token := m.seq
	m.holders[name] = memoryHolder{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if h, ok := m.holders[name]; ok && h.token == token {
			delete(m.holders, name)
		}
	}, true, nil
}

var _ Lease = (*MemoryLease)(nil)
