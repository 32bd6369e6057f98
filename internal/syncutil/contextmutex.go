// Package syncutil holds locking primitives shared by the trade service.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 256

// ContextShardedMutex is a bounded pool of channel-based mutexes keyed by
// string. Memory stays fixed no matter how many trade ids pass through it;
// two keys that hash to the same shard simply serialize. Callers can give
// up waiting when their context is cancelled.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a pool with n shards (DefaultShards if n <= 0).
func NewContextShardedMutex(n int) *ContextShardedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// LockContext acquires the mutex for key. On success it returns the unlock
// function, which the caller must call exactly once. If ctx ends first the
// context error is returned and nothing is held.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shardIdx(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
