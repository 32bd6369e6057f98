package trade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	messages map[string][]*Message
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, t *Trade, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrConflict
	}
	t.Version = expected + 1
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, q DueQuery) ([]*Trade, error) {
	if _, err := deadlineColumn(q.Deadline); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status != q.Status {
			continue
		}
		if q.EscrowLocked && t.EscrowLockedAt == nil {
			continue
		}
		ts := deadlineOf(t, q.Deadline)
		if ts == nil || !ts.Before(q.Before) || !q.After.past(*ts, t.ID) {
			continue
		}
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := deadlineOf(result[i], q.Deadline), deadlineOf(result[j], q.Deadline)
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return result[i].ID < result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[msg.TradeID]; !ok {
		return ErrNotFound
	}
	msg.Seq = int64(len(m.messages[msg.TradeID]) + 1)
	cp := *msg
	m.messages[msg.TradeID] = append(m.messages[msg.TradeID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, tradeID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.trades[tradeID]; !ok {
		return nil, ErrNotFound
	}
	src := m.messages[tradeID]
	out := make([]*Message, len(src))
	for i, msg := range src {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
