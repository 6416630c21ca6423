package scoring

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory implementation of EventStore for
// demo/test use.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*RiskEvent // sessionID → events, oldest first
}

// NewMemoryEventStore creates an in-memory risk event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]*RiskEvent)}
}

func (s *MemoryEventStore) Record(ctx context.Context, ev *RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.SessionID] = append(s.events[ev.SessionID], &cp)
	return nil
}

func (s *MemoryEventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[sessionID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*RiskEvent, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryEventStore) ListBySessionBefore(ctx context.Context, sessionID string, at time.Time, id string, limit int) ([]*RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RiskEvent
	for _, ev := range s.events[sessionID] {
		if ev.At.Before(at) || (ev.At.Equal(at) && ev.ID < id) {
			cp := *ev
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].At.Equal(result[j].At) {
			return result[i].At.After(result[j].At)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
