package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*Subscription
	windows       map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: map[string]*Subscription{},
		windows:       map[string]time.Time{},
	}
}

// Put stores or replaces the tenant's subscription.
func (s *MemoryStore) Put(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sub
	s.subscriptions[sub.TenantID] = &cp
}

func (s *MemoryStore) Subscription(_ context.Context, tenantID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[tenantID]
	if !ok {
		return Subscription{}, ErrNoSubscription
	}
	return *sub, nil
}

func (s *MemoryStore) RecordWindow(_ context.Context, tenantID, conversationID string, now time.Time, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[tenantID]
	if !ok {
		return false, ErrNoSubscription
	}
	key := tenantID + "/" + conversationID
	started, exists := s.windows[key]
	if exists && now.Sub(started) < window && !started.Before(sub.PeriodStart) {
		return false, nil
	}
	s.windows[key] = now
	sub.UsedCount++
	return true, nil
}
