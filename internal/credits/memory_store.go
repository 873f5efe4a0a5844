package credits

import (
	"context"
	"sync"
)

// MemoryStore keeps balances in a map guarded by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]int64)}
}

func (s *MemoryStore) FindBalance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func (s *MemoryStore) AtomicDecrement(_ context.Context, userID string, amount int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, false, ErrAccountNotFound
	}
	if balance < amount {
		return balance, false, nil
	}
	s.balances[userID] = balance - amount
	return balance - amount, true, nil
}

func (s *MemoryStore) Increment(_ context.Context, userID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	s.balances[userID] = balance + amount
	return balance + amount, nil
}

func (s *MemoryStore) SetBalance(_ context.Context, userID string, balance int64) error {
	s.mu.Lock()
	s.balances[userID] = balance
	s.mu.Unlock()
	return nil
}
