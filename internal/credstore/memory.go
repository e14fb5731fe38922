package credstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (s *MemoryStore) Get(ctx context.Context, ownerKey string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[ownerKey]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ByIdentity(ctx context.Context, identity string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Identity == identity {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Put(ctx context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *acct
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.accounts[acct.OwnerKey] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, ownerKey)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Account) int { return cmp.Compare(a.OwnerKey, b.OwnerKey) })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
