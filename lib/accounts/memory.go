package accounts

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps providers and accounts in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	accounts  map[AccountID]*Account
	lastID    AccountID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*Provider),
		accounts:  make(map[AccountID]*Account),
	}
}

// AddProvider registers p, replacing any provider with the same ID.
func (m *MemoryStore) AddProvider(p *Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.providers[p.ID] = &cp
}

func (m *MemoryStore) Provider(name string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	cp := *p
	return &cp, nil
}

// Providers returns all registered providers ordered by ID.
func (m *MemoryStore) Providers() []*Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Account(id AccountID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok || id == 0 {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) NewAccount(providerName string) (*Account, error) {
	if _, err := m.Provider(providerName); err != nil {
		return nil, err
	}
	return &Account{Provider: providerName, Enabled: true}, nil
}

func (m *MemoryStore) SaveAccount(account *Account) error {
	if account == nil {
		return fmt.Errorf("cannot save nil account")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == 0 {
		m.lastID++
		account.ID = m.lastID
	} else if account.ID > m.lastID {
		m.lastID = account.ID
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}
