package storage

import (
	"context"
	"strconv"
	"sync"

	"visabroker/pkg/platform/sentinel"
)

// MemoryStore is an in-memory implementation of all stores, used in tests
// and local development. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]*User
	visas    map[int64]*Visa
	clients  map[string]*Client
	upstream map[string]*UpstreamToken // key: userID/provider
	nextUser int64
	nextVisa int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*User),
		visas:    make(map[int64]*Visa),
		clients:  make(map[string]*Client),
		upstream: make(map[string]*UpstreamToken),
	}
}

func (m *MemoryStore) Save(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == 0 {
		m.nextUser++
		user.ID = m.nextUser
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) FindByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (m *MemoryStore) ListWithVisas(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	withVisas := make(map[int64]bool)
	for _, v := range m.visas {
		withVisas[v.UserID] = true
	}
	var out []User
	for id, u := range m.users {
		if withVisas[id] {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, visa *Visa) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextVisa++
	visa.ID = m.nextVisa
	cp := *visa
	m.visas[visa.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID int64) ([]Visa, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Visa
	for _, v := range m.visas {
		if v.UserID == userID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteByUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.visas {
		if v.UserID == userID {
			delete(m.visas, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteByUserAndProvider(_ context.Context, userID int64, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.visas {
		if v.UserID == userID && v.Provider == provider {
			delete(m.visas, id)
		}
	}
	return nil
}

func (m *MemoryStore) FindClientByID(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SaveClient registers an OAuth2 client. Administrative surface; exposed here
// for tests and seeding only.
func (m *MemoryStore) SaveClient(_ context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *client
	m.clients[client.ID] = &cp
	return nil
}

func (m *MemoryStore) Upsert(_ context.Context, token *UpstreamToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.upstream[upstreamKey(token.UserID, token.Provider)] = &cp
	return nil
}

func (m *MemoryStore) Find(_ context.Context, userID int64, provider string) (*UpstreamToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.upstream[upstreamKey(userID, provider)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func upstreamKey(userID int64, provider string) string {
	return provider + "/" + strconv.FormatInt(userID, 10)
}
