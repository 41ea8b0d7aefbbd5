package identity

import (
	"context"
	"sync"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/define"
)

// StoreMock is an in-memory identity provider for tests; errors can be
// injected per operation, and every write is recorded for assertions.
type StoreMock struct {
	sync.Mutex

	users map[string]*define.UserAttributes

	GetErr    error
	UpdateErr error
	// UpdateAllowed lets that many writes through before UpdateErr applies,
	// for exercising failures midway through multi-write flows.
	UpdateAllowed int

	// Updates holds every accepted (userId, role) write in order.
	Updates []MockUpdate
}

type MockUpdate struct {
	UserId   string
	Role     string
	Metadata map[string]string
}

func NewStoreMock() *StoreMock {
	return &StoreMock{
		users: make(map[string]*define.UserAttributes),
	}
}

func (m *StoreMock) SeedUser(userId, role string) {
	m.Lock()
	defer m.Unlock()
	m.users[userId] = &define.UserAttributes{
		UserId:    userId,
		Role:      role,
		Metadata:  map[string]string{"role": role},
		UpdatedAt: time.Now(),
	}
}

func (m *StoreMock) Role(userId string) string {
	m.Lock()
	defer m.Unlock()
	if u, ok := m.users[userId]; ok {
		return u.Role
	}
	return ""
}

func (m *StoreMock) GetUser(ctx context.Context, userId string) (*define.UserAttributes, error) {
	m.Lock()
	defer m.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	u, ok := m.users[userId]
	if !ok {
		return nil, define.ErrNotFound
	}
	cp := *u
	cp.Metadata = make(map[string]string, len(u.Metadata))
	for k, v := range u.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (m *StoreMock) UpdateUserRole(ctx context.Context, userId, role string, metadata map[string]string) error {
	m.Lock()
	defer m.Unlock()
	if m.UpdateErr != nil {
		if m.UpdateAllowed <= 0 {
			return m.UpdateErr
		}
		m.UpdateAllowed--
	}
	u, ok := m.users[userId]
	if !ok {
		return define.ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now()
	if u.Metadata == nil {
		u.Metadata = make(map[string]string)
	}
	u.Metadata["role"] = role
	for k, v := range metadata {
		u.Metadata[k] = v
	}
	m.Updates = append(m.Updates, MockUpdate{UserId: userId, Role: role, Metadata: metadata})
	return nil
}
