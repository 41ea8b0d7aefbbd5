package secondary

import (
	"context"
	"sync"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/define"
)

type StoreMock struct {
	sync.Mutex

	users    map[string]*define.UserRecord
	archived []*define.AuditLogEntry

	FindErr    error
	ArchiveErr error
}

func NewStoreMock() *StoreMock {
	return &StoreMock{
		users: make(map[string]*define.UserRecord),
	}
}

func (m *StoreMock) SeedUser(userId, role string) {
	m.Lock()
	defer m.Unlock()
	m.users[userId] = &define.UserRecord{
		UserId:    userId,
		Role:      role,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (m *StoreMock) FindByID(ctx context.Context, userId string) (*define.UserRecord, error) {
	m.Lock()
	defer m.Unlock()
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	rec, ok := m.users[userId]
	if !ok {
		return nil, define.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *StoreMock) ArchiveAudit(ctx context.Context, entry *define.AuditLogEntry) error {
	m.Lock()
	defer m.Unlock()
	if m.ArchiveErr != nil {
		return m.ArchiveErr
	}
	cp := *entry
	m.archived = append(m.archived, &cp)
	return nil
}

func (m *StoreMock) ArchivedCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.archived)
}
