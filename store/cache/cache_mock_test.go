package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/upi-payment-app-sub000/define"
)

func seedRole(m *StoreMock, userId string, version int64) {
	m.Seed(&define.RoleRecord{
		UserId:       userId,
		Role:         define.RoleViewer,
		Version:      version,
		LastModified: time.Now(),
	})
}

func TestCompareAndSetContinuesVersionAfterFreshExpiry(t *testing.T) {
	m := NewStoreMock()
	seedRole(m, "u1", 5)
	m.DropFresh("u1")

	v, conflict, err := m.CompareAndSet(context.Background(), &define.RoleRecord{
		UserId: "u1", Role: define.RoleAdmin, ModifiedBy: "admin_1",
	}, 5, false)
	require.Nil(t, err)
	require.Nil(t, conflict)
	assert.Equal(t, int64(6), v)

	// the stale copy moves forward, never back
	stale, err := m.GetStale(context.Background(), "u1", 0)
	require.Nil(t, err)
	assert.Equal(t, int64(6), stale.Version)
	assert.Equal(t, define.RoleAdmin, stale.Role)
}

func TestCompareAndSetRejectsPreExpiryExpectation(t *testing.T) {
	m := NewStoreMock()
	seedRole(m, "u1", 5)
	m.DropFresh("u1")

	// a laggard still holding an old version must lose, not restart the epoch
	_, conflict, err := m.CompareAndSet(context.Background(), &define.RoleRecord{
		UserId: "u1", Role: define.RoleAdmin, ModifiedBy: "admin_2",
	}, 1, false)
	require.Nil(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, int64(5), conflict.CurrentVersion)

	stale, err := m.GetStale(context.Background(), "u1", 0)
	require.Nil(t, err)
	assert.Equal(t, int64(5), stale.Version)
	assert.Equal(t, define.RoleViewer, stale.Role)
}

func TestPutNeverLowersSurvivingStaleVersion(t *testing.T) {
	m := NewStoreMock()
	seedRole(m, "u1", 5)
	m.DropFresh("u1")

	require.Nil(t, m.Put(context.Background(), &define.RoleRecord{
		UserId: "u1", Role: define.RoleAdmin, Version: 2, ModifiedBy: "chain",
	}))

	stale, err := m.GetStale(context.Background(), "u1", 0)
	require.Nil(t, err)
	assert.Equal(t, int64(5), stale.Version)
	assert.Equal(t, define.RoleViewer, stale.Role)

	// the fresh projection was not resurrected with a regressed version
	_, err = m.Get(context.Background(), "u1")
	assert.True(t, errors.Is(err, define.ErrNotFound))
}

func TestAcquireRefusesHeldLockForSameOwner(t *testing.T) {
	m := NewStoreMock()
	seedRole(m, "u1", 3)

	ok, cur, err := m.Acquire(context.Background(), "u1", 3, "node_a", time.Minute)
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), cur)

	ok, _, err = m.Acquire(context.Background(), "u1", 3, "node_a", time.Minute)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, define.ErrLockNotAcquired))

	require.Nil(t, m.Release(context.Background(), "u1", "node_a"))
	ok, _, err = m.Acquire(context.Background(), "u1", 3, "node_a", time.Minute)
	require.Nil(t, err)
	assert.True(t, ok)
}
