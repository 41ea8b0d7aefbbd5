package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
)

func newTestService(store *cache.StoreMock, strategy string) *Service {
	return NewService(store, store, "node_a", Config{
		Strategy:    strategy,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
}

func seed(store *cache.StoreMock, userId string, version int64) {
	store.Seed(&define.RoleRecord{
		UserId:       userId,
		Role:         define.RoleViewer,
		Version:      version,
		LastModified: time.Now(),
	})
}

func TestLockAcquireRunsAndReleases(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 3)
	svc := newTestService(store, define.ResolveFailFast)

	ran := false
	err := svc.ExecuteWithOptimisticLock(context.Background(), "u1", 3, func(ctx context.Context) error {
		ran = true
		assert.True(t, store.Locked("u1"))
		return nil
	})
	require.Nil(t, err)
	assert.True(t, ran)
	assert.False(t, store.Locked("u1"))
}

func TestLockReleasedOnOpFailure(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 3)
	svc := newTestService(store, define.ResolveFailFast)

	boom := errors.New("boom")
	err := svc.ExecuteWithOptimisticLock(context.Background(), "u1", 3, func(ctx context.Context) error {
		return boom
	})
	assert.Equal(t, boom, err)
	assert.False(t, store.Locked("u1"))
}

func TestFailFastOnVersionMismatch(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 5)
	svc := newTestService(store, define.ResolveFailFast)

	err := svc.ExecuteWithOptimisticLock(context.Background(), "u1", 3, func(ctx context.Context) error {
		t.Fatal("op must not run on conflict")
		return nil
	})

	var vc *define.VersionConflictError
	require.True(t, errors.As(err, &vc))
	assert.Equal(t, int64(3), vc.Conflict.ExpectedVersion)
	assert.Equal(t, int64(5), vc.Conflict.CurrentVersion)
}

func TestRetryWithBackoffReReadsVersion(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 5)
	svc := newTestService(store, define.ResolveRetryWithBackoff)

	ran := false
	err := svc.ExecuteWithOptimisticLock(context.Background(), "u1", 3, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.Nil(t, err)
	assert.True(t, ran)
}

func TestRetryWithBackoffExhausts(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 5)
	svc := newTestService(store, define.ResolveRetryWithBackoff)

	// another owner holds the lock for the whole test, every retry contends
	acquired, _, err := store.Acquire(context.Background(), "u1", -1, "node_b", time.Minute)
	require.True(t, acquired)
	require.Nil(t, err)

	err = svc.ExecuteWithOptimisticLock(context.Background(), "u1", 5, func(ctx context.Context) error {
		t.Fatal("op must not run while contended")
		return nil
	})
	var vc *define.VersionConflictError
	require.True(t, errors.As(err, &vc))
	assert.Equal(t, "lock held by another writer", vc.Conflict.Detail)
}

func TestForceUpdateWaivesVersionCheck(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 5)
	svc := newTestService(store, define.ResolveForceUpdate)

	ran := false
	err := svc.ExecuteWithOptimisticLock(context.Background(), "u1", 3, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.Nil(t, err)
	assert.True(t, ran)
}

func TestUserInterventionAborts(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 5)
	svc := newTestService(store, define.ResolveUserIntervention)

	err := svc.ExecuteWithOptimisticLock(context.Background(), "u1", 3, func(ctx context.Context) error {
		t.Fatal("op must not run")
		return nil
	})
	assert.True(t, errors.Is(err, define.ErrResolutionAborted))
}

func TestCheckForConflicts(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 5)
	svc := newTestService(store, define.ResolveFailFast)

	c, err := svc.CheckForConflicts(context.Background(), "u1", 5)
	require.Nil(t, err)
	assert.Nil(t, c)

	c, err = svc.CheckForConflicts(context.Background(), "u1", 2)
	require.Nil(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(5), c.CurrentVersion)

	// negative expectation waives the check
	c, err = svc.CheckForConflicts(context.Background(), "u1", -1)
	require.Nil(t, err)
	assert.Nil(t, c)
}

func TestCheckBatchConflicts(t *testing.T) {
	store := cache.NewStoreMock()
	seed(store, "u1", 1)
	seed(store, "u2", 7)
	svc := newTestService(store, define.ResolveFailFast)

	conflicts, err := svc.CheckBatchConflicts(context.Background(), []BatchCheck{
		{UserId: "u1", ExpectedVersion: 1},
		{UserId: "u2", ExpectedVersion: 2},
	})
	require.Nil(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(7), conflicts["u2"].CurrentVersion)
}
