package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

func (s *Store) Acquire(ctx context.Context, userId string, expectedVersion int64,
	owner string, ttl time.Duration) (acquired bool, current int64, err error) {
	defer cacheTimer.Timer()("lock_acquire", metrics.Status(err))

	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	res, err := lockAcquireScript.Run(ctx, s.cli,
		[]string{s.lockKey(userId), s.roleKey(userId)},
		expectedVersion, owner, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("cache: unexpected lock reply %v", res)
	}
	switch res[0] {
	case 1:
		return true, res[1], nil
	case 0:
		return false, res[1], nil
	default:
		return false, res[1], define.ErrLockNotAcquired
	}
}

func (s *Store) Release(ctx context.Context, userId, owner string) (err error) {
	defer cacheTimer.Timer()("lock_release", metrics.Status(err))

	err = lockReleaseScript.Run(ctx, s.cli, []string{s.lockKey(userId)}, owner).Err()
	return err
}
