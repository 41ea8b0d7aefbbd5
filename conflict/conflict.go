// Package conflict implements optimistic concurrency control for role
// writes: an advisory versioned lock plus configurable resolution when the
// expected version no longer matches.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
)

var (
	conflictCounter = metrics.NewCounterVec("role", "conflict", "resolution", "conflict resolutions", []string{"strategy", "outcome"})
)

type Config struct {
	Strategy      string        `json:"strategy"`
	MaxRetries    int           `json:"max_retries"`
	BaseBackoff   time.Duration `json:"base_backoff"`
	MaxBackoff    time.Duration `json:"max_backoff"`
	BackoffJitter float64       `json:"backoff_jitter"`
	LockTTL       time.Duration `json:"lock_ttl"`
}

func (c *Config) withDefaults() {
	if c.Strategy == "" {
		c.Strategy = define.ResolveRetryWithBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.BackoffJitter <= 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
}

type Service struct {
	locks cache.LockStore
	roles cache.RoleCache
	owner string
	cfg   Config
}

// NewService builds the resolver; owner identifies this node as lock holder.
func NewService(locks cache.LockStore, roles cache.RoleCache, owner string, cfg Config) *Service {
	cfg.withDefaults()
	return &Service{locks: locks, roles: roles, owner: owner, cfg: cfg}
}

// backoffDelay is exponential with jitter; retries are always bounded by
// MaxRetries, nothing here waits indefinitely.
func (s *Service) backoffDelay(attempt int) time.Duration {
	d := float64(s.cfg.BaseBackoff) * math.Pow(2, float64(attempt))
	d = math.Min(d, float64(s.cfg.MaxBackoff))
	jitter := 1 + s.cfg.BackoffJitter*(2*rand.Float64()-1)
	return time.Duration(d * jitter)
}

// ExecuteWithOptimisticLock acquires the versioned lock (version check and
// lock mark are one indivisible step in the store), runs op, and always
// releases the lock whether op succeeds or fails.
//
// expectedVersion < 0 waives the version check.
func (s *Service) ExecuteWithOptimisticLock(ctx context.Context, userId string,
	expectedVersion int64, op func(ctx context.Context) error) error {

	strategy := s.cfg.Strategy
	expected := expectedVersion

	for attempt := 0; ; attempt++ {
		acquired, current, err := s.locks.Acquire(ctx, userId, expected, s.owner, s.cfg.LockTTL)
		if acquired {
			defer func() {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				if rerr := s.locks.Release(rctx, userId, s.owner); rerr != nil {
					logutil.Logger(ctx).Sugar().Warnf("lock release failed : user(%s), error(%v)", userId, rerr)
				}
			}()
			conflictCounter.Inc(strategy, "acquired")
			return op(ctx)
		}
		if err != nil && !errors.Is(err, define.ErrLockNotAcquired) {
			return err
		}

		contended := errors.Is(err, define.ErrLockNotAcquired)
		conflict := &define.VersionConflict{
			UserId:          userId,
			ExpectedVersion: expected,
			CurrentVersion:  current,
		}
		if contended {
			conflict.Detail = "lock held by another writer"
		}

		switch strategy {
		case define.ResolveFailFast:
			conflictCounter.Inc(strategy, "fail_fast")
			return &define.VersionConflictError{Conflict: *conflict}

		case define.ResolveForceUpdate:
			// explicit caller opt-in: waive the version check and retry the
			// acquisition once against whatever version is current
			if expected < 0 {
				conflictCounter.Inc(strategy, "contended")
				return &define.VersionConflictError{Conflict: *conflict}
			}
			expected = -1
			continue

		case define.ResolveRetryWithBackoff:
			if attempt >= s.cfg.MaxRetries {
				conflictCounter.Inc(strategy, "exhausted")
				return &define.VersionConflictError{Conflict: *conflict}
			}
			select {
			case <-time.After(s.backoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			if !contended {
				// re-read and retry against the version we now observe
				cur, verr := s.roles.CurrentVersion(ctx, userId)
				if verr != nil {
					return verr
				}
				expected = cur
			}
			continue

		default:
			conflictCounter.Inc(strategy, "aborted")
			return fmt.Errorf("%w : %v", define.ErrResolutionAborted, conflict)
		}
	}
}

// CheckForConflicts is a read-only probe before committing to a write.
func (s *Service) CheckForConflicts(ctx context.Context, userId string, expectedVersion int64) (*define.VersionConflict, error) {
	if expectedVersion < 0 {
		return nil, nil
	}
	current, err := s.roles.CurrentVersion(ctx, userId)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return &define.VersionConflict{
			UserId:          userId,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}, nil
	}
	return nil, nil
}

// BatchCheck is one (userId, expectedVersion) probe of a batch pre-screen.
type BatchCheck struct {
	UserId          string
	ExpectedVersion int64
}

// CheckBatchConflicts probes every pair and returns the conflicts found,
// keyed by user id.
func (s *Service) CheckBatchConflicts(ctx context.Context, checks []BatchCheck) (map[string]*define.VersionConflict, error) {
	conflicts := make(map[string]*define.VersionConflict)
	for _, check := range checks {
		c, err := s.CheckForConflicts(ctx, check.UserId, check.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		if c != nil {
			conflicts[check.UserId] = c
		}
	}
	return conflicts, nil
}
