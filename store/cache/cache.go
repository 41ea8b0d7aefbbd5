// Package cache holds the typed Redis bindings used for cross-invocation
// coordination: the versioned role projection, circuit breaker state,
// advisory locks, rollback snapshots, the capped audit list and rolling
// latency windows. Every read-check-write path runs as a server-side script
// so it is indivisible with respect to concurrent callers.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

var (
	cacheTimer = metrics.NewTimer("role", "cache", "op", "cache op timer", []string{"op", "ret"})
)

// RoleCache is the versioned role projection.
type RoleCache interface {
	Get(ctx context.Context, userId string) (*define.RoleRecord, error)
	GetStale(ctx context.Context, userId string, maxAge time.Duration) (*define.RoleRecord, error)
	CurrentVersion(ctx context.Context, userId string) (int64, error)
	// CompareAndSet bumps the version and rewrites the record iff the stored
	// version equals expectedVersion (or expectedVersion < 0, or force).
	// Returns the conflict instead of writing on a mismatch.
	CompareAndSet(ctx context.Context, rec *define.RoleRecord, expectedVersion int64, force bool) (int64, *define.VersionConflict, error)
	// Put writes back a record read from an authoritative tier without
	// bumping the version.
	Put(ctx context.Context, rec *define.RoleRecord) error
	Delete(ctx context.Context, userId string) error
}

// BreakerStore persists circuit state; Gate and Record are atomic.
type BreakerStore interface {
	// Gate decides whether a call may proceed, flipping OPEN to HALF_OPEN
	// when the recovery timeout has elapsed. recovery is the jittered
	// timeout for the current attempt count, computed by the caller.
	Gate(ctx context.Context, service string, recovery time.Duration) (allowed bool, state string, retryAfter time.Duration, err error)
	Record(ctx context.Context, service string, success bool, failureThreshold, successThreshold int64) (*define.CircuitBreakerState, error)
	Load(ctx context.Context, service string) (*define.CircuitBreakerState, error)
	Reset(ctx context.Context, service string) error
	ForceState(ctx context.Context, service, state string) error
}

// LockStore provides the advisory versioned lock: acquisition checks the
// cached version and marks the lock in one indivisible step.
type LockStore interface {
	// Acquire returns (true, current) on success, (false, current) on a
	// version mismatch, and (false, current) with define.ErrLockNotAcquired
	// when another owner holds the lock.
	Acquire(ctx context.Context, userId string, expectedVersion int64, owner string, ttl time.Duration) (bool, int64, error)
	Release(ctx context.Context, userId, owner string) error
}

// SnapshotStore keeps rollback data keyed by operation id with a bounded TTL.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *define.RollbackSnapshot, ttl time.Duration) error
	LoadSnapshot(ctx context.Context, operationId string) (*define.RollbackSnapshot, error)
	DeleteSnapshot(ctx context.Context, operationId string) error
}

// AuditLog is the capped, TTL'd most-recent-N list of audit entries.
type AuditLog interface {
	Append(ctx context.Context, entry *define.AuditLogEntry) error
	Recent(ctx context.Context, limit int64) ([]*define.AuditLogEntry, error)
	RecentForUser(ctx context.Context, userId string, limit int64) ([]*define.AuditLogEntry, error)
}

// TxnStore keeps terminal DualWriteTransaction records briefly for status
// polling.
type TxnStore interface {
	SaveTxn(ctx context.Context, txn *define.DualWriteTransaction, ttl time.Duration) error
	LoadTxn(ctx context.Context, transactionId string) (*define.DualWriteTransaction, error)
}

// TrendStore accumulates point latency observations into rolling windows.
type TrendStore interface {
	Observe(ctx context.Context, operation string, d time.Duration, success bool) error
	Window(ctx context.Context, operation string) ([]Observation, error)
}

type Observation struct {
	Duration time.Duration
	Success  bool
	At       time.Time
}

type Config struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	KeyPrefix    string        `json:"key_prefix"`
	RoleTTL      time.Duration `json:"role_ttl"`
	StaleTTL     time.Duration `json:"stale_ttl"`
	BreakerTTL   time.Duration `json:"breaker_ttl"`
	AuditMax     int64         `json:"audit_max"`
	AuditTTL     time.Duration `json:"audit_ttl"`
	TrendWindow  int64         `json:"trend_window"`
	TrendTTL     time.Duration `json:"trend_ttl"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

func (c *Config) withDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "upi"
	}
	if c.RoleTTL <= 0 {
		c.RoleTTL = 5 * time.Minute
	}
	if c.StaleTTL <= 0 {
		c.StaleTTL = 30 * time.Minute
	}
	if c.BreakerTTL <= 0 {
		c.BreakerTTL = time.Hour
	}
	if c.AuditMax <= 0 {
		c.AuditMax = 1000
	}
	if c.AuditTTL <= 0 {
		c.AuditTTL = 7 * 24 * time.Hour
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = 500
	}
	if c.TrendTTL <= 0 {
		c.TrendTTL = time.Hour
	}
}

// Store implements every cache-side interface over one Redis client.
type Store struct {
	cli *redis.Client
	cfg Config
}

func NewStore(cfg Config) (*Store, error) {
	cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache: addr is required")
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Store{cli: cli, cfg: cfg}, nil
}

func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

func (s *Store) roleKey(userId string) string {
	return fmt.Sprintf("%s:role:%s", s.cfg.KeyPrefix, userId)
}

func (s *Store) staleRoleKey(userId string) string {
	return fmt.Sprintf("%s:role:stale:%s", s.cfg.KeyPrefix, userId)
}

func (s *Store) breakerKey(service string) string {
	return fmt.Sprintf("%s:cb:%s", s.cfg.KeyPrefix, service)
}

func (s *Store) lockKey(userId string) string {
	return fmt.Sprintf("%s:lock:role:%s", s.cfg.KeyPrefix, userId)
}

func (s *Store) snapshotKey(operationId string) string {
	return fmt.Sprintf("%s:rollback:%s", s.cfg.KeyPrefix, operationId)
}

func (s *Store) auditKey() string {
	return fmt.Sprintf("%s:audit:role", s.cfg.KeyPrefix)
}

func (s *Store) userAuditKey(userId string) string {
	return fmt.Sprintf("%s:audit:role:%s", s.cfg.KeyPrefix, userId)
}

func (s *Store) txnKey(transactionId string) string {
	return fmt.Sprintf("%s:txn:%s", s.cfg.KeyPrefix, transactionId)
}

func (s *Store) trendKey(operation string) string {
	return fmt.Sprintf("%s:perf:%s", s.cfg.KeyPrefix, operation)
}
