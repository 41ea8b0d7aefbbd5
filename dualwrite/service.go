// Package dualwrite orchestrates a role change across the identity provider
// (source of truth) and the cache projection: source of truth first, then a
// versioned cache write, with a best-effort identity rollback when the cache
// write fails. This is deliberately weaker than atomic commit; every attempt
// leaves an audit entry either way.
package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-craka/upi-payment-app-sub000/breaker"
	"github.com/code-craka/upi-payment-app-sub000/common/errorutil"
	"github.com/code-craka/upi-payment-app-sub000/common/idgenerator"
	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/conflict"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/store/identity"
	"github.com/code-craka/upi-payment-app-sub000/store/secondary"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

var (
	updateTimer     = metrics.NewTimer("role", "dualwrite", "update", "role update timer", []string{"ret"})
	rollbackCounter = metrics.NewCounterVec("role", "dualwrite", "rollback", "rollback attempts", []string{"ret"})
	// a failed rollback is a confirmed store inconsistency
	inconsistencyCounter = metrics.NewCounterVec("role", "dualwrite", "inconsistency", "stores left inconsistent", []string{"user"})
	budgetCounter        = metrics.NewCounterVec("role", "dualwrite", "budget_violation", "latency budget breaches", []string{"op"})
)

const trendOpRoleUpdate = "role_update"

type Config struct {
	SnapshotTTL   time.Duration `json:"snapshot_ttl"`
	TxnTTL        time.Duration `json:"txn_ttl"`
	UpdateBudget  time.Duration `json:"update_budget"`
	OperationTime time.Duration `json:"operation_time"`
}

func (c *Config) withDefaults() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 10 * time.Minute
	}
	if c.TxnTTL <= 0 {
		c.TxnTTL = 5 * time.Minute
	}
	if c.UpdateBudget <= 0 {
		c.UpdateBudget = 500 * time.Millisecond
	}
	if c.OperationTime <= 0 {
		c.OperationTime = 30 * time.Second
	}
}

type Service struct {
	cfg       Config
	identity  identity.Store
	roles     cache.RoleCache
	snapshots cache.SnapshotStore
	audits    cache.AuditLog
	txns      cache.TxnStore
	trend     cache.TrendStore
	archive   secondary.Store
	breakers  *breaker.Registry
	conflicts *conflict.Service
	policy    *timeout.Policy
	idgen     idgenerator.IdGenerator
	validate  *validator.Validate
}

type Deps struct {
	Identity  identity.Store
	Roles     cache.RoleCache
	Snapshots cache.SnapshotStore
	Audits    cache.AuditLog
	Txns      cache.TxnStore
	Trend     cache.TrendStore
	Archive   secondary.Store
	Breakers  *breaker.Registry
	Conflicts *conflict.Service
	Policy    *timeout.Policy
	IdGen     idgenerator.IdGenerator
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	cfg.withDefaults()
	if deps.Identity == nil || deps.Roles == nil || deps.Snapshots == nil ||
		deps.Audits == nil || deps.Breakers == nil || deps.Conflicts == nil ||
		deps.Policy == nil || deps.IdGen == nil {
		return nil, errors.New("dualwrite: missing dependency")
	}
	return &Service{
		cfg:       cfg,
		identity:  deps.Identity,
		roles:     deps.Roles,
		snapshots: deps.Snapshots,
		audits:    deps.Audits,
		txns:      deps.Txns,
		trend:     deps.Trend,
		archive:   deps.Archive,
		breakers:  deps.Breakers,
		conflicts: deps.Conflicts,
		policy:    deps.Policy,
		idgen:     deps.IdGen,
		validate:  validator.New(),
	}, nil
}

func (s *Service) nextOperationId() string {
	id, err := s.idgen.NextId()
	if err != nil {
		// snowflake only fails on clock regression; fall back to a uuid
		return uuid.NewString()
	}
	return strconv.FormatInt(id, 10)
}

// ExecuteRoleUpdate runs one dual-write role change.
//
// Expected transient outcomes (open circuit, version conflict) come back as
// a structured result with err == nil so callers can decide to retry; store
// failures come back as typed errors, with the rollback outcome attached
// when the source of truth had already been mutated.
func (s *Service) ExecuteRoleUpdate(ctx context.Context, req *define.RoleUpdateRequest, initiatedBy string) (res *define.RoleUpdateResult, err error) {
	defer updateTimer.Timer()(metrics.Status(err))

	if verr := s.validate.Struct(req); verr != nil {
		return nil, fmt.Errorf("%w : %v", define.ErrInvalidRequest, verr)
	}

	opId := s.nextOperationId()
	start := time.Now()
	txn := &define.DualWriteTransaction{
		TransactionId: opId,
		UserId:        req.UserId,
		State:         define.TxnStateInitiated,
		CreatedAt:     start,
		UpdatedAt:     start,
		Timeout:       s.cfg.OperationTime,
	}
	ctx = logutil.WithLogger(ctx, logutil.Logger(ctx).With(
		zap.String("operation_id", opId), zap.String("user_id", req.UserId)))

	res = &define.RoleUpdateResult{
		OperationId: opId,
		UserId:      req.UserId,
		NewRole:     req.NewRole,
	}

	defer func() {
		res.Latencies.Total = time.Since(start)
		if res.Latencies.Total > s.cfg.UpdateBudget {
			budgetCounter.Inc(trendOpRoleUpdate)
		}
		s.finishTxn(ctx, txn)
		s.observeTrend(ctx, res.Success, res.Latencies.Total)
	}()

	// 1. circuit precheck, both legs of the dual write must be admittable
	clerkBreaker := s.breakers.Get(define.ServiceClerk)
	redisBreaker := s.breakers.Get(define.ServiceRedis)
	for _, b := range []*breaker.Breaker{clerkBreaker, redisBreaker} {
		if gerr := b.Allow(ctx); gerr != nil {
			txn.State = define.TxnStateFailed
			res.Error = gerr.Error()
			res.Retryable = true
			s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
			return res, nil
		}
	}

	// the advisory lock serializes cooperating writers; version detection
	// below stays the real conflict path
	lockErr := s.conflicts.ExecuteWithOptimisticLock(ctx, req.UserId, -1, func(ctx context.Context) error {
		return s.updateLocked(ctx, req, initiatedBy, opId, txn, res, clerkBreaker, redisBreaker)
	})
	if lockErr != nil {
		var conflictErr *define.VersionConflictError
		if errors.As(lockErr, &conflictErr) {
			// losing a version race is the designed concurrency outcome,
			// reported as data rather than raised
			if res.Conflict == nil {
				txn.State = define.TxnStateFailed
				res.Conflict = &conflictErr.Conflict
				res.Retryable = true
				s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
			}
			return res, nil
		}
		if res.Error == "" {
			txn.State = define.TxnStateFailed
			res.Error = lockErr.Error()
			res.Retryable = define.Retryable(lockErr)
			s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
		}
		return res, lockErr
	}
	return res, nil
}

func (s *Service) updateLocked(ctx context.Context, req *define.RoleUpdateRequest,
	initiatedBy, opId string, txn *define.DualWriteTransaction,
	res *define.RoleUpdateResult, clerkBreaker, redisBreaker *breaker.Breaker) error {

	// 2. read current role from the source of truth
	readStart := time.Now()
	user, err := timeout.WithTimeout(ctx, "clerk_get_user",
		s.policy.For(define.ServiceClerk, define.OpClassStandard),
		func(ctx context.Context) (*define.UserAttributes, error) {
			return s.identity.GetUser(ctx, req.UserId)
		}, nil)
	res.Latencies.ClerkRead = time.Since(readStart)
	if err != nil {
		clerkBreaker.Record(ctx, false)
		txn.State = define.TxnStateFailed
		res.Error = err.Error()
		res.Retryable = define.Retryable(err)
		s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
		return fmt.Errorf("identity read failed : %w", err)
	}
	clerkBreaker.Record(ctx, true)
	res.PreviousRole = user.Role

	currentVersion, err := s.roles.CurrentVersion(ctx, req.UserId)
	if err != nil {
		txn.State = define.TxnStateFailed
		res.Error = err.Error()
		res.Retryable = true
		s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
		return fmt.Errorf("cache version read failed : %w", err)
	}

	// 3. version precheck; a mismatch is the intended concurrency outcome,
	// reported as data rather than raised
	if req.ExpectedVersion != nil && !req.Force && *req.ExpectedVersion != currentVersion {
		txn.State = define.TxnStateFailed
		res.Conflict = &define.VersionConflict{
			UserId:          req.UserId,
			ExpectedVersion: *req.ExpectedVersion,
			CurrentVersion:  currentVersion,
		}
		res.Retryable = true
		s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
		return &define.VersionConflictError{Conflict: *res.Conflict}
	}

	// 4. rollback snapshot, keyed by operation id and TTL bounded
	snap := &define.RollbackSnapshot{
		OperationId:  opId,
		UserId:       req.UserId,
		PreviousRole: user.Role,
		Version:      currentVersion,
		Checksum:     cache.RoleChecksum(req.UserId, user.Role),
		TakenAt:      time.Now(),
	}
	if err = s.snapshots.SaveSnapshot(ctx, snap, s.cfg.SnapshotTTL); err != nil {
		txn.State = define.TxnStateFailed
		res.Error = err.Error()
		res.Retryable = true
		s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
		return fmt.Errorf("rollback snapshot failed : %w", err)
	}

	// 5. write the source of truth
	txn.State = define.TxnStateClerkUpdating
	txn.UpdatedAt = time.Now()
	writeStart := time.Now()
	_, err = timeout.WithTimeout(ctx, "clerk_update_user",
		s.policy.For(define.ServiceClerk, define.OpClassStandard),
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.identity.UpdateUserRole(ctx, req.UserId, req.NewRole, map[string]string{
				"role_updated_by": initiatedBy,
				"role_updated_at": time.Now().UTC().Format(time.RFC3339),
			})
		}, nil)
	res.Latencies.ClerkWrite = time.Since(writeStart)
	if err != nil {
		clerkBreaker.Record(ctx, false)
		txn.State = define.TxnStateFailed
		txn.ClerkResult = &define.PhaseResult{Latency: res.Latencies.ClerkWrite, Error: err.Error()}
		res.Error = err.Error()
		res.Retryable = true
		s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
		return &define.IdentityUpdateFailedError{UserId: req.UserId, Cause: err}
	}
	clerkBreaker.Record(ctx, true)
	res.ClerkUpdated = true
	txn.State = define.TxnStateClerkUpdated
	txn.ClerkResult = &define.PhaseResult{Success: true, Latency: res.Latencies.ClerkWrite}

	// 6. versioned atomic cache write
	txn.State = define.TxnStateRedisUpdating
	expected := int64(-1)
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}
	casStart := time.Now()
	newVersion, conflictHit, err := s.casRole(ctx, req, initiatedBy, expected)
	res.Latencies.RedisWrite = time.Since(casStart)

	if err != nil || conflictHit != nil {
		return s.failCacheWrite(ctx, req, initiatedBy, opId, txn, res, snap, conflictHit, err, redisBreaker)
	}
	redisBreaker.Record(ctx, true)
	res.RedisUpdated = true
	res.Version = newVersion
	txn.State = define.TxnStateRedisUpdated
	txn.RedisResult = &define.PhaseResult{Success: true, Latency: res.Latencies.RedisWrite}

	// 7. committed: clear undo data, audit the success
	if derr := s.snapshots.DeleteSnapshot(ctx, opId); derr != nil {
		logutil.Logger(ctx).Sugar().Debugf("snapshot cleanup failed : op(%s), error(%v)", opId, derr)
	}
	txn.State = define.TxnStateCommitted
	txn.UpdatedAt = time.Now()
	res.Success = true
	s.appendAudit(ctx, s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt))
	return nil
}

func (s *Service) casRole(ctx context.Context, req *define.RoleUpdateRequest,
	initiatedBy string, expected int64) (int64, *define.VersionConflict, error) {

	type casOut struct {
		version  int64
		conflict *define.VersionConflict
	}
	out, err := timeout.WithTimeout(ctx, "redis_role_cas",
		s.policy.For(define.ServiceRedis, define.OpClassStandard),
		func(ctx context.Context) (casOut, error) {
			v, c, cerr := s.roles.CompareAndSet(ctx, &define.RoleRecord{
				UserId:     req.UserId,
				Role:       req.NewRole,
				ModifiedBy: initiatedBy,
			}, expected, req.Force)
			return casOut{version: v, conflict: c}, cerr
		}, nil)
	if err != nil {
		return 0, nil, err
	}
	return out.version, out.conflict, nil
}

// failCacheWrite handles step 6 failure: the source of truth is already
// mutated, so the identity write is rolled back best-effort before the
// typed error is raised.
func (s *Service) failCacheWrite(ctx context.Context, req *define.RoleUpdateRequest,
	initiatedBy, opId string, txn *define.DualWriteTransaction,
	res *define.RoleUpdateResult, snap *define.RollbackSnapshot,
	conflictHit *define.VersionConflict, cause error, redisBreaker *breaker.Breaker) error {

	redisBreaker.Record(ctx, false)
	txn.RedisResult = &define.PhaseResult{Latency: res.Latencies.RedisWrite}
	if cause != nil {
		txn.RedisResult.Error = cause.Error()
	}

	rollback := s.rollbackIdentity(ctx, snap)
	res.Latencies.Rollback = rollback.Latency
	txn.RollbackResult = rollback
	if rollback.Success {
		txn.State = define.TxnStateRolledBack
	} else {
		txn.State = define.TxnStateFailed
	}

	if conflictHit != nil {
		res.Conflict = conflictHit
		res.Retryable = true
	} else {
		res.Error = cause.Error()
		res.Retryable = true
	}

	entry := s.newAudit(opId, req, initiatedBy, res, txn.CreatedAt)
	entry.Rollback = rollback
	s.appendAudit(ctx, entry)

	if !rollback.Success {
		inconsistencyCounter.Inc(req.UserId)
		rerr := &define.RollbackFailedError{
			UserId:       req.UserId,
			OperationId:  opId,
			PreviousRole: snap.PreviousRole,
			Cause:        errors.New(rollback.Error),
		}
		// surfaced loudly: the two stores provably disagree now
		logutil.Logger(ctx).Error("ROLE STORES INCONSISTENT, manual remediation required",
			zap.String("user_id", req.UserId), zap.String("operation_id", opId),
			zap.String("expected_role", snap.PreviousRole))
		res.Retryable = false
		return rerr
	}

	if conflictHit != nil {
		return &define.VersionConflictError{Conflict: *conflictHit}
	}
	return &define.CacheUpdateFailedError{UserId: req.UserId, Cause: cause, Rollback: rollback}
}

// rollbackIdentity re-applies the snapshot role plus a rolledBackAt marker.
// A concurrent unrelated metadata write can race this re-apply; that
// weakness is inherited from the update API being a merge, not a swap.
func (s *Service) rollbackIdentity(ctx context.Context, snap *define.RollbackSnapshot) *define.RollbackPhase {
	phase := &define.RollbackPhase{Attempted: true, RestoredRole: snap.PreviousRole}
	start := time.Now()

	// rollback still runs when the surrounding call is already cancelled
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		s.policy.For(define.ServiceClerk, define.OpClassEmergency))
	defer cancel()

	err := s.identity.UpdateUserRole(rctx, snap.UserId, snap.PreviousRole, map[string]string{
		"rolledBackAt": time.Now().UTC().Format(time.RFC3339),
		"rolledBackOp": snap.OperationId,
	})
	phase.Latency = time.Since(start)
	if err != nil {
		phase.Error = err.Error()
		rollbackCounter.Inc("err")
		return phase
	}
	phase.Success = true
	rollbackCounter.Inc("ok")
	if derr := s.snapshots.DeleteSnapshot(rctx, snap.OperationId); derr != nil {
		logutil.Logger(ctx).Sugar().Debugf("snapshot cleanup failed : op(%s), error(%v)", snap.OperationId, derr)
	}
	return phase
}

func (s *Service) finishTxn(ctx context.Context, txn *define.DualWriteTransaction) {
	if s.txns == nil {
		return
	}
	txn.UpdatedAt = time.Now()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.txns.SaveTxn(sctx, txn, s.cfg.TxnTTL); err != nil {
		logutil.Logger(ctx).Sugar().Debugf("txn save failed : id(%s), error(%v)", txn.TransactionId, err)
	}
}

func (s *Service) observeTrend(ctx context.Context, success bool, total time.Duration) {
	if s.trend == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.trend.Observe(sctx, trendOpRoleUpdate, total, success); err != nil {
		logutil.Logger(ctx).Sugar().Debugf("trend observe failed : error(%v)", err)
	}
}

// GetOperationStatus returns the briefly-persisted transaction record.
func (s *Service) GetOperationStatus(ctx context.Context, transactionId string) (*define.DualWriteTransaction, error) {
	if s.txns == nil {
		return nil, define.ErrNotFound
	}
	return s.txns.LoadTxn(ctx, transactionId)
}

func (s *Service) GetAuditLog(ctx context.Context, userId string, limit int64) ([]*define.AuditLogEntry, error) {
	if userId == "" {
		return s.audits.Recent(ctx, limit)
	}
	return s.audits.RecentForUser(ctx, userId, limit)
}

func (s *Service) newAudit(opId string, req *define.RoleUpdateRequest,
	initiatedBy string, res *define.RoleUpdateResult, startedAt time.Time) *define.AuditLogEntry {
	now := time.Now()
	// failure paths audit before the deferred total is computed, so the
	// entry measures elapsed time itself
	latencies := res.Latencies
	latencies.Total = now.Sub(startedAt)
	entry := &define.AuditLogEntry{
		Id:            uuid.NewString(),
		OperationId:   opId,
		OperationType: "role_update",
		TargetUserId:  req.UserId,
		PreviousRole:  res.PreviousRole,
		NewRole:       req.NewRole,
		Version:       res.Version,
		InitiatedBy:   initiatedBy,
		Success:       res.Success,
		ClerkUpdated:  res.ClerkUpdated,
		RedisUpdated:  res.RedisUpdated,
		Conflict:      res.Conflict,
		Error:         res.Error,
		Latencies:     latencies,
		Timestamp:     now,
	}
	if res.Success {
		entry.CompletedAt = &now
	}
	return entry
}

// appendAudit never fails the surrounding operation; the durable archive is
// written on a detached best-effort goroutine.
func (s *Service) appendAudit(ctx context.Context, entry *define.AuditLogEntry) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.audits.Append(sctx, entry); err != nil {
		logutil.Logger(ctx).Sugar().Errorf("audit append failed : op(%s), error(%v)", entry.OperationId, err)
	}
	if s.archive != nil {
		cp := *entry
		go errorutil.SafeGoroutine(func() {
			actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer acancel()
			if err := s.archive.ArchiveAudit(actx, &cp); err != nil {
				logutil.Logger(actx).Sugar().Debugf("audit archive failed : op(%s), error(%v)", cp.OperationId, err)
			}
		})
	}
}
