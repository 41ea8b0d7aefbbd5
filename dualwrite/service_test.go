package dualwrite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/code-craka/upi-payment-app-sub000/breaker"
	"github.com/code-craka/upi-payment-app-sub000/common/idgenerator"
	"github.com/code-craka/upi-payment-app-sub000/conflict"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/store/identity"
	"github.com/code-craka/upi-payment-app-sub000/store/secondary"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

type _dualWriteSuite struct {
	suite.Suite
	store    *cache.StoreMock
	idp      *identity.StoreMock
	db       *secondary.StoreMock
	breakers *breaker.Registry
	svc      *Service
	ctx      context.Context
}

func (s *_dualWriteSuite) SetupTest() {
	s.store = cache.NewStoreMock()
	s.idp = identity.NewStoreMock()
	s.db = secondary.NewStoreMock()
	s.breakers = breaker.NewRegistry(s.store, breaker.Config{FailureThreshold: 5, SuccessThreshold: 2})
	s.ctx = context.Background()

	idGen, err := idgenerator.NewSnowflake(1, 1)
	s.Require().Nil(err)

	conflicts := conflict.NewService(s.store, s.store, "test_node", conflict.Config{
		Strategy:    define.ResolveRetryWithBackoff,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	s.svc, err = NewService(Config{}, Deps{
		Identity:  s.idp,
		Roles:     s.store,
		Snapshots: s.store,
		Audits:    s.store,
		Txns:      s.store,
		Trend:     s.store,
		Archive:   s.db,
		Breakers:  s.breakers,
		Conflicts: conflicts,
		Policy:    timeout.NewPolicy(nil),
		IdGen:     idGen,
	})
	s.Require().Nil(err)
}

func (s *_dualWriteSuite) seed(userId, role string, version int64) {
	s.idp.SeedUser(userId, role)
	s.store.Seed(&define.RoleRecord{
		UserId: userId, Role: role, Version: version, LastModified: time.Now(),
	})
}

func (s *_dualWriteSuite) update(userId, role string, expected int64) (*define.RoleUpdateResult, error) {
	req := &define.RoleUpdateRequest{UserId: userId, NewRole: role}
	if expected >= 0 {
		req.ExpectedVersion = &expected
	}
	return s.svc.ExecuteRoleUpdate(s.ctx, req, "admin_1")
}

func (s *_dualWriteSuite) latestAudit(userId string) *define.AuditLogEntry {
	entries, err := s.store.RecentForUser(s.ctx, userId, 1)
	s.Require().Nil(err)
	s.Require().NotEmpty(entries)
	return entries[0]
}

func (s *_dualWriteSuite) TestSuccessfulUpdate() {
	s.seed("u1", define.RoleViewer, 3)

	res, err := s.update("u1", define.RoleAdmin, 3)
	s.Nil(err)
	s.True(res.Success)
	s.True(res.ClerkUpdated)
	s.True(res.RedisUpdated)
	s.Equal(define.RoleViewer, res.PreviousRole)
	s.Equal(int64(4), res.Version)

	// both stores converged
	s.Equal(define.RoleAdmin, s.idp.Role("u1"))
	rec, gerr := s.store.Get(s.ctx, "u1")
	s.Nil(gerr)
	s.Equal(define.RoleAdmin, rec.Role)
	s.Equal(int64(4), rec.Version)

	// undo data cleared, terminal transaction persisted
	s.Equal(0, s.store.SnapshotCount())
	txn, terr := s.svc.GetOperationStatus(s.ctx, res.OperationId)
	s.Nil(terr)
	s.Equal(define.TxnStateCommitted, txn.State)

	entry := s.latestAudit("u1")
	s.True(entry.Success)
	s.Equal("admin_1", entry.InitiatedBy)
	s.Equal(define.RoleViewer, entry.PreviousRole)
	s.Equal(define.RoleAdmin, entry.NewRole)
	s.NotNil(entry.CompletedAt)

	// the durable archive catches up asynchronously
	s.Eventually(func() bool { return s.db.ArchivedCount() >= 1 }, time.Second, 5*time.Millisecond)
}

func (s *_dualWriteSuite) TestVersionConflictIsStructured() {
	s.seed("u1", define.RoleViewer, 5)

	res, err := s.update("u1", define.RoleAdmin, 2)
	s.Nil(err)
	s.False(res.Success)
	s.Require().NotNil(res.Conflict)
	s.Equal(int64(2), res.Conflict.ExpectedVersion)
	s.Equal(int64(5), res.Conflict.CurrentVersion)
	s.True(res.Retryable)

	// neither store was touched
	s.Equal(define.RoleViewer, s.idp.Role("u1"))
	s.Empty(s.idp.Updates)

	entry := s.latestAudit("u1")
	s.False(entry.Success)
	s.NotNil(entry.Conflict)
}

func (s *_dualWriteSuite) TestAuditEntriesCarryTotalLatency() {
	s.seed("u1", define.RoleViewer, 3)
	res, err := s.update("u1", define.RoleAdmin, 3)
	s.Nil(err)
	s.True(res.Success)
	s.Greater(s.latestAudit("u1").Latencies.Total, time.Duration(0))

	// failure paths audit before the operation finishes; the entry still
	// measures elapsed time
	s.seed("u2", define.RoleViewer, 5)
	res, err = s.update("u2", define.RoleAdmin, 2)
	s.Nil(err)
	s.Require().NotNil(res.Conflict)
	s.Greater(s.latestAudit("u2").Latencies.Total, time.Duration(0))
}

func (s *_dualWriteSuite) TestCacheFailureRollsBackIdentity() {
	s.seed("u1", define.RoleViewer, 3)
	s.store.SetFailure("role_cas", errors.New("redis write refused"))

	res, err := s.update("u1", define.RoleAdmin, 3)
	var cu *define.CacheUpdateFailedError
	s.Require().True(errors.As(err, &cu))
	s.True(define.Retryable(err))
	s.False(res.Success)
	s.True(res.ClerkUpdated)
	s.False(res.RedisUpdated)

	// identity restored to the snapshot role, with the rollback marker
	s.Equal(define.RoleViewer, s.idp.Role("u1"))
	last := s.idp.Updates[len(s.idp.Updates)-1]
	s.Equal(define.RoleViewer, last.Role)
	s.NotEmpty(last.Metadata["rolledBackAt"])
	s.Equal(res.OperationId, last.Metadata["rolledBackOp"])

	s.Require().NotNil(cu.Rollback)
	s.True(cu.Rollback.Success)
	s.Equal(0, s.store.SnapshotCount())

	txn, terr := s.svc.GetOperationStatus(s.ctx, res.OperationId)
	s.Nil(terr)
	s.Equal(define.TxnStateRolledBack, txn.State)

	entry := s.latestAudit("u1")
	s.False(entry.Success)
	s.True(entry.ClerkUpdated)
	s.False(entry.RedisUpdated)
	s.Require().NotNil(entry.Rollback)
	s.True(entry.Rollback.Success)
}

func (s *_dualWriteSuite) TestRollbackFailureIsNotRetryable() {
	s.seed("u1", define.RoleViewer, 3)
	s.store.SetFailure("role_cas", errors.New("redis write refused"))
	s.idp.UpdateErr = errors.New("clerk went down")
	s.idp.UpdateAllowed = 1 // forward write succeeds, rollback fails

	res, err := s.update("u1", define.RoleAdmin, 3)
	var rb *define.RollbackFailedError
	s.Require().True(errors.As(err, &rb))
	s.False(define.Retryable(err))
	s.Equal("u1", rb.UserId)
	s.Equal(define.RoleViewer, rb.PreviousRole)

	// the stores provably disagree now
	s.Equal(define.RoleAdmin, s.idp.Role("u1"))
	rec, gerr := s.store.Get(s.ctx, "u1")
	s.Nil(gerr)
	s.Equal(define.RoleViewer, rec.Role)

	txn, terr := s.svc.GetOperationStatus(s.ctx, res.OperationId)
	s.Nil(terr)
	s.Equal(define.TxnStateFailed, txn.State)
	s.Require().NotNil(txn.RollbackResult)
	s.True(txn.RollbackResult.Attempted)
	s.False(txn.RollbackResult.Success)
}

func (s *_dualWriteSuite) TestIdentityWriteFailureNeedsNoRollback() {
	s.seed("u1", define.RoleViewer, 3)
	s.idp.UpdateErr = errors.New("clerk 503")

	res, err := s.update("u1", define.RoleAdmin, 3)
	var iu *define.IdentityUpdateFailedError
	s.Require().True(errors.As(err, &iu))
	s.True(res.Retryable)
	s.False(res.ClerkUpdated)
	s.Equal(define.RoleViewer, s.idp.Role("u1"))

	rec, gerr := s.store.Get(s.ctx, "u1")
	s.Nil(gerr)
	s.Equal(int64(3), rec.Version)
}

func (s *_dualWriteSuite) TestOpenCircuitShortCircuits() {
	s.seed("u1", define.RoleViewer, 3)
	s.Nil(s.breakers.Get(define.ServiceClerk).ForceOpen(s.ctx))

	res, err := s.update("u1", define.RoleAdmin, 3)
	s.Nil(err)
	s.False(res.Success)
	s.True(res.Retryable)
	s.NotEmpty(res.Error)
	s.Empty(s.idp.Updates)
}

func (s *_dualWriteSuite) TestInvalidRoleRejected() {
	s.seed("u1", define.RoleViewer, 3)

	_, err := s.svc.ExecuteRoleUpdate(s.ctx, &define.RoleUpdateRequest{
		UserId: "u1", NewRole: "superuser",
	}, "admin_1")
	s.True(errors.Is(err, define.ErrInvalidRequest))
	s.Empty(s.idp.Updates)
}

func (s *_dualWriteSuite) batchReq(continueOnError bool, versions map[string]int64) *define.BatchRoleUpdateRequest {
	req := &define.BatchRoleUpdateRequest{ContinueOnError: continueOnError}
	for _, userId := range []string{"u1", "u2", "u3"} {
		item := define.RoleUpdateRequest{UserId: userId, NewRole: define.RoleMerchant}
		if v, ok := versions[userId]; ok {
			vv := v
			item.ExpectedVersion = &vv
		}
		req.Items = append(req.Items, item)
	}
	return req
}

func (s *_dualWriteSuite) TestBatchAbortsBeforeAnyWriteOnConflict() {
	s.seed("u1", define.RoleViewer, 1)
	s.seed("u2", define.RoleViewer, 9) // pre-screen will catch this one
	s.seed("u3", define.RoleViewer, 1)

	res, err := s.svc.ExecuteBatchRoleUpdate(s.ctx,
		s.batchReq(false, map[string]int64{"u1": 1, "u2": 2, "u3": 1}), "admin_1")
	s.Nil(err)
	s.True(res.Aborted)
	s.Equal(0, res.Succeeded)
	s.Equal(3, res.Failed)
	s.Require().Len(res.Results, 3)

	for _, r := range res.Results {
		s.False(r.Success)
	}
	s.Require().NotNil(res.Results[1].Conflict)
	s.Equal(int64(9), res.Results[1].Conflict.CurrentVersion)
	s.Nil(res.Results[0].Conflict)

	// nothing was written anywhere
	s.Empty(s.idp.Updates)
	for _, userId := range []string{"u1", "u2", "u3"} {
		s.Equal(define.RoleViewer, s.idp.Role(userId))
	}
}

func (s *_dualWriteSuite) TestBatchContinueOnErrorCollectsPerItem() {
	s.seed("u1", define.RoleViewer, 1)
	s.seed("u2", define.RoleViewer, 9)
	s.seed("u3", define.RoleViewer, 1)

	res, err := s.svc.ExecuteBatchRoleUpdate(s.ctx,
		s.batchReq(true, map[string]int64{"u1": 1, "u2": 2, "u3": 1}), "admin_1")
	s.Nil(err)
	s.False(res.Aborted)
	s.Equal(2, res.Succeeded)
	s.Equal(1, res.Failed)

	s.True(res.Results[0].Success)
	s.NotNil(res.Results[1].Conflict)
	s.True(res.Results[2].Success)

	s.Equal(define.RoleMerchant, s.idp.Role("u1"))
	s.Equal(define.RoleViewer, s.idp.Role("u2"))
	s.Equal(define.RoleMerchant, s.idp.Role("u3"))
}

func (s *_dualWriteSuite) TestBatchStopsAtFirstRuntimeFailure() {
	s.seed("u1", define.RoleViewer, 1)
	s.seed("u2", define.RoleViewer, 1)
	s.seed("u3", define.RoleViewer, 1)
	s.idp.UpdateErr = errors.New("clerk 503")
	s.idp.UpdateAllowed = 1 // u1 passes, u2 fails at the identity write

	res, err := s.svc.ExecuteBatchRoleUpdate(s.ctx, s.batchReq(false, nil), "admin_1")
	s.Nil(err)
	s.True(res.Aborted)
	s.Equal(1, res.Succeeded)
	s.Equal(2, res.Failed)

	s.True(res.Results[0].Success)
	s.False(res.Results[1].Success)
	s.Equal(errBatchAborted, res.Results[2].Error)
	s.Equal(define.RoleViewer, s.idp.Role("u3"))
}

func (s *_dualWriteSuite) TestMetricsSummarizeTrendWindow() {
	s.seed("u1", define.RoleViewer, 1)
	for i := 0; i < 5; i++ {
		res, err := s.update("u1", define.RoleAdmin, -1)
		s.Nil(err)
		s.True(res.Success)
	}

	m, err := s.svc.GetMetrics(s.ctx)
	s.Nil(err)
	s.Require().NotNil(m.RoleUpdates)
	s.Equal(5, m.RoleUpdates.Count)
	s.Equal(1.0, m.RoleUpdates.SuccessRate)
	s.GreaterOrEqual(m.RoleUpdates.P99, m.RoleUpdates.P50)
	s.Len(m.Breakers, 2)
}

func TestDualWriteSuite(t *testing.T) {
	suite.Run(t, new(_dualWriteSuite))
}
