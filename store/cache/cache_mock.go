package cache

import (
	"context"
	"sync"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/define"
)

// StoreMock is an in-memory stand-in for Store so tests run without Redis.
// Failures can be injected per operation name to exercise degraded paths.
type StoreMock struct {
	sync.Mutex

	roles     map[string]*define.RoleRecord
	stale     map[string]*define.RoleRecord
	breakers  map[string]*define.CircuitBreakerState
	locks     map[string]string
	snapshots map[string]*define.RollbackSnapshot
	audits    []*define.AuditLogEntry
	txns      map[string]*define.DualWriteTransaction
	trends    map[string][]Observation

	failures map[string]error
}

func NewStoreMock() *StoreMock {
	return &StoreMock{
		roles:     make(map[string]*define.RoleRecord),
		stale:     make(map[string]*define.RoleRecord),
		breakers:  make(map[string]*define.CircuitBreakerState),
		locks:     make(map[string]string),
		snapshots: make(map[string]*define.RollbackSnapshot),
		txns:      make(map[string]*define.DualWriteTransaction),
		trends:    make(map[string][]Observation),
		failures:  make(map[string]error),
	}
}

// SetFailure makes the named operation return err until cleared with nil.
func (m *StoreMock) SetFailure(op string, err error) {
	m.Lock()
	defer m.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *StoreMock) failure(op string) error {
	return m.failures[op]
}

// Seed installs a role record directly, bypassing versioning.
func (m *StoreMock) Seed(rec *define.RoleRecord) {
	m.Lock()
	defer m.Unlock()
	cp := *rec
	cp.Checksum = RoleChecksum(cp.UserId, cp.Role)
	m.roles[rec.UserId] = &cp
	cp2 := cp
	m.stale[rec.UserId] = &cp2
}

// DropFresh removes the fresh projection but keeps the stale copy, imitating
// primary-TTL expiry.
func (m *StoreMock) DropFresh(userId string) {
	m.Lock()
	defer m.Unlock()
	delete(m.roles, userId)
}

func (m *StoreMock) Get(ctx context.Context, userId string) (*define.RoleRecord, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("role_get"); err != nil {
		return nil, err
	}
	rec, ok := m.roles[userId]
	if !ok {
		return nil, define.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *StoreMock) GetStale(ctx context.Context, userId string, maxAge time.Duration) (*define.RoleRecord, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("role_get_stale"); err != nil {
		return nil, err
	}
	rec, ok := m.stale[userId]
	if !ok {
		return nil, define.ErrNotFound
	}
	if maxAge > 0 && time.Since(rec.LastModified) > maxAge {
		return nil, define.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *StoreMock) CurrentVersion(ctx context.Context, userId string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("role_version"); err != nil {
		return 0, err
	}
	rec, ok := m.roles[userId]
	if !ok {
		return 0, nil
	}
	return rec.Version, nil
}

func (m *StoreMock) CompareAndSet(ctx context.Context, rec *define.RoleRecord,
	expectedVersion int64, force bool) (int64, *define.VersionConflict, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("role_cas"); err != nil {
		return 0, nil, err
	}

	var cur int64
	if existing, ok := m.roles[rec.UserId]; ok {
		cur = existing.Version
	} else if st, ok := m.stale[rec.UserId]; ok {
		// fresh projection expired: the version epoch continues from the
		// surviving stale copy
		cur = st.Version
	}
	if expectedVersion >= 0 && cur != expectedVersion && !force {
		return 0, &define.VersionConflict{
			UserId:          rec.UserId,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  cur,
		}, nil
	}
	stored := &define.RoleRecord{
		UserId:       rec.UserId,
		Role:         rec.Role,
		Version:      cur + 1,
		LastModified: time.Now(),
		ModifiedBy:   rec.ModifiedBy,
		Checksum:     RoleChecksum(rec.UserId, rec.Role),
	}
	m.roles[rec.UserId] = stored
	cp := *stored
	m.stale[rec.UserId] = &cp
	return stored.Version, nil, nil
}

func (m *StoreMock) Put(ctx context.Context, rec *define.RoleRecord) error {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("role_put"); err != nil {
		return err
	}
	if existing, ok := m.roles[rec.UserId]; ok && existing.Version > rec.Version {
		return nil
	}
	if st, ok := m.stale[rec.UserId]; ok && st.Version > rec.Version {
		return nil
	}
	stored := &define.RoleRecord{
		UserId:       rec.UserId,
		Role:         rec.Role,
		Version:      rec.Version,
		LastModified: time.Now(),
		ModifiedBy:   rec.ModifiedBy,
		Checksum:     RoleChecksum(rec.UserId, rec.Role),
	}
	m.roles[rec.UserId] = stored
	cp := *stored
	m.stale[rec.UserId] = &cp
	return nil
}

func (m *StoreMock) Delete(ctx context.Context, userId string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.roles, userId)
	delete(m.stale, userId)
	return nil
}

func (m *StoreMock) breakerState(service string) *define.CircuitBreakerState {
	st, ok := m.breakers[service]
	if !ok {
		st = define.NewClosedBreakerState(service)
		m.breakers[service] = st
	}
	return st
}

func (m *StoreMock) Gate(ctx context.Context, service string, recovery time.Duration) (bool, string, time.Duration, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("breaker_gate"); err != nil {
		return false, "", 0, err
	}
	st := m.breakerState(service)
	if st.State != define.BreakerOpen {
		return true, st.State, 0, nil
	}
	elapsed := time.Since(st.LastFailureTime)
	if elapsed >= recovery {
		st.State = define.BreakerHalfOpen
		st.ConsecutiveSuccesses = 0
		st.LastStateChange = time.Now()
		return true, define.BreakerHalfOpen, 0, nil
	}
	return false, define.BreakerOpen, recovery - elapsed, nil
}

func (m *StoreMock) Record(ctx context.Context, service string, success bool,
	failureThreshold, successThreshold int64) (*define.CircuitBreakerState, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("breaker_record"); err != nil {
		return nil, err
	}
	st := m.breakerState(service)
	now := time.Now()
	if success {
		st.Successes++
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		st.LastSuccessTime = now
		if st.State == define.BreakerHalfOpen && st.ConsecutiveSuccesses >= successThreshold {
			st.State = define.BreakerClosed
			st.RecoveryAttempts = 0
			st.LastStateChange = now
		}
	} else {
		st.Failures++
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		st.LastFailureTime = now
		if st.State == define.BreakerHalfOpen {
			st.State = define.BreakerOpen
			st.RecoveryAttempts++
			st.LastStateChange = now
		} else if st.State == define.BreakerClosed && st.ConsecutiveFailures >= failureThreshold {
			st.State = define.BreakerOpen
			st.LastStateChange = now
		}
	}
	cp := *st
	return &cp, nil
}

func (m *StoreMock) Load(ctx context.Context, service string) (*define.CircuitBreakerState, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("breaker_load"); err != nil {
		return nil, err
	}
	cp := *m.breakerState(service)
	return &cp, nil
}

func (m *StoreMock) Reset(ctx context.Context, service string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.breakers, service)
	return nil
}

func (m *StoreMock) ForceState(ctx context.Context, service, state string) error {
	m.Lock()
	defer m.Unlock()
	st := m.breakerState(service)
	st.State = state
	st.LastStateChange = time.Now()
	st.ConsecutiveFailures = 0
	st.ConsecutiveSuccesses = 0
	if state == define.BreakerOpen {
		st.LastFailureTime = time.Now()
	}
	return nil
}

// SetBreakerFailureTime rewinds the last failure so recovery-elapsed paths
// are testable without sleeping.
func (m *StoreMock) SetBreakerFailureTime(service string, t time.Time) {
	m.Lock()
	defer m.Unlock()
	m.breakerState(service).LastFailureTime = t
}

func (m *StoreMock) Acquire(ctx context.Context, userId string, expectedVersion int64,
	owner string, ttl time.Duration) (bool, int64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("lock_acquire"); err != nil {
		return false, 0, err
	}
	var cur int64
	if rec, ok := m.roles[userId]; ok {
		cur = rec.Version
	}
	if expectedVersion >= 0 && cur != expectedVersion {
		return false, cur, nil
	}
	// SET NX semantics: a held lock refuses everyone, the holder included
	if _, held := m.locks[userId]; held {
		return false, cur, define.ErrLockNotAcquired
	}
	m.locks[userId] = owner
	return true, cur, nil
}

func (m *StoreMock) Release(ctx context.Context, userId, owner string) error {
	m.Lock()
	defer m.Unlock()
	if m.locks[userId] == owner {
		delete(m.locks, userId)
	}
	return nil
}

// Locked reports whether the advisory lock is currently held.
func (m *StoreMock) Locked(userId string) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.locks[userId]
	return ok
}

func (m *StoreMock) SaveSnapshot(ctx context.Context, snap *define.RollbackSnapshot, ttl time.Duration) error {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("snapshot_save"); err != nil {
		return err
	}
	cp := *snap
	m.snapshots[snap.OperationId] = &cp
	return nil
}

func (m *StoreMock) LoadSnapshot(ctx context.Context, operationId string) (*define.RollbackSnapshot, error) {
	m.Lock()
	defer m.Unlock()
	snap, ok := m.snapshots[operationId]
	if !ok {
		return nil, define.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (m *StoreMock) DeleteSnapshot(ctx context.Context, operationId string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.snapshots, operationId)
	return nil
}

// SnapshotCount is a test probe for rollback-data cleanup.
func (m *StoreMock) SnapshotCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.snapshots)
}

func (m *StoreMock) Append(ctx context.Context, entry *define.AuditLogEntry) error {
	m.Lock()
	defer m.Unlock()
	if err := m.failure("audit_append"); err != nil {
		return err
	}
	cp := *entry
	m.audits = append([]*define.AuditLogEntry{&cp}, m.audits...)
	return nil
}

func (m *StoreMock) Recent(ctx context.Context, limit int64) ([]*define.AuditLogEntry, error) {
	m.Lock()
	defer m.Unlock()
	out := []*define.AuditLogEntry{}
	for i, e := range m.audits {
		if int64(i) >= limit {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *StoreMock) RecentForUser(ctx context.Context, userId string, limit int64) ([]*define.AuditLogEntry, error) {
	m.Lock()
	defer m.Unlock()
	out := []*define.AuditLogEntry{}
	for _, e := range m.audits {
		if e.TargetUserId != userId {
			continue
		}
		if int64(len(out)) >= limit {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *StoreMock) SaveTxn(ctx context.Context, txn *define.DualWriteTransaction, ttl time.Duration) error {
	m.Lock()
	defer m.Unlock()
	cp := *txn
	m.txns[txn.TransactionId] = &cp
	return nil
}

func (m *StoreMock) LoadTxn(ctx context.Context, transactionId string) (*define.DualWriteTransaction, error) {
	m.Lock()
	defer m.Unlock()
	txn, ok := m.txns[transactionId]
	if !ok {
		return nil, define.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *StoreMock) Observe(ctx context.Context, operation string, d time.Duration, success bool) error {
	m.Lock()
	defer m.Unlock()
	m.trends[operation] = append([]Observation{{Duration: d, Success: success, At: time.Now()}}, m.trends[operation]...)
	return nil
}

func (m *StoreMock) Window(ctx context.Context, operation string) ([]Observation, error) {
	m.Lock()
	defer m.Unlock()
	return append([]Observation{}, m.trends[operation]...), nil
}
