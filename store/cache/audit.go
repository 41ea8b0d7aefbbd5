package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

func (s *Store) Append(ctx context.Context, entry *define.AuditLogEntry) (err error) {
	defer cacheTimer.Timer()("audit_append", metrics.Status(err))

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = auditAppendScript.Run(ctx, s.cli,
		[]string{s.auditKey(), s.userAuditKey(entry.TargetUserId)},
		payload, s.cfg.AuditMax, int64(s.cfg.AuditTTL.Seconds()),
	).Err()
	return err
}

func (s *Store) Recent(ctx context.Context, limit int64) ([]*define.AuditLogEntry, error) {
	return s.readAuditList(ctx, s.auditKey(), limit)
}

func (s *Store) RecentForUser(ctx context.Context, userId string, limit int64) ([]*define.AuditLogEntry, error) {
	return s.readAuditList(ctx, s.userAuditKey(userId), limit)
}

func (s *Store) readAuditList(ctx context.Context, key string, limit int64) (entries []*define.AuditLogEntry, err error) {
	defer cacheTimer.Timer()("audit_read", metrics.Status(err))

	if limit <= 0 || limit > s.cfg.AuditMax {
		limit = s.cfg.AuditMax
	}
	raw, err := s.cli.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	entries = make([]*define.AuditLogEntry, 0, len(raw))
	for _, item := range raw {
		entry := &define.AuditLogEntry{}
		if err := json.Unmarshal([]byte(item), entry); err != nil {
			// skip corrupt entries, the list is best-effort history
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *define.RollbackSnapshot, ttl time.Duration) (err error) {
	defer cacheTimer.Timer()("snapshot_save", metrics.Status(err))

	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	err = s.cli.Set(ctx, s.snapshotKey(snap.OperationId), payload, ttl).Err()
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context, operationId string) (*define.RollbackSnapshot, error) {
	raw, err := s.cli.Get(ctx, s.snapshotKey(operationId)).Result()
	if err == redis.Nil {
		return nil, define.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap := &define.RollbackSnapshot{}
	if err := json.Unmarshal([]byte(raw), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, operationId string) error {
	return s.cli.Del(ctx, s.snapshotKey(operationId)).Err()
}

func (s *Store) SaveTxn(ctx context.Context, txn *define.DualWriteTransaction, ttl time.Duration) error {
	payload, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return s.cli.Set(ctx, s.txnKey(txn.TransactionId), payload, ttl).Err()
}

func (s *Store) LoadTxn(ctx context.Context, transactionId string) (*define.DualWriteTransaction, error) {
	raw, err := s.cli.Get(ctx, s.txnKey(transactionId)).Result()
	if err == redis.Nil {
		return nil, define.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	txn := &define.DualWriteTransaction{}
	if err := json.Unmarshal([]byte(raw), txn); err != nil {
		return nil, err
	}
	return txn, nil
}
