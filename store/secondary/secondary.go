// Package secondary binds the relational persistence layer used as the
// third authentication tier and as the durable audit archive.
package secondary

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

var (
	dbTimer = metrics.NewTimer("role", "secondary", "op", "secondary persistence op timer", []string{"op", "ret"})
)

type Store interface {
	FindByID(ctx context.Context, userId string) (*define.UserRecord, error)
	ArchiveAudit(ctx context.Context, entry *define.AuditLogEntry) error
}

type Config struct {
	Driver             string        `json:"driver"`
	Dsn                string        `json:"dsn"`
	MaxConnections     int           `json:"max_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	Timeout            time.Duration `json:"timeout"`
}

type sqlStore struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewStore(cfg Config) (Store, error) {
	store := &sqlStore{}
	switch cfg.Driver {
	case "postgresql":
		db, err := gorm.Open(postgres.Open(cfg.Dsn), &gorm.Config{
			SkipDefaultTransaction: true,
		})
		if err != nil {
			return nil, err
		}
		store.db = db
		sdb, err := db.DB()
		if err != nil {
			return nil, err
		}
		sdb.SetMaxOpenConns(cfg.MaxConnections)
		sdb.SetMaxIdleConns(cfg.MaxIdleConnections)
	default:
		return nil, errors.New("unknown driver")
	}

	store.timeout = cfg.Timeout
	if store.timeout <= 0 {
		store.timeout = 3 * time.Second
	}
	return store, nil
}

func (s *sqlStore) timeoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *sqlStore) FindByID(ctx context.Context, userId string) (rec *define.UserRecord, err error) {
	defer dbTimer.Timer()("find_by_id", metrics.Status(err))

	ctx, cancel := s.timeoutContext(ctx)
	defer cancel()

	rec = &define.UserRecord{}
	err = s.db.WithContext(ctx).Model(rec).Where("user_id=?", userId).First(rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, define.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// AuditArchiveRow is the durable copy of a cache-side audit entry.
type AuditArchiveRow struct {
	Id           string    `gorm:"column:id;primaryKey"`
	OperationId  string    `gorm:"column:operation_id;index"`
	TargetUserId string    `gorm:"column:target_user_id;index"`
	PreviousRole string    `gorm:"column:previous_role"`
	NewRole      string    `gorm:"column:new_role"`
	Version      int64     `gorm:"column:version"`
	InitiatedBy  string    `gorm:"column:initiated_by"`
	Success      bool      `gorm:"column:success"`
	ClerkUpdated bool      `gorm:"column:clerk_updated"`
	RedisUpdated bool      `gorm:"column:redis_updated"`
	Error        string    `gorm:"column:error"`
	Timestamp    time.Time `gorm:"column:timestamp"`
}

func (AuditArchiveRow) TableName() string {
	return "role_audit_archive"
}

func (s *sqlStore) ArchiveAudit(ctx context.Context, entry *define.AuditLogEntry) (err error) {
	defer dbTimer.Timer()("archive_audit", metrics.Status(err))

	ctx, cancel := s.timeoutContext(ctx)
	defer cancel()

	row := &AuditArchiveRow{
		Id:           entry.Id,
		OperationId:  entry.OperationId,
		TargetUserId: entry.TargetUserId,
		PreviousRole: entry.PreviousRole,
		NewRole:      entry.NewRole,
		Version:      entry.Version,
		InitiatedBy:  entry.InitiatedBy,
		Success:      entry.Success,
		ClerkUpdated: entry.ClerkUpdated,
		RedisUpdated: entry.RedisUpdated,
		Error:        entry.Error,
		Timestamp:    entry.Timestamp,
	}
	err = s.db.WithContext(ctx).Model(&AuditArchiveRow{}).Create(row).Error
	return err
}
