package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
	"github.com/redis/go-redis/v9"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

// RoleChecksum hashes the record content so silent corruption of the cached
// role is detectable against the checksum field.
func RoleChecksum(userId, role string) string {
	return strconv.FormatUint(xxhash.Sum64String(userId+"|"+role), 16)
}

func (s *Store) Get(ctx context.Context, userId string) (rec *define.RoleRecord, err error) {
	defer cacheTimer.Timer()("role_get", metrics.Status(err))

	fields, err := s.cli.HGetAll(ctx, s.roleKey(userId)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, define.ErrNotFound
	}
	return recordFromFields(fields)
}

func (s *Store) GetStale(ctx context.Context, userId string, maxAge time.Duration) (rec *define.RoleRecord, err error) {
	defer cacheTimer.Timer()("role_get_stale", metrics.Status(err))

	fields, err := s.cli.HGetAll(ctx, s.staleRoleKey(userId)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, define.ErrNotFound
	}
	rec, err = recordFromFields(fields)
	if err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(rec.LastModified) > maxAge {
		return nil, define.ErrNotFound
	}
	return rec, nil
}

func (s *Store) CurrentVersion(ctx context.Context, userId string) (int64, error) {
	v, err := s.cli.HGet(ctx, s.roleKey(userId), "version").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Store) CompareAndSet(ctx context.Context, rec *define.RoleRecord,
	expectedVersion int64, force bool) (version int64, conflict *define.VersionConflict, err error) {
	defer cacheTimer.Timer()("role_cas", metrics.Status(err))

	forceArg := 0
	if force {
		forceArg = 1
	}
	res, err := roleCasScript.Run(ctx, s.cli,
		[]string{s.roleKey(rec.UserId), s.staleRoleKey(rec.UserId)},
		rec.UserId, rec.Role, rec.ModifiedBy, RoleChecksum(rec.UserId, rec.Role),
		expectedVersion, forceArg,
		time.Now().UnixMilli(),
		int64(s.cfg.RoleTTL.Seconds()), int64(s.cfg.StaleTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, nil, err
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("cache: unexpected cas reply %v", res)
	}
	if res[0] == 0 {
		return 0, &define.VersionConflict{
			UserId:          rec.UserId,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  res[1],
		}, nil
	}
	return res[1], nil, nil
}

func (s *Store) Put(ctx context.Context, rec *define.RoleRecord) (err error) {
	defer cacheTimer.Timer()("role_put", metrics.Status(err))

	err = rolePutScript.Run(ctx, s.cli,
		[]string{s.roleKey(rec.UserId), s.staleRoleKey(rec.UserId)},
		rec.UserId, rec.Role, rec.Version, rec.ModifiedBy,
		RoleChecksum(rec.UserId, rec.Role),
		time.Now().UnixMilli(),
		int64(s.cfg.RoleTTL.Seconds()), int64(s.cfg.StaleTTL.Seconds()),
	).Err()
	return err
}

func (s *Store) Delete(ctx context.Context, userId string) error {
	return s.cli.Del(ctx, s.roleKey(userId), s.staleRoleKey(userId)).Err()
}

func recordFromFields(fields map[string]string) (*define.RoleRecord, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: malformed version field : %v", err)
	}
	modifiedMs, err := strconv.ParseInt(fields["last_modified"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: malformed last_modified field : %v", err)
	}
	rec := &define.RoleRecord{
		UserId:       fields["user_id"],
		Role:         fields["role"],
		Version:      version,
		LastModified: time.UnixMilli(modifiedMs),
		ModifiedBy:   fields["modified_by"],
		Checksum:     fields["checksum"],
	}
	if rec.Checksum != RoleChecksum(rec.UserId, rec.Role) {
		return nil, fmt.Errorf("cache: checksum mismatch for %s", rec.UserId)
	}
	return rec, nil
}
