package define

import (
	"time"
)

// RoleRecord is the versioned, checksummed projection of a user role kept in
// the cache. The identity provider owns the canonical role attribute; version
// and checksum exist only on the cache side.
type RoleRecord struct {
	UserId       string    `json:"user_id"`
	Role         string    `json:"role"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
	ModifiedBy   string    `json:"modified_by"`
	Checksum     string    `json:"checksum"`
}

type RoleUpdateRequest struct {
	UserId          string `json:"user_id" validate:"required"`
	NewRole         string `json:"new_role" validate:"required,oneof=admin merchant viewer"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	Force           bool   `json:"force,omitempty"`
	Reason          string `json:"reason,omitempty" validate:"max=512"`
}

// RoleUpdateResult is a structured outcome, returned for expected failures
// (conflicts, open circuits) so callers can decide to retry.
type RoleUpdateResult struct {
	Success      bool             `json:"success"`
	OperationId  string           `json:"operation_id"`
	UserId       string           `json:"user_id"`
	PreviousRole string           `json:"previous_role,omitempty"`
	NewRole      string           `json:"new_role,omitempty"`
	Version      int64            `json:"version,omitempty"`
	ClerkUpdated bool             `json:"clerk_updated"`
	RedisUpdated bool             `json:"redis_updated"`
	Conflict     *VersionConflict `json:"conflict,omitempty"`
	Error        string           `json:"error,omitempty"`
	Retryable    bool             `json:"retryable"`
	Latencies    OpLatencies      `json:"latencies"`
}

type OpLatencies struct {
	ClerkRead  time.Duration `json:"clerk_read"`
	ClerkWrite time.Duration `json:"clerk_write"`
	RedisWrite time.Duration `json:"redis_write"`
	Rollback   time.Duration `json:"rollback,omitempty"`
	Total      time.Duration `json:"total"`
}

type VersionConflict struct {
	UserId          string `json:"user_id"`
	ExpectedVersion int64  `json:"expected_version"`
	CurrentVersion  int64  `json:"current_version"`
	Detail          string `json:"detail,omitempty"`
}

type BatchRoleUpdateRequest struct {
	Items           []RoleUpdateRequest `json:"items" validate:"required,min=1,max=100,dive"`
	ContinueOnError bool                `json:"continue_on_error"`
}

type BatchRoleUpdateResult struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Aborted   bool               `json:"aborted"`
	Results   []RoleUpdateResult `json:"results"`
}

// DualWriteTransaction is the ephemeral per-attempt record, kept briefly for
// status polling after a terminal state is reached.
type DualWriteTransaction struct {
	TransactionId  string         `json:"transaction_id"`
	UserId         string         `json:"user_id"`
	State          string         `json:"state"`
	ClerkResult    *PhaseResult   `json:"clerk_result,omitempty"`
	RedisResult    *PhaseResult   `json:"redis_result,omitempty"`
	RollbackResult *RollbackPhase `json:"rollback_result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Timeout        time.Duration  `json:"timeout"`
}

type PhaseResult struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

type RollbackPhase struct {
	Attempted    bool          `json:"attempted"`
	Success      bool          `json:"success"`
	RestoredRole string        `json:"restored_role,omitempty"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

// RollbackSnapshot is the undo data captured before touching either store,
// keyed by operation id so concurrent updates to one user cannot clobber
// each other's snapshots.
type RollbackSnapshot struct {
	OperationId  string    `json:"operation_id"`
	UserId       string    `json:"user_id"`
	PreviousRole string    `json:"previous_role"`
	Version      int64     `json:"version"`
	Checksum     string    `json:"checksum"`
	TakenAt      time.Time `json:"taken_at"`
}

// AuditLogEntry is append-only, never mutated after it is written.
type AuditLogEntry struct {
	Id            string           `json:"id"`
	OperationId   string           `json:"operation_id"`
	OperationType string           `json:"operation_type"`
	TargetUserId  string           `json:"target_user_id"`
	PreviousRole  string           `json:"previous_role,omitempty"`
	NewRole       string           `json:"new_role,omitempty"`
	Version       int64            `json:"version,omitempty"`
	InitiatedBy   string           `json:"initiated_by"`
	Success       bool             `json:"success"`
	ClerkUpdated  bool             `json:"clerk_updated"`
	RedisUpdated  bool             `json:"redis_updated"`
	Conflict      *VersionConflict `json:"conflict,omitempty"`
	Rollback      *RollbackPhase   `json:"rollback,omitempty"`
	Error         string           `json:"error,omitempty"`
	Latencies     OpLatencies      `json:"latencies"`
	Timestamp     time.Time        `json:"timestamp"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// UserAttributes is the identity provider's view of a user.
type UserAttributes struct {
	UserId    string            `json:"user_id"`
	Role      string            `json:"role"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// UserRecord is the secondary-persistence row used as the third auth tier.
type UserRecord struct {
	UserId    string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	Email     string    `gorm:"column:email" json:"email"`
	Role      string    `gorm:"column:role" json:"role"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (UserRecord) TableName() string {
	return "users"
}
