package define

const (
	RoleAdmin    = "admin"
	RoleMerchant = "merchant"
	RoleViewer   = "viewer"

	// restricted roles handed out by degraded-mode resolution only,
	// never written to either store
	RoleReadOnly = "readonly"
	RoleGuest    = "guest"

	//
	TxnStateInitiated     = "initiated"
	TxnStateClerkUpdating = "clerk_updating"
	TxnStateClerkUpdated  = "clerk_updated"
	TxnStateRedisUpdating = "redis_updating"
	TxnStateRedisUpdated  = "redis_updated"
	TxnStateCommitted     = "committed"
	TxnStateFailed        = "failed"
	TxnStateRolledBack    = "rolled_back"

	//
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"

	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"

	// protected service names
	ServiceClerk    = "clerk"
	ServiceRedis    = "redis"
	ServiceDatabase = "database"

	// operation classes for timeout selection
	OpClassFast      = "fast"
	OpClassStandard  = "standard"
	OpClassSlow      = "slow"
	OpClassEmergency = "emergency"

	// conflict resolution strategies
	ResolveFailFast         = "fail_fast"
	ResolveRetryWithBackoff = "retry_with_backoff"
	ResolveForceUpdate      = "force_update"
	ResolveUserIntervention = "user_intervention"

	// auth resolution tiers, level 0 answers first
	AuthTierCache    = "cache"
	AuthTierClerk    = "clerk"
	AuthTierDatabase = "database"
	AuthTierStale    = "stale_cache"
	AuthTierDegraded = "degraded"
)

// ValidRole reports whether r is a role that may be stored.
func ValidRole(r string) bool {
	switch r {
	case RoleAdmin, RoleMerchant, RoleViewer:
		return true
	}
	return false
}

// RestrictedRole reports whether r is a degraded-mode-only role.
func RestrictedRole(r string) bool {
	return r == RoleReadOnly || r == RoleGuest
}
