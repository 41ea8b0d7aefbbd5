package cache

import (
	"github.com/redis/go-redis/v9"
)

// Versioned role write. Bumps the stored version by one iff it equals the
// expected version (or the check is waived), and mirrors the record into the
// stale key so degraded reads outlive the primary TTL. When the primary has
// expired the version epoch continues from the surviving stale copy, so a
// writer still holding a pre-expiry version cannot pass the check.
//
// KEYS[1] role key, KEYS[2] stale role key
// ARGV: userId, role, modifiedBy, checksum, expectedVersion (-1 waives the
// check), force (0/1), nowMs, roleTTLSec, staleTTLSec
// Returns {1, newVersion} or {0, currentVersion}.
var roleCasScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or redis.call('HGET', KEYS[2], 'version') or '0')
local expected = tonumber(ARGV[5])
if expected >= 0 and cur ~= expected and tonumber(ARGV[6]) == 0 then
  return {0, cur}
end
local newv = cur + 1
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1], 'role', ARGV[2], 'version', newv,
  'last_modified', ARGV[7], 'modified_by', ARGV[3], 'checksum', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[8])
redis.call('HSET', KEYS[2],
  'user_id', ARGV[1], 'role', ARGV[2], 'version', newv,
  'last_modified', ARGV[7], 'modified_by', ARGV[3], 'checksum', ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[9])
return {1, newv}
`)

// Unversioned write-back of an authoritative read. Never lowers the stored
// version under either key: a concurrent versioned writer wins, and a stale
// copy that outlived the primary keeps its epoch.
//
// KEYS[1] role key, KEYS[2] stale role key
// ARGV: userId, role, version, modifiedBy, checksum, nowMs, roleTTLSec, staleTTLSec
var rolePutScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '-1')
local stalecur = tonumber(redis.call('HGET', KEYS[2], 'version') or '-1')
if stalecur > cur then
  cur = stalecur
end
local ver = tonumber(ARGV[3])
if cur > ver then
  return cur
end
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1], 'role', ARGV[2], 'version', ver,
  'last_modified', ARGV[6], 'modified_by', ARGV[4], 'checksum', ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[7])
redis.call('HSET', KEYS[2],
  'user_id', ARGV[1], 'role', ARGV[2], 'version', ver,
  'last_modified', ARGV[6], 'modified_by', ARGV[4], 'checksum', ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[8])
return ver
`)

// Breaker gate. Flips OPEN to HALF_OPEN once the recovery timeout has
// elapsed; otherwise reports how long the caller must wait.
//
// KEYS[1] breaker key
// ARGV: nowMs, recoveryMs, ttlSec
// Returns {allowed, state, retryAfterMs}.
var breakerGateScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'CLOSED' or state == 'HALF_OPEN' then
  return {1, state or 'CLOSED', 0}
end
local now = tonumber(ARGV[1])
local lastFailure = tonumber(redis.call('HGET', KEYS[1], 'last_failure') or '0')
local recovery = tonumber(ARGV[2])
if now - lastFailure >= recovery then
  redis.call('HSET', KEYS[1], 'state', 'HALF_OPEN',
    'consecutive_successes', 0, 'last_state_change', now)
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  return {1, 'HALF_OPEN', 0}
end
return {0, 'OPEN', recovery - (now - lastFailure)}
`)

// Breaker outcome recording plus the state-transition decision, as one step
// so two concurrent callers cannot both flip CLOSED to OPEN or double count.
//
// KEYS[1] breaker key
// ARGV: nowMs, success (0/1), failureThreshold, successThreshold, ttlSec
// Returns {state, failures, successes, consecFailures, consecSuccesses,
//          lastFailureMs, lastSuccessMs, lastChangeMs, recoveryAttempts}.
var breakerRecordScript = redis.NewScript(`
local k = KEYS[1]
local now = tonumber(ARGV[1])
local state = redis.call('HGET', k, 'state') or 'CLOSED'
local failures = tonumber(redis.call('HGET', k, 'failures') or '0')
local successes = tonumber(redis.call('HGET', k, 'successes') or '0')
local cf = tonumber(redis.call('HGET', k, 'consecutive_failures') or '0')
local cs = tonumber(redis.call('HGET', k, 'consecutive_successes') or '0')
local lastFailure = tonumber(redis.call('HGET', k, 'last_failure') or '0')
local lastSuccess = tonumber(redis.call('HGET', k, 'last_success') or '0')
local lastChange = tonumber(redis.call('HGET', k, 'last_state_change') or '0')
local attempts = tonumber(redis.call('HGET', k, 'recovery_attempts') or '0')

if tonumber(ARGV[2]) == 1 then
  successes = successes + 1
  cs = cs + 1
  cf = 0
  lastSuccess = now
  if state == 'HALF_OPEN' and cs >= tonumber(ARGV[4]) then
    state = 'CLOSED'
    attempts = 0
    lastChange = now
  end
else
  failures = failures + 1
  cf = cf + 1
  cs = 0
  lastFailure = now
  if state == 'HALF_OPEN' then
    state = 'OPEN'
    attempts = attempts + 1
    lastChange = now
  elseif state == 'CLOSED' and cf >= tonumber(ARGV[3]) then
    state = 'OPEN'
    lastChange = now
  end
end

redis.call('HSET', k, 'state', state, 'failures', failures,
  'successes', successes, 'consecutive_failures', cf,
  'consecutive_successes', cs, 'last_failure', lastFailure,
  'last_success', lastSuccess, 'last_state_change', lastChange,
  'recovery_attempts', attempts)
redis.call('EXPIRE', k, ARGV[5])
return {state, failures, successes, cf, cs, lastFailure, lastSuccess, lastChange, attempts}
`)

// Versioned lock acquisition: the version check and the lock mark happen in
// one indivisible step.
//
// KEYS[1] lock key, KEYS[2] role key
// ARGV: expectedVersion (-1 waives), owner, ttlMs
// Returns {1, cur} acquired, {0, cur} version mismatch, {-1, cur} held by
// another owner.
var lockAcquireScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[2], 'version') or '0')
local expected = tonumber(ARGV[1])
if expected >= 0 and cur ~= expected then
  return {0, cur}
end
local ok = redis.call('SET', KEYS[1], ARGV[2], 'NX', 'PX', ARGV[3])
if ok then
  return {1, cur}
end
return {-1, cur}
`)

// Owner-checked lock release.
//
// KEYS[1] lock key; ARGV: owner
var lockReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Capped audit append: push, trim to the most recent N, refresh the TTL.
//
// KEYS[1] global list, KEYS[2] per-user list
// ARGV: payload, maxEntries, ttlSec
var auditAppendScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[2]) - 1)
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

// Rolling latency window append.
//
// KEYS[1] window list; ARGV: payload, windowSize, ttlSec
var trendAppendScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)
