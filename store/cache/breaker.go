package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

func (s *Store) Gate(ctx context.Context, service string, recovery time.Duration) (allowed bool, state string, retryAfter time.Duration, err error) {
	defer cacheTimer.Timer()("breaker_gate", metrics.Status(err))

	res, err := breakerGateScript.Run(ctx, s.cli,
		[]string{s.breakerKey(service)},
		time.Now().UnixMilli(), recovery.Milliseconds(),
		int64(s.cfg.BreakerTTL.Seconds()),
	).Slice()
	if err != nil {
		return false, "", 0, err
	}
	if len(res) != 3 {
		return false, "", 0, fmt.Errorf("cache: unexpected gate reply %v", res)
	}
	allowedN, _ := res[0].(int64)
	stateS, _ := res[1].(string)
	retryMs, _ := res[2].(int64)
	return allowedN == 1, stateS, time.Duration(retryMs) * time.Millisecond, nil
}

func (s *Store) Record(ctx context.Context, service string, success bool, failureThreshold, successThreshold int64) (st *define.CircuitBreakerState, err error) {
	defer cacheTimer.Timer()("breaker_record", metrics.Status(err))

	successArg := 0
	if success {
		successArg = 1
	}
	res, err := breakerRecordScript.Run(ctx, s.cli,
		[]string{s.breakerKey(service)},
		time.Now().UnixMilli(), successArg,
		failureThreshold, successThreshold,
		int64(s.cfg.BreakerTTL.Seconds()),
	).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 9 {
		return nil, fmt.Errorf("cache: unexpected record reply %v", res)
	}
	return breakerStateFromReply(service, res), nil
}

func (s *Store) Load(ctx context.Context, service string) (*define.CircuitBreakerState, error) {
	fields, err := s.cli.HGetAll(ctx, s.breakerKey(service)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// expired or never-written state reads back as CLOSED
		return define.NewClosedBreakerState(service), nil
	}
	st := define.NewClosedBreakerState(service)
	if v, ok := fields["state"]; ok {
		st.State = v
	}
	st.Failures = parseIntField(fields, "failures")
	st.Successes = parseIntField(fields, "successes")
	st.ConsecutiveFailures = parseIntField(fields, "consecutive_failures")
	st.ConsecutiveSuccesses = parseIntField(fields, "consecutive_successes")
	st.RecoveryAttempts = parseIntField(fields, "recovery_attempts")
	st.LastFailureTime = timeFromMs(parseIntField(fields, "last_failure"))
	st.LastSuccessTime = timeFromMs(parseIntField(fields, "last_success"))
	st.LastStateChange = timeFromMs(parseIntField(fields, "last_state_change"))
	return st, nil
}

func (s *Store) Reset(ctx context.Context, service string) error {
	return s.cli.Del(ctx, s.breakerKey(service)).Err()
}

func (s *Store) ForceState(ctx context.Context, service, state string) error {
	now := time.Now().UnixMilli()
	pipe := s.cli.TxPipeline()
	fields := map[string]interface{}{
		"state":                 state,
		"last_state_change":     now,
		"consecutive_failures":  0,
		"consecutive_successes": 0,
	}
	if state == define.BreakerOpen {
		// keep the gate shut for the full recovery timeout
		fields["last_failure"] = now
	}
	pipe.HSet(ctx, s.breakerKey(service), fields)
	pipe.Expire(ctx, s.breakerKey(service), s.cfg.BreakerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func breakerStateFromReply(service string, res []interface{}) *define.CircuitBreakerState {
	st := define.NewClosedBreakerState(service)
	if v, ok := res[0].(string); ok {
		st.State = v
	}
	st.Failures = int64Reply(res[1])
	st.Successes = int64Reply(res[2])
	st.ConsecutiveFailures = int64Reply(res[3])
	st.ConsecutiveSuccesses = int64Reply(res[4])
	st.LastFailureTime = timeFromMs(int64Reply(res[5]))
	st.LastSuccessTime = timeFromMs(int64Reply(res[6]))
	st.LastStateChange = timeFromMs(int64Reply(res[7]))
	st.RecoveryAttempts = int64Reply(res[8])
	return st
}

func int64Reply(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func parseIntField(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}

func timeFromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
