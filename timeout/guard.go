package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/common/errorutil"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

var (
	timeoutCounter = metrics.NewCounterVec("role", "timeout", "expired", "expired deadlines", []string{"op"})
)

// WithTimeout races fn against d. On expiry the derived context is cancelled,
// onTimeout runs exactly once, and a *define.TimeoutError is returned. A
// completion arriving after the deadline is discarded; its result is never
// observed by the caller.
func WithTimeout[T any](ctx context.Context, op string, d time.Duration,
	fn func(context.Context) (T, error), onTimeout func()) (T, error) {

	var zero T
	if d <= 0 {
		d = GlobalDefault
	}

	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer errorutil.Recovery()
		v, err := fn(cctx)
		done <- outcome{value: v, err: err}
	}()

	expired := func() (T, error) {
		if onTimeout != nil {
			onTimeout()
		}
		timeoutCounter.Inc(op)
		return zero, &define.TimeoutError{
			Operation: op,
			Timeout:   d,
			Timestamp: time.Now(),
		}
	}

	select {
	case out := <-done:
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			// the operation observed our deadline itself; normalize
			return expired()
		}
		return out.value, out.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			// parent cancelled, not a deadline expiry
			return zero, ctx.Err()
		}
		return expired()
	}
}
