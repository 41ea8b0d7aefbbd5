package degrade

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/upi-payment-app-sub000/breaker"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

func newTestEngine(t *testing.T, store *cache.StoreMock) *Engine {
	reg := breaker.NewRegistry(store, breaker.Config{FailureThreshold: 2, SuccessThreshold: 1})
	e, err := NewEngine(timeout.NewPolicy(nil), reg, store, 16)
	require.Nil(t, err)
	return e
}

func opts(name string) Options {
	return Options{Config: OperationConfig{
		Name:    name,
		Service: define.ServiceClerk,
		Class:   define.OpClassFast,
	}}
}

func TestExecutePrimarySuccess(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	v, err := e.Execute(context.Background(), opts("op_ok"), func(ctx context.Context) (interface{}, error) {
		return "primary", nil
	})
	require.Nil(t, err)
	assert.Equal(t, "primary", v)
}

func TestFallbackOrderedByPriority(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	invoked := []string{}
	o := opts("op_fb")
	o.Strategies = []Strategy{
		{Name: "last_resort", Priority: 9, Execute: func(ctx context.Context) (interface{}, error) {
			invoked = append(invoked, "last_resort")
			return "last", nil
		}},
		{Name: "broken", Priority: 1, Execute: func(ctx context.Context) (interface{}, error) {
			invoked = append(invoked, "broken")
			return nil, errors.New("broken too")
		}},
		{Name: "second", Priority: 2, Execute: func(ctx context.Context) (interface{}, error) {
			invoked = append(invoked, "second")
			return "second", nil
		}},
	}

	v, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("%w : provider down", define.ErrUnavailable)
	})
	require.Nil(t, err)
	assert.Equal(t, "second", v)
	// strategies after the first success are not invoked
	assert.Equal(t, []string{"broken", "second"}, invoked)
}

func TestNonTransientFailureSkipsFallbacks(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	o := opts("op_caller_err")
	o.Strategies = []Strategy{
		{Name: "never", Priority: 1, Execute: func(ctx context.Context) (interface{}, error) {
			t.Fatal("fallback must not run for caller errors")
			return nil, nil
		}},
	}

	boom := errors.New("invalid argument")
	_, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.Equal(t, boom, err)
}

func TestOpenCircuitSkipsPrimary(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	o := opts("op_open")
	o.EnableCircuitBreaker = true
	brk := e.breakers.Get(define.ServiceClerk)
	brk.Record(context.Background(), false)
	brk.Record(context.Background(), false)

	primaryRan := false
	o.Strategies = []Strategy{
		{Name: "served_degraded", Priority: 1, Execute: func(ctx context.Context) (interface{}, error) {
			return "degraded", nil
		}},
	}
	v, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		primaryRan = true
		return "primary", nil
	})
	require.Nil(t, err)
	assert.Equal(t, "degraded", v)
	assert.False(t, primaryRan)
}

func TestOpenCircuitWithoutFallbackPropagates(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	o := opts("op_open_bare")
	o.EnableCircuitBreaker = true
	brk := e.breakers.Get(define.ServiceClerk)
	brk.Record(context.Background(), false)
	brk.Record(context.Background(), false)

	_, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		return "primary", nil
	})
	var open *define.CircuitOpenError
	assert.True(t, errors.As(err, &open))
}

func TestEmergencyCacheServesLastGoodResult(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	o := opts("op_cached")
	o.CacheResult = true
	o.CacheTTL = time.Minute
	o.Strategies = []Strategy{
		{Name: "also_down", Priority: 1, Execute: func(ctx context.Context) (interface{}, error) {
			return nil, define.ErrUnavailable
		}},
	}

	v, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		return "good", nil
	})
	require.Nil(t, err)
	assert.Equal(t, "good", v)

	v, err = e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		return nil, define.ErrUnavailable
	})
	require.Nil(t, err)
	assert.Equal(t, "good", v)
}

func TestTimeoutRetrySkipsOneShotFallbacks(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	o := opts("op_retry_fb")
	o.RetryOnTimeout = true
	o.MaxRetries = 1

	oneShot, repeatable := 0, 0
	o.Strategies = []Strategy{
		{Name: "one_shot", Priority: 1, Execute: func(ctx context.Context) (interface{}, error) {
			oneShot++
			return nil, define.ErrUnavailable
		}},
		{Name: "repeatable", Priority: 2, CanRetry: true, Execute: func(ctx context.Context) (interface{}, error) {
			repeatable++
			return nil, define.ErrUnavailable
		}},
	}

	_, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.True(t, define.IsTimeout(err))
	assert.Equal(t, 1, oneShot)
	assert.Equal(t, 2, repeatable)
}

func TestTimeoutRetryIsBounded(t *testing.T) {
	store := cache.NewStoreMock()
	e := newTestEngine(t, store)

	o := opts("op_retry")
	o.RetryOnTimeout = true
	o.MaxRetries = 2

	calls := 0
	_, err := e.Execute(context.Background(), o, func(ctx context.Context) (interface{}, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.True(t, define.IsTimeout(err))
	assert.Equal(t, 3, calls)
}
