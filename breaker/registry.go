package breaker

import (
	"context"
	"sync"

	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
)

// Registry hands out one Breaker per protected service. It is an explicit
// dependency injected at startup, not a package global, so tests get fresh
// state for free.
type Registry struct {
	mutex sync.Mutex

	store    cache.BreakerStore
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(store cache.BreakerStore, cfg Config) *Registry {
	return &Registry{
		store:    store,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(service string) *Breaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		b = New(service, r.store, r.cfg)
		r.breakers[service] = b
	}
	return b
}

// Health reports every registered breaker, for the health endpoint.
func (r *Registry) Health(ctx context.Context) []*define.BreakerHealth {
	r.mutex.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mutex.Unlock()

	out := make([]*define.BreakerHealth, 0, len(breakers))
	for _, b := range breakers {
		h, err := b.GetHealth(ctx)
		if err != nil {
			h = &define.BreakerHealth{
				Service: b.Service(),
				Status:  define.HealthUnhealthy,
			}
		}
		out = append(out, h)
	}
	return out
}
