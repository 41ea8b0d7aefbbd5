package dualwrite

import (
	"context"
	"sort"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
)

// TrendSummary is computed on demand from the recent-observation window; it
// answers "is this dependency getting slower" without a full metrics stack.
type TrendSummary struct {
	Operation    string        `json:"operation"`
	Count        int           `json:"count"`
	SuccessRate  float64       `json:"success_rate"`
	Avg          time.Duration `json:"avg"`
	P50          time.Duration `json:"p50"`
	P95          time.Duration `json:"p95"`
	P99          time.Duration `json:"p99"`
	Budget       time.Duration `json:"budget"`
	OverBudget   int           `json:"over_budget"`
	WindowOldest time.Time     `json:"window_oldest,omitempty"`
}

type ServiceMetrics struct {
	RoleUpdates *TrendSummary            `json:"role_updates"`
	Breakers    []*define.BreakerMetrics `json:"breakers"`
}

// GetMetrics assembles the operational view: role-update latency percentiles
// from the trend window plus breaker state for both write legs.
func (s *Service) GetMetrics(ctx context.Context) (*ServiceMetrics, error) {
	out := &ServiceMetrics{}

	if s.trend != nil {
		obs, err := s.trend.Window(ctx, trendOpRoleUpdate)
		if err != nil {
			return nil, err
		}
		out.RoleUpdates = summarize(trendOpRoleUpdate, obs, s.cfg.UpdateBudget)
	}

	for _, service := range []string{define.ServiceClerk, define.ServiceRedis} {
		m, err := s.breakers.Get(service).GetMetrics(ctx)
		if err != nil {
			// a breaker store outage must not break the metrics endpoint
			m = &define.BreakerMetrics{Service: service, State: define.BreakerClosed}
		}
		out.Breakers = append(out.Breakers, m)
	}
	return out, nil
}

func summarize(op string, obs []cache.Observation, budget time.Duration) *TrendSummary {
	sum := &TrendSummary{Operation: op, Budget: budget, Count: len(obs)}
	if len(obs) == 0 {
		return sum
	}

	durations := make([]time.Duration, 0, len(obs))
	var total time.Duration
	succeeded := 0
	oldest := obs[0].At
	for _, o := range obs {
		durations = append(durations, o.Duration)
		total += o.Duration
		if o.Success {
			succeeded++
		}
		if o.Duration > budget {
			sum.OverBudget++
		}
		if o.At.Before(oldest) {
			oldest = o.At
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	sum.SuccessRate = float64(succeeded) / float64(len(obs))
	sum.Avg = total / time.Duration(len(obs))
	sum.P50 = percentile(durations, 0.50)
	sum.P95 = percentile(durations, 0.95)
	sum.P99 = percentile(durations, 0.99)
	sum.WindowOldest = oldest
	return sum
}

// percentile uses nearest-rank on the sorted slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
