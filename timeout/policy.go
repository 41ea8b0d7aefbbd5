package timeout

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/code-craka/upi-payment-app-sub000/define"
)

// GlobalDefault is the conservative fallback for unknown (service, class)
// combinations.
const GlobalDefault = 5 * time.Second

// Policy is the per-service, per-operation-class timeout table. Values are
// resolved defaults < config overrides < environment overrides.
type Policy struct {
	table map[string]map[string]time.Duration
}

func defaultTable() map[string]map[string]time.Duration {
	return map[string]map[string]time.Duration{
		define.ServiceRedis: {
			define.OpClassFast:      50 * time.Millisecond,
			define.OpClassStandard:  200 * time.Millisecond,
			define.OpClassSlow:      time.Second,
			define.OpClassEmergency: 3 * time.Second,
		},
		define.ServiceClerk: {
			define.OpClassFast:      500 * time.Millisecond,
			define.OpClassStandard:  2 * time.Second,
			define.OpClassSlow:      5 * time.Second,
			define.OpClassEmergency: 10 * time.Second,
		},
		define.ServiceDatabase: {
			define.OpClassFast:      100 * time.Millisecond,
			define.OpClassStandard:  time.Second,
			define.OpClassSlow:      5 * time.Second,
			define.OpClassEmergency: 10 * time.Second,
		},
	}
}

// NewPolicy builds the table from defaults, then config overrides (duration
// per "service.class" key), then ROLE_TIMEOUT_<SERVICE>_<CLASS>_MS env vars.
func NewPolicy(overrides map[string]time.Duration) *Policy {
	p := &Policy{table: defaultTable()}
	for key, d := range overrides {
		parts := strings.SplitN(key, ".", 2)
		if len(parts) != 2 || d <= 0 {
			continue
		}
		p.set(parts[0], parts[1], d)
	}
	p.applyEnv()
	return p
}

func (p *Policy) set(service, class string, d time.Duration) {
	if _, ok := p.table[service]; !ok {
		p.table[service] = make(map[string]time.Duration)
	}
	p.table[service][class] = d
}

func (p *Policy) applyEnv() {
	for service, classes := range p.table {
		for class := range classes {
			name := fmt.Sprintf("ROLE_TIMEOUT_%s_%s_MS",
				strings.ToUpper(service), strings.ToUpper(class))
			v := os.Getenv(name)
			if v == "" {
				continue
			}
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms <= 0 {
				continue
			}
			p.set(service, class, time.Duration(ms)*time.Millisecond)
		}
	}
}

// For returns the timeout for a (service, operation class) pair, falling back
// to the conservative global default for unknown combinations.
func (p *Policy) For(service, class string) time.Duration {
	if classes, ok := p.table[service]; ok {
		if d, ok := classes[class]; ok {
			return d
		}
	}
	return GlobalDefault
}
