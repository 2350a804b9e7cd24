// Package health runs the platform's self-healing monitor: a set of checks
// ("subagents") scored every cycle, with cooldown-limited remediation.
package health

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/anoint-array/platform/internal/domain/health"
	"github.com/anoint-array/platform/supabase/client"
)

// Check is one monitored component.
type Check interface {
	Name() string
	Run(ctx context.Context) health.CheckResult
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) health.CheckResult
}

func (c checkFunc) Name() string { return c.name }

func (c checkFunc) Run(ctx context.Context) health.CheckResult { return c.fn(ctx) }

// NewCheck adapts fn to a Check.
func NewCheck(name string, fn func(ctx context.Context) health.CheckResult) Check {
	return checkFunc{name: name, fn: fn}
}

func result(name string, score float64, detail string) health.CheckResult {
	if score < 0 {
		score = 0
	}
	return health.CheckResult{Name: name, Status: health.StatusForScore(score), Score: score, Detail: detail}
}

func skipped(name, detail string) health.CheckResult {
	return health.CheckResult{Name: name, Status: health.StatusSkipped, Detail: detail}
}

// PingCheck scores 100 when ping succeeds and 0 otherwise. A nil ping is
// reported as skipped.
func PingCheck(name string, ping func(ctx context.Context) error) Check {
	return NewCheck(name, func(ctx context.Context) health.CheckResult {
		if ping == nil {
			return skipped(name, "not configured")
		}
		if err := ping(ctx); err != nil {
			return result(name, 0, err.Error())
		}
		return result(name, 100, "ok")
	})
}

// Pinger is implemented by the Supabase client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SupabaseCheck pings the managed backend.
func SupabaseCheck(p Pinger) Check {
	if p == nil {
		return PingCheck("supabase", nil)
	}
	return PingCheck("supabase", p.Ping)
}

// RedisCheck pings Redis. A nil client is reported as skipped.
func RedisCheck(rdb redis.Cmdable) Check {
	if rdb == nil {
		return PingCheck("redis", nil)
	}
	return PingCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
}

// PaymentsCheck scores the number of configured payment gateways.
func PaymentsCheck(gateways func() []string) Check {
	return NewCheck("payments", func(context.Context) health.CheckResult {
		names := gateways()
		if len(names) == 0 {
			return result("payments", 30, "no payment gateways configured")
		}
		return result("payments", 100, strings.Join(names, ","))
	})
}

// CircuitCheck reports the Supabase circuit breaker state.
func CircuitCheck(b *client.CircuitBreaker) Check {
	return NewCheck("circuit", func(context.Context) health.CheckResult {
		if b == nil {
			return skipped("circuit", "resilience disabled")
		}
		switch b.State() {
		case client.CircuitClosed:
			return result("circuit", 100, "closed")
		case client.CircuitHalfOpen:
			return result("circuit", 60, "half-open")
		default:
			detail := "open"
			if err := b.LastError(); err != nil {
				detail += ": " + err.Error()
			}
			return result("circuit", 20, detail)
		}
	})
}

// ===== System =====

// Sampler reads host resource usage. dir selects the disk to measure.
type Sampler func(ctx context.Context, dir string) (health.SystemStats, error)

// SampleHost reads CPU, memory and disk usage through gopsutil.
func SampleHost(ctx context.Context, dir string) (health.SystemStats, error) {
	stats := health.SystemStats{Goroutines: runtime.NumGoroutine()}

	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return stats, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("memory: %w", err)
	}
	stats.MemoryPercent = vm.UsedPercent

	if dir == "" {
		dir = "/"
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return stats, fmt.Errorf("disk: %w", err)
	}
	stats.DiskPercent = usage.UsedPercent
	return stats, nil
}

// Thresholds are the usage levels at which the system score drops.
type Thresholds struct {
	WarnPercent     float64
	CriticalPercent float64
	MaxGoroutines   int
}

// DefaultThresholds returns 80% warn, 95% critical and 10000 goroutines.
func DefaultThresholds() Thresholds {
	return Thresholds{WarnPercent: 80, CriticalPercent: 95, MaxGoroutines: 10000}
}

// SystemCheck scores host resource usage.
type SystemCheck struct {
	dir        string
	sample     Sampler
	thresholds Thresholds

	mu   sync.Mutex
	last health.SystemStats
}

// NewSystemCheck measures the disk holding dir. A nil sampler uses
// SampleHost.
func NewSystemCheck(dir string, sample Sampler, th Thresholds) *SystemCheck {
	if sample == nil {
		sample = SampleHost
	}
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &SystemCheck{dir: dir, sample: sample, thresholds: th}
}

func (c *SystemCheck) Name() string { return "system" }

// Score applies the thresholds to stats.
func (c *SystemCheck) Score(stats health.SystemStats) (float64, []string) {
	score := 100.0
	var notes []string
	for _, m := range []struct {
		label string
		v     float64
	}{{"cpu", stats.CPUPercent}, {"memory", stats.MemoryPercent}, {"disk", stats.DiskPercent}} {
		switch {
		case m.v >= c.thresholds.CriticalPercent:
			score -= 40
			notes = append(notes, fmt.Sprintf("%s %.0f%%", m.label, m.v))
		case m.v >= c.thresholds.WarnPercent:
			score -= 20
			notes = append(notes, fmt.Sprintf("%s %.0f%%", m.label, m.v))
		}
	}
	if c.thresholds.MaxGoroutines > 0 && stats.Goroutines > c.thresholds.MaxGoroutines {
		score -= 20
		notes = append(notes, fmt.Sprintf("%d goroutines", stats.Goroutines))
	}
	if score < 0 {
		score = 0
	}
	return score, notes
}

func (c *SystemCheck) Run(ctx context.Context) health.CheckResult {
	stats, err := c.sample(ctx, c.dir)
	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()
	if err != nil {
		return result("system", 50, err.Error())
	}
	score, notes := c.Score(stats)
	detail := "ok"
	if len(notes) > 0 {
		detail = strings.Join(notes, ", ")
	}
	return result("system", score, detail)
}

// LastStats returns the most recent sample.
func (c *SystemCheck) LastStats() health.SystemStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
