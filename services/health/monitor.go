package health

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/health"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/supabase/client"
)

const ServiceID = "health"

// Remediation repairs a failing component.
type Remediation struct {
	Name string
	Run  func(ctx context.Context) error
}

// ResetBreaker closes an open circuit breaker.
func ResetBreaker(b *client.CircuitBreaker) Remediation {
	return Remediation{Name: "reset-circuit-breaker", Run: func(context.Context) error {
		if b == nil {
			return fmt.Errorf("no circuit breaker")
		}
		b.Reset()
		return nil
	}}
}

// FreeMemory forces a garbage collection and returns memory to the OS.
func FreeMemory() Remediation {
	return Remediation{Name: "free-memory", Run: func(context.Context) error {
		runtime.GC()
		debug.FreeOSMemory()
		return nil
	}}
}

// Config wires the monitor.
type Config struct {
	Settings config.HealthConfig
	Checks   []Check
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Monitor runs checks, keeps a bounded history and notifies subscribers.
type Monitor struct {
	checks   []Check
	timeout  time.Duration
	cooldown time.Duration
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time

	runMu sync.Mutex

	mu           sync.RWMutex
	remediations map[string]Remediation
	lastRepair   map[string]time.Time
	history      []health.Snapshot
	next         int
	full         bool
	subs         map[chan health.Snapshot]struct{}
}

// New creates the monitor.
func New(cfg Config) *Monitor {
	timeout := cfg.Settings.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cooldown := cfg.Settings.Cooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	size := cfg.Settings.HistorySize
	if size <= 0 {
		size = 288
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		checks:       cfg.Checks,
		timeout:      timeout,
		cooldown:     cooldown,
		metrics:      cfg.Metrics,
		logger:       logger,
		now:          time.Now,
		remediations: make(map[string]Remediation),
		lastRepair:   make(map[string]time.Time),
		history:      make([]health.Snapshot, size),
		subs:         make(map[chan health.Snapshot]struct{}),
	}
}

// RegisterRemediation attaches r to the named check. It replaces any
// earlier registration.
func (m *Monitor) RegisterRemediation(check string, r Remediation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remediations[check] = r
}

// RunOnce runs every check concurrently, applies remediation, records the
// snapshot and publishes it.
func (m *Monitor) RunOnce(ctx context.Context) health.Snapshot {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	results := make([]health.CheckResult, len(m.checks))
	var wg sync.WaitGroup
	for i, c := range m.checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results[i] = m.runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	snap := health.Snapshot{Checks: results, At: m.now().UTC()}
	snap.Score = overall(results)
	snap.Status = health.StatusForScore(snap.Score)
	for _, c := range m.checks {
		if sc, ok := c.(interface{ LastStats() health.SystemStats }); ok {
			snap.System = sc.LastStats()
		}
	}
	snap.Remediations = m.remediate(ctx, results)

	m.record(snap)
	m.metrics.SetHealth(string(snap.Status), snap.Score)
	entry := m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"status": snap.Status,
		"score":  snap.Score,
	})
	if snap.Status == health.StatusHealthy {
		entry.Debug("health cycle")
	} else {
		entry.Warn("health cycle")
	}
	return snap
}

func (m *Monitor) runCheck(ctx context.Context, c Check) health.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan health.CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result(c.Name(), 0, fmt.Sprintf("panic: %v", r))
			}
		}()
		done <- c.Run(ctx)
	}()

	var res health.CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result(c.Name(), 0, "timed out")
	}
	res.Name = c.Name()
	res.Latency = time.Since(start)
	return res
}

// overall is the mean score of the checks that were not skipped.
func overall(results []health.CheckResult) float64 {
	var sum float64
	n := 0
	for _, r := range results {
		if r.Status == health.StatusSkipped {
			continue
		}
		sum += r.Score
		n++
	}
	if n == 0 {
		return 100
	}
	return sum / float64(n)
}

func (m *Monitor) remediate(ctx context.Context, results []health.CheckResult) []string {
	var ran []string
	for _, r := range results {
		if r.Status != health.StatusDegraded && r.Status != health.StatusCritical {
			continue
		}
		m.mu.Lock()
		rem, ok := m.remediations[r.Name]
		last, seen := m.lastRepair[r.Name]
		now := m.now()
		if !ok || (seen && now.Sub(last) < m.cooldown) {
			m.mu.Unlock()
			continue
		}
		m.lastRepair[r.Name] = now
		m.mu.Unlock()

		log := m.logger.WithContext(ctx).WithField("check", r.Name).WithField("remediation", rem.Name)
		if err := rem.Run(ctx); err != nil {
			log.WithError(err).Error("remediation failed")
			ran = append(ran, rem.Name+" (failed)")
			continue
		}
		log.Info("remediation applied")
		ran = append(ran, rem.Name)
	}
	return ran
}

func (m *Monitor) record(snap health.Snapshot) {
	m.mu.Lock()
	m.history[m.next] = snap
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
	subs := make([]chan health.Snapshot, 0, len(m.subs))
	for ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (health.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.full && m.next == 0 {
		return health.Snapshot{}, false
	}
	i := (m.next - 1 + len(m.history)) % len(m.history)
	return m.history[i], true
}

// History returns up to n snapshots, oldest first. n <= 0 returns all.
func (m *Monitor) History(n int) []health.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ordered []health.Snapshot
	if m.full {
		ordered = append(ordered, m.history[m.next:]...)
	}
	ordered = append(ordered, m.history[:m.next]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Subscribe returns a channel that receives each new snapshot. Snapshots
// are dropped when the channel is full. Call the returned func to
// unsubscribe.
func (m *Monitor) Subscribe(buffer int) (<-chan health.Snapshot, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan health.Snapshot, buffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Schedule registers RunOnce on c.
func (m *Monitor) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	return c.AddFunc(spec, func() { m.RunOnce(ctx) })
}
