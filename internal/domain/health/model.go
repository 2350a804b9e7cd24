package health

import "time"

// Status is an overall or per-check health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusSkipped  Status = "skipped"
)

// StatusForScore maps a 0-100 score to a status.
func StatusForScore(score float64) Status {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 50:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Score   float64       `json:"score"`
	Latency time.Duration `json:"latency_ns"`
	Detail  string        `json:"detail,omitempty"`
}

// SystemStats is host resource usage at snapshot time.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Goroutines    int     `json:"goroutines"`
}

// Snapshot is one monitoring cycle.
type Snapshot struct {
	Status       Status        `json:"status"`
	Score        float64       `json:"score"`
	Checks       []CheckResult `json:"checks"`
	System       SystemStats   `json:"system"`
	Remediations []string      `json:"remediations,omitempty"`
	At           time.Time     `json:"at"`
}
