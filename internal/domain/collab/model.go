package collab

import "time"

// Status is the stage of an AI collaboration task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusFixing    Status = "fixing"
	StatusReview    Status = "review"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further automatic progress is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Assignee names the provider responsible for a stage.
type Assignee string

const (
	AssigneeOracle Assignee = "oracle"
	AssigneeClaude Assignee = "claude"
)

// Task is a unit of work handed between the analysis and fix providers.
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Status         Status    `json:"status"`
	Assignee       Assignee  `json:"assignee,omitempty"`
	Analysis       string    `json:"analysis,omitempty"`
	Fix            string    `json:"fix,omitempty"`
	Attempts       int       `json:"attempts"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
