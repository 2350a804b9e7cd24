// Package collab tracks AI collaboration tasks handed from an analysis
// provider (the oracle) to a fix provider (claude) and on to human review.
package collab

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/anoint-array/platform/internal/domain/collab"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
)

const (
	ServiceID = "collab"

	maxTitle       = 200
	maxDescription = 10000

	oracleSystem = "You are the analysis oracle for the ANOINT Array platform. Diagnose the reported " +
		"problem: list the likely root causes, the affected components and what a fix must change. Be concise."
	claudeSystem = "You are the implementation engineer for the ANOINT Array platform. Given a problem " +
		"and its analysis, propose a concrete fix with code changes and a short test plan."
)

// Config wires the service.
type Config struct {
	Store       TaskStore
	Oracle      Provider
	Claude      Provider
	MaxAttempts int
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// Service runs the task lifecycle.
type Service struct {
	store       TaskStore
	oracle      Provider
	claude      Provider
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// New creates the service. Missing providers make the matching stage fail
// with an upstream error.
func New(cfg Config) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryTaskStore()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:       store,
		oracle:      cfg.Oracle,
		claude:      cfg.Claude,
		maxAttempts: attempts,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[string]*taskLock),
	}
}

// lock serializes work on one task and returns the unlock func.
func (s *Service) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &taskLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// Create adds a pending task. A repeated idempotency key returns the task
// created first.
func (s *Service) Create(ctx context.Context, title, description, idempotencyKey string) (collab.Task, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title == "" {
		return collab.Task{}, svcerrors.InvalidInput("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitle {
		return collab.Task{}, svcerrors.InvalidInput(fmt.Sprintf("title exceeds %d characters", maxTitle))
	}
	if utf8.RuneCountInString(description) > maxDescription {
		return collab.Task{}, svcerrors.InvalidInput(fmt.Sprintf("description exceeds %d characters", maxDescription))
	}

	now := s.now()
	task, created, err := s.store.Create(ctx, collab.Task{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    description,
		Status:         collab.StatusPending,
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return collab.Task{}, svcerrors.Internal("failed to create task", err)
	}
	if created {
		s.metrics.RecordCollabTask(string(collab.StatusPending))
		s.logger.WithContext(ctx).WithField("task_id", task.ID).Info("ai task created")
	}
	return task, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (collab.Task, error) {
	t, err := s.store.Get(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return collab.Task{}, svcerrors.NotFound("task", id)
	}
	if err != nil {
		return collab.Task{}, svcerrors.Internal("failed to load task", err)
	}
	return t, nil
}

// List returns every task, newest first.
func (s *Service) List(ctx context.Context) ([]collab.Task, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, svcerrors.Internal("failed to list tasks", err)
	}
	return tasks, nil
}

func (s *Service) save(ctx context.Context, t collab.Task) (collab.Task, error) {
	t.UpdatedAt = s.now()
	if err := s.store.Update(ctx, t); err != nil {
		return collab.Task{}, svcerrors.Internal("failed to save task", err)
	}
	s.metrics.RecordCollabTask(string(t.Status))
	return t, nil
}

// Advance moves the task one stage forward. For the analyzing and fixing
// stages it calls the stage's provider; a provider error counts an attempt
// and keeps the stage until attempts run out.
func (s *Service) Advance(ctx context.Context, id string) (collab.Task, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.advance(ctx, id)
}

func (s *Service) advance(ctx context.Context, id string) (collab.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return collab.Task{}, err
	}
	log := s.logger.WithContext(ctx).WithField("task_id", t.ID)

	switch t.Status {
	case collab.StatusPending:
		t.Status = collab.StatusAnalyzing
		t.Assignee = collab.AssigneeOracle
		return s.save(ctx, t)

	case collab.StatusAnalyzing:
		out, err := s.complete(ctx, s.oracle, oracleSystem, s.analysisPrompt(t))
		if err != nil {
			return s.failAttempt(ctx, t, err)
		}
		t.Analysis = out
		t.Status = collab.StatusFixing
		t.Assignee = collab.AssigneeClaude
		t.Attempts = 0
		t.Error = ""
		log.Info("analysis complete")
		return s.save(ctx, t)

	case collab.StatusFixing:
		out, err := s.complete(ctx, s.claude, claudeSystem, s.fixPrompt(t))
		if err != nil {
			return s.failAttempt(ctx, t, err)
		}
		t.Fix = out
		t.Status = collab.StatusReview
		t.Assignee = ""
		t.Attempts = 0
		t.Error = ""
		log.Info("fix proposed")
		return s.save(ctx, t)

	case collab.StatusReview:
		return t, svcerrors.Conflict("task is awaiting review").WithDetails("status", string(t.Status))
	default:
		return t, svcerrors.Conflict("task is finished").WithDetails("status", string(t.Status))
	}
}

func (s *Service) complete(ctx context.Context, p Provider, system, prompt string) (string, error) {
	if p == nil {
		return "", svcerrors.Upstream("ai", false, fmt.Errorf("provider not configured"))
	}
	return p.Complete(ctx, system, prompt)
}

func (s *Service) failAttempt(ctx context.Context, t collab.Task, cause error) (collab.Task, error) {
	t.Attempts++
	t.Error = cause.Error()
	entry := s.logger.WithContext(ctx).WithError(cause).WithFields(map[string]interface{}{
		"task_id":  t.ID,
		"stage":    t.Status,
		"attempts": t.Attempts,
	})
	if t.Attempts >= s.maxAttempts {
		t.Status = collab.StatusFailed
		entry.Error("ai task failed")
	} else {
		entry.Warn("ai stage attempt failed")
	}
	saved, err := s.save(ctx, t)
	if err != nil {
		return t, err
	}
	if se := svcerrors.GetServiceError(cause); se != nil {
		return saved, cause
	}
	return saved, svcerrors.Upstream("ai", true, cause)
}

func (s *Service) analysisPrompt(t collab.Task) string {
	return fmt.Sprintf("Problem: %s\n\n%s", t.Title, t.Description)
}

func (s *Service) fixPrompt(t collab.Task) string {
	return fmt.Sprintf("Problem: %s\n\n%s\n\nAnalysis:\n%s", t.Title, t.Description, t.Analysis)
}

// Run advances the task until it reaches review or a terminal status, or a
// stage fails.
func (s *Service) Run(ctx context.Context, id string) (collab.Task, error) {
	unlock := s.lock(id)
	defer unlock()
	for {
		t, err := s.advance(ctx, id)
		if err != nil {
			return t, err
		}
		if t.Status == collab.StatusReview || t.Status.Terminal() {
			return t, nil
		}
		if ctx.Err() != nil {
			return t, ctx.Err()
		}
	}
}

// Approve accepts a reviewed fix.
func (s *Service) Approve(ctx context.Context, id string) (collab.Task, error) {
	unlock := s.lock(id)
	defer unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return collab.Task{}, err
	}
	if t.Status != collab.StatusReview {
		return t, svcerrors.Conflict("only tasks in review can be approved").WithDetails("status", string(t.Status))
	}
	t.Status = collab.StatusCompleted
	return s.save(ctx, t)
}

// Retry returns a failed task to pending with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id string) (collab.Task, error) {
	unlock := s.lock(id)
	defer unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return collab.Task{}, err
	}
	if t.Status != collab.StatusFailed {
		return t, svcerrors.Conflict("only failed tasks can be retried").WithDetails("status", string(t.Status))
	}
	t.Status = collab.StatusPending
	t.Assignee = ""
	t.Attempts = 0
	t.Error = ""
	return s.save(ctx, t)
}
