package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/internal/tracing"
	"github.com/harun/sleuth/pkg/taskhub"
	"github.com/harun/sleuth/pkg/workerpool"
	"github.com/harun/sleuth/pkg/workflow"
)

var (
	// ErrSnapshotMissing is returned when a task has no saved state to resume.
	ErrSnapshotMissing = errors.New("no workflow snapshot for task")
	// ErrSnapshotMalformed is returned when the saved state cannot be decoded.
	ErrSnapshotMalformed = errors.New("workflow snapshot is malformed")
	// ErrShuttingDown is returned for new work after Shutdown.
	ErrShuttingDown = errors.New("orchestration service is shutting down")
	// ErrTaskRunning is returned when the task already has a workflow run.
	ErrTaskRunning = errors.New("task already has an active run")
)

const resumePoolName = "resume"

// Runner is the workflow engine as seen by the service.
type Runner interface {
	Run(ctx context.Context, taskID string, state workflow.SessionState) (workflow.Result, error)
}

// Config configures a Service.
type Config struct {
	ResumePool workerpool.Config `json:"resume_pool" mapstructure:"resume_pool"`
}

// Service starts, resumes and cancels workflow tasks.
type Service struct {
	engine Runner
	hub    *taskhub.Hub
	pool   *workerpool.Pool
	audit  *observability.AuditLogger
	logger zerolog.Logger

	// activeRuns holds the task ids currently inside the engine.
	activeRuns map[string]struct{}
	runsMu     sync.Mutex

	async   conc.WaitGroup
	closing atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option customizes a Service.
type Option func(*Service)

// WithAudit records cancels and human responses to a.
func WithAudit(a *observability.AuditLogger) Option {
	return func(s *Service) {
		s.audit = a
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a Service and starts its resume pool.
func New(engine Runner, hub *taskhub.Hub, cfg Config, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		engine:     engine,
		hub:        hub,
		logger:     zerolog.Nop(),
		activeRuns: make(map[string]struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "orchestration").Logger()
	s.pool = workerpool.New(cfg.ResumePool, resumePoolName, s.logger)
	return s
}

// Hub returns the event hub the service publishes to.
func (s *Service) Hub() *taskhub.Hub {
	return s.hub
}

// Start runs query to completion or suspension on the calling goroutine.
// An empty taskID gets a fresh one. The returned error is the run's error;
// by then the task has already been moved to ERROR.
func (s *Service) Start(ctx context.Context, query, taskID string) (string, workflow.Result, error) {
	if s.closing.Load() {
		return "", workflow.Result{}, ErrShuttingDown
	}
	taskID, err := s.prepare(query, taskID)
	if err != nil {
		return taskID, workflow.Result{}, err
	}
	if err := s.claim(taskID); err != nil {
		return taskID, workflow.Result{}, err
	}

	state := workflow.SessionState{OriginalQuery: query}
	res, err := s.run(ctx, taskID, state, taskhub.StatusRunning)
	return taskID, res, err
}

// StartAsync registers the task and runs it in the background. The task
// exists in the hub when StartAsync returns, so callers can subscribe
// right away.
func (s *Service) StartAsync(query, taskID string) (string, error) {
	if s.closing.Load() {
		return "", ErrShuttingDown
	}
	taskID, err := s.prepare(query, taskID)
	if err != nil {
		return taskID, err
	}
	if err := s.claim(taskID); err != nil {
		return taskID, err
	}

	s.async.Go(func() {
		state := workflow.SessionState{OriginalQuery: query}
		_, _ = s.run(s.baseCtx, taskID, state, taskhub.StatusRunning)
	})
	return taskID, nil
}

func (s *Service) prepare(query, taskID string) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	info := s.hub.EnsureTask(taskID, taskhub.TaskOptions{BaseQuery: query})
	if info.Status.IsTerminal() {
		return taskID, fmt.Errorf("%w: %s is %s", taskhub.ErrTaskTerminal, taskID, info.Status)
	}
	return taskID, nil
}

// ResumeAfterHuman continues a suspended task from its last snapshot with
// the human's answer appended to the conversation.
func (s *Service) ResumeAfterHuman(ctx context.Context, taskID, text string) error {
	raw, ok := s.hub.Snapshot(taskID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrSnapshotMissing, taskID)
		s.fail(ctx, taskID, err)
		return err
	}

	var state workflow.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrSnapshotMalformed, taskID, err)
		s.fail(ctx, taskID, err)
		return err
	}
	state = state.PrepareResume(text)

	if s.hub.IsCancelled(taskID) {
		s.logger.Info().Str("task_id", taskID).Msg("Task cancelled before resume, skipping")
		return nil
	}
	if err := s.claim(taskID); err != nil {
		return err
	}

	_, err := s.run(ctx, taskID, state, taskhub.StatusProcessing)
	return err
}

// SubmitHumanResponse records the answer and queues the resume. It returns
// without waiting for the resumed run. If the resume cannot be queued the
// task is moved to ERROR and the error is returned.
func (s *Service) SubmitHumanResponse(taskID, text string) error {
	ctx := tracing.NewTaskRunContext(context.Background(), taskID)

	if err := s.hub.RecordHumanResponse(taskID, text); err != nil {
		s.audit.RecordHumanResponse(ctx, taskID, len(text), "rejected")
		return err
	}
	s.audit.RecordHumanResponse(ctx, taskID, len(text), "accepted")

	if s.closing.Load() {
		s.fail(ctx, taskID, ErrShuttingDown)
		return ErrShuttingDown
	}

	err := s.pool.Submit(workerpool.Job{
		ID:  taskID,
		Ctx: ctx,
		Run: func(ctx context.Context) error {
			return s.ResumeAfterHuman(ctx, taskID, text)
		},
	})
	if err != nil {
		err = fmt.Errorf("queue resume for %s: %w", taskID, err)
		s.fail(ctx, taskID, err)
		return err
	}
	return nil
}

// Cancel cancels the task. Running work stops at its next checkpoint.
func (s *Service) Cancel(taskID, reason string) error {
	ctx := tracing.NewTaskRunContext(context.Background(), taskID)
	if err := s.hub.Cancel(taskID, reason); err != nil {
		s.audit.RecordCancel(ctx, taskID, reason, "rejected")
		return err
	}
	s.audit.RecordCancel(ctx, taskID, reason, "cancelled")
	return nil
}

// Subscribe streams the task's events, starting with its history.
func (s *Service) Subscribe(taskID string) (*taskhub.Subscription, error) {
	return s.hub.RegisterListener(taskID)
}

// RunSubQuery answers query with a full workflow run under a new task
// threaded to the caller's task.
func (s *Service) RunSubQuery(ctx context.Context, query string) (string, error) {
	subID := uuid.NewString()
	s.hub.EnsureTask(subID, taskhub.TaskOptions{ThreadID: tracing.GetThreadID(ctx), BaseQuery: query})

	_, res, err := s.Start(ctx, query, subID)
	if err != nil {
		return "", err
	}
	switch res.Outcome {
	case workflow.OutcomeSuspended:
		return "", fmt.Errorf("sub-query needs human input: %s", res.HumanRequest)
	case workflow.OutcomeCancelled:
		return "", fmt.Errorf("sub-query %s was cancelled", subID)
	}
	return res.FinalReport, nil
}

// Shutdown stops intake, drains queued resumes and waits for background
// runs. When ctx ends first, running work is cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	poolErr := s.pool.Close(ctx)

	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return poolErr
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// claim marks taskID as inside the engine. Every successful claim is
// released by run.
func (s *Service) claim(taskID string) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	if _, busy := s.activeRuns[taskID]; busy {
		return fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	s.activeRuns[taskID] = struct{}{}
	return nil
}

func (s *Service) release(taskID string) {
	s.runsMu.Lock()
	delete(s.activeRuns, taskID)
	s.runsMu.Unlock()
}

// run executes the engine and publishes exactly one outcome. The caller
// must hold the claim on taskID; it is released once the engine returns,
// before the outcome is published, so a resume triggered by that outcome
// can claim the task again.
func (s *Service) run(ctx context.Context, taskID string, state workflow.SessionState, status taskhub.Status) (res workflow.Result, err error) {
	ctx = tracing.NewTaskRunContext(ctx, taskID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { s.release(taskID) }) }
	defer release()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
			logger.Error().Interface("panic", rec).Msg("Workflow run panicked")
			s.fail(ctx, taskID, err)
		}
	}()

	if err := s.hub.SetStatus(taskID, status); err != nil {
		return workflow.Result{}, fmt.Errorf("start task %s: %w", taskID, err)
	}

	logger.Info().Str("status", string(status)).Msg("Workflow run started")
	start := time.Now()
	res, err = s.engine.Run(ctx, taskID, state)
	release()
	logger = logger.With().Dur("duration", time.Since(start)).Logger()

	if s.hub.IsCancelled(taskID) {
		logger.Info().Msg("Workflow run cancelled")
		res.Outcome = workflow.OutcomeCancelled
		return res, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("Workflow run failed")
		s.fail(ctx, taskID, err)
		return res, err
	}

	data := map[string]interface{}{"outcome": string(res.Outcome), "steps": res.Steps}
	switch res.Outcome {
	case workflow.OutcomeSuspended:
		err = s.hub.Transition(taskID, taskhub.StatusHumanInLoop, taskhub.Event{
			Type:    taskhub.EventHumanRequest,
			Message: res.HumanRequest,
			Data:    data,
		})
	case workflow.OutcomeCancelled:
		// Cancel already published the terminal event.
	default:
		err = s.hub.Transition(taskID, taskhub.StatusCompleted, taskhub.Event{
			Type:    taskhub.EventFinal,
			Message: res.FinalReport,
			Data:    data,
		})
	}
	if err != nil {
		// Lost a race with Cancel; the task is already terminal.
		logger.Debug().Err(err).Msg("Outcome not published")
	}

	logger.Info().Str("outcome", string(res.Outcome)).Int("steps", res.Steps).Msg("Workflow run finished")
	return res, nil
}

func (s *Service) fail(ctx context.Context, taskID string, cause error) {
	err := s.hub.Transition(taskID, taskhub.StatusError, taskhub.Event{
		Type:    taskhub.EventError,
		Message: cause.Error(),
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Err(err).Str("task_id", taskID).Msg("Error status not published")
	}
}
