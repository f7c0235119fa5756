package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sleuth/pkg/fanout"
	"github.com/harun/sleuth/pkg/taskhub"
	"github.com/harun/sleuth/pkg/workerpool"
	"github.com/harun/sleuth/pkg/workflow"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []workflow.SessionState
	run   func(ctx context.Context, taskID string, state workflow.SessionState) (workflow.Result, error)
}

func (f *fakeEngine) Run(ctx context.Context, taskID string, state workflow.SessionState) (workflow.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, state)
	f.mu.Unlock()
	return f.run(ctx, taskID, state)
}

func (f *fakeEngine) Calls() []workflow.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.SessionState(nil), f.calls...)
}

func completed(report string) func(context.Context, string, workflow.SessionState) (workflow.Result, error) {
	return func(_ context.Context, _ string, state workflow.SessionState) (workflow.Result, error) {
		return workflow.Result{Outcome: workflow.OutcomeCompleted, State: state, Steps: 2, FinalReport: report}, nil
	}
}

func newService(t *testing.T, engine Runner) (*Service, *taskhub.Hub) {
	t.Helper()
	hub := taskhub.New(taskhub.Config{}, taskhub.WithLogger(zerolog.Nop()))
	svc := New(engine, hub, Config{ResumePool: workerpool.Config{Workers: 1, QueueSize: 4}}, WithLogger(zerolog.Nop()))
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
	})
	return svc, hub
}

func drain(t *testing.T, sub *taskhub.Subscription) []taskhub.Event {
	t.Helper()
	var events []taskhub.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d events", len(events))
			return nil
		}
	}
}

func lastEvent(t *testing.T, hub *taskhub.Hub, id string) taskhub.Event {
	t.Helper()
	history, err := hub.History(id)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	return history[len(history)-1]
}

func countType(events []taskhub.Event, typ taskhub.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestStart_Completed(t *testing.T) {
	svc, hub := newService(t, &fakeEngine{run: completed("the answer")})

	id, res, err := svc.Start(context.Background(), "question", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, workflow.OutcomeCompleted, res.Outcome)

	info, ok := hub.Task(id)
	require.True(t, ok)
	assert.Equal(t, taskhub.StatusCompleted, info.Status)

	last := lastEvent(t, hub, id)
	assert.Equal(t, taskhub.EventFinal, last.Type)
	assert.Equal(t, "the answer", last.Message)
}

func TestStart_StepLimitIsCompleted(t *testing.T) {
	engine := &fakeEngine{run: func(_ context.Context, _ string, state workflow.SessionState) (workflow.Result, error) {
		return workflow.Result{Outcome: workflow.OutcomeStepLimitExceeded, State: state, FinalReport: "[step limit exceeded]"}, nil
	}}
	svc, hub := newService(t, engine)

	id, _, err := svc.Start(context.Background(), "q", "t1")
	require.NoError(t, err)

	info, _ := hub.Task(id)
	assert.Equal(t, taskhub.StatusCompleted, info.Status)
	assert.Equal(t, taskhub.EventFinal, lastEvent(t, hub, id).Type)
}

func TestStart_ErrorMovesToError(t *testing.T) {
	engine := &fakeEngine{run: func(context.Context, string, workflow.SessionState) (workflow.Result, error) {
		return workflow.Result{}, errors.New("planner: boom")
	}}
	svc, hub := newService(t, engine)

	_, _, err := svc.Start(context.Background(), "q", "t1")
	require.Error(t, err)

	info, _ := hub.Task("t1")
	assert.Equal(t, taskhub.StatusError, info.Status)
	last := lastEvent(t, hub, "t1")
	assert.Equal(t, taskhub.EventError, last.Type)
	assert.Contains(t, last.Message, "boom")
}

func TestStart_PanicMovesToError(t *testing.T) {
	engine := &fakeEngine{run: func(context.Context, string, workflow.SessionState) (workflow.Result, error) {
		panic("engine exploded")
	}}
	svc, hub := newService(t, engine)

	_, _, err := svc.Start(context.Background(), "q", "t1")
	require.Error(t, err)

	info, _ := hub.Task("t1")
	assert.Equal(t, taskhub.StatusError, info.Status)
}

func TestStart_RejectsTerminalTask(t *testing.T) {
	svc, _ := newService(t, &fakeEngine{run: completed("done")})

	_, _, err := svc.Start(context.Background(), "q", "t1")
	require.NoError(t, err)

	_, _, err = svc.Start(context.Background(), "q", "t1")
	assert.ErrorIs(t, err, taskhub.ErrTaskTerminal)
}

// suspendingEngine asks for input on its first run and echoes the human's
// answer on the next.
func suspendingEngine(hub func() *taskhub.Hub) *fakeEngine {
	return &fakeEngine{run: func(_ context.Context, taskID string, state workflow.SessionState) (workflow.Result, error) {
		if len(state.ChatHistory) == 0 {
			state.HumanRequest = "which region?"
			raw, err := json.Marshal(state)
			if err != nil {
				return workflow.Result{}, err
			}
			if err := hub().SaveSnapshot(taskID, raw); err != nil {
				return workflow.Result{}, err
			}
			return workflow.Result{Outcome: workflow.OutcomeSuspended, State: state, HumanRequest: state.HumanRequest}, nil
		}
		report := "using " + state.ChatHistory[len(state.ChatHistory)-1]
		return workflow.Result{Outcome: workflow.OutcomeCompleted, State: state, FinalReport: report}, nil
	}}
}

func TestHumanInLoop_SubmitResumes(t *testing.T) {
	var hubRef *taskhub.Hub
	engine := suspendingEngine(func() *taskhub.Hub { return hubRef })
	svc, hub := newService(t, engine)
	hubRef = hub

	_, res, err := svc.Start(context.Background(), "deploy", "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeSuspended, res.Outcome)

	info, _ := hub.Task("t1")
	assert.Equal(t, taskhub.StatusHumanInLoop, info.Status)
	assert.Equal(t, taskhub.EventHumanRequest, lastEvent(t, hub, "t1").Type)

	sub, err := svc.Subscribe("t1")
	require.NoError(t, err)

	require.NoError(t, svc.SubmitHumanResponse("t1", "eu-west"))
	events := drain(t, sub)

	assert.Equal(t, 1, countType(events, taskhub.EventAck))
	last := events[len(events)-1]
	assert.Equal(t, taskhub.EventFinal, last.Type)
	assert.Equal(t, "using human: eu-west", last.Message)

	calls := engine.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].HumanRequest)
	assert.Equal(t, []string{"human: eu-west"}, calls[1].ChatHistory)
}

func TestSubmitHumanResponse_RequiresSuspendedTask(t *testing.T) {
	svc, hub := newService(t, &fakeEngine{run: completed("done")})
	hub.EnsureTask("t1", taskhub.TaskOptions{})

	err := svc.SubmitHumanResponse("t1", "hello")
	assert.ErrorIs(t, err, taskhub.ErrInvalidTransition)

	err = svc.SubmitHumanResponse("missing", "hello")
	assert.ErrorIs(t, err, taskhub.ErrTaskNotFound)
}

func TestSubmitHumanResponse_AfterShutdownFailsTask(t *testing.T) {
	var hubRef *taskhub.Hub
	svc, hub := newService(t, suspendingEngine(func() *taskhub.Hub { return hubRef }))
	hubRef = hub

	_, _, err := svc.Start(context.Background(), "deploy", "t1")
	require.NoError(t, err)
	require.NoError(t, svc.Shutdown(context.Background()))

	err = svc.SubmitHumanResponse("t1", "eu-west")
	assert.ErrorIs(t, err, ErrShuttingDown)

	info, _ := hub.Task("t1")
	assert.Equal(t, taskhub.StatusError, info.Status, "a task whose resume cannot run is never left waiting")
}

func TestResumeAfterHuman_SnapshotProblems(t *testing.T) {
	svc, hub := newService(t, &fakeEngine{run: completed("done")})

	suspend := func(id string) {
		hub.EnsureTask(id, taskhub.TaskOptions{})
		require.NoError(t, hub.SetStatus(id, taskhub.StatusRunning))
		require.NoError(t, hub.SetStatus(id, taskhub.StatusHumanInLoop))
	}

	suspend("missing")
	err := svc.ResumeAfterHuman(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, ErrSnapshotMissing)
	info, _ := hub.Task("missing")
	assert.Equal(t, taskhub.StatusError, info.Status)

	suspend("garbled")
	require.NoError(t, hub.SaveSnapshot("garbled", []byte("{not json")))
	err = svc.ResumeAfterHuman(context.Background(), "garbled", "hi")
	assert.ErrorIs(t, err, ErrSnapshotMalformed)
	info, _ = hub.Task("garbled")
	assert.Equal(t, taskhub.StatusError, info.Status)
}

func TestCancel_DuringRunPublishesNoSecondTerminalEvent(t *testing.T) {
	var svc *Service
	engine := &fakeEngine{run: func(_ context.Context, taskID string, state workflow.SessionState) (workflow.Result, error) {
		require.NoError(t, svc.Cancel(taskID, "user abort"))
		return workflow.Result{Outcome: workflow.OutcomeCompleted, State: state, FinalReport: "too late"}, nil
	}}
	svc, hub := newService(t, engine)

	_, res, err := svc.Start(context.Background(), "q", "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeCancelled, res.Outcome)

	history, err := hub.History("t1")
	require.NoError(t, err)
	assert.Equal(t, taskhub.EventCancelled, history[len(history)-1].Type)
	assert.Zero(t, countType(history, taskhub.EventFinal))

	assert.Error(t, svc.Cancel("t1", "again"), "a finished task cannot be cancelled")
}

func TestStart_SameTaskRunsOnce(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	engine := &fakeEngine{run: func(_ context.Context, _ string, state workflow.SessionState) (workflow.Result, error) {
		close(entered)
		<-proceed
		return workflow.Result{Outcome: workflow.OutcomeCompleted, State: state, FinalReport: "once"}, nil
	}}
	svc, hub := newService(t, engine)

	firstErr := make(chan error, 1)
	go func() {
		_, _, err := svc.Start(context.Background(), "q", "same")
		firstErr <- err
	}()
	<-entered

	_, _, err := svc.Start(context.Background(), "q", "same")
	assert.ErrorIs(t, err, ErrTaskRunning)
	_, err = svc.StartAsync("q", "same")
	assert.ErrorIs(t, err, ErrTaskRunning)

	close(proceed)
	require.NoError(t, <-firstErr)

	assert.Len(t, engine.Calls(), 1)
	info, _ := hub.Task("same")
	assert.Equal(t, taskhub.StatusCompleted, info.Status, "a rejected duplicate does not fail the running task")
}

func TestResumeAfterHuman_CancelledTaskIsNotRevived(t *testing.T) {
	var hubRef *taskhub.Hub
	engine := suspendingEngine(func() *taskhub.Hub { return hubRef })
	svc, hub := newService(t, engine)
	hubRef = hub

	_, res, err := svc.Start(context.Background(), "deploy", "t1")
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeSuspended, res.Outcome)

	require.NoError(t, svc.Cancel("t1", "user abort"))
	require.NoError(t, svc.ResumeAfterHuman(context.Background(), "t1", "eu-west"))

	assert.Len(t, engine.Calls(), 1)
	info, _ := hub.Task("t1")
	assert.Equal(t, taskhub.StatusCancelled, info.Status)
	assert.Equal(t, taskhub.EventCancelled, lastEvent(t, hub, "t1").Type)
}

func TestStartAsync_Streams(t *testing.T) {
	svc, _ := newService(t, &fakeEngine{run: completed("async answer")})

	id, err := svc.StartAsync("q", "")
	require.NoError(t, err)

	sub, err := svc.Subscribe(id)
	require.NoError(t, err)
	events := drain(t, sub)

	require.NotEmpty(t, events)
	assert.Equal(t, taskhub.EventFinal, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func TestStartAsync_AfterShutdown(t *testing.T) {
	svc, _ := newService(t, &fakeEngine{run: completed("x")})
	require.NoError(t, svc.Shutdown(context.Background()))

	_, err := svc.StartAsync("q", "")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRunSubQuery_WithFanout(t *testing.T) {
	engine := &fakeEngine{run: func(_ context.Context, _ string, state workflow.SessionState) (workflow.Result, error) {
		if state.OriginalQuery == "unclear" {
			return workflow.Result{Outcome: workflow.OutcomeSuspended, State: state, HumanRequest: "what do you mean?"}, nil
		}
		return workflow.Result{Outcome: workflow.OutcomeCompleted, State: state, FinalReport: "answer to " + state.OriginalQuery}, nil
	}}
	svc, _ := newService(t, engine)

	exec := fanout.New(svc, fanout.Config{MaxConcurrency: 2, DefaultTimeout: time.Second}, zerolog.Nop())
	resp, err := exec.Execute(context.Background(), fanout.Request{
		Queries: []fanout.SubQuery{{Query: "a"}, {Query: "unclear"}, {Query: "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "answer to a", resp.Results[0].Output)
	assert.Equal(t, fanout.StatusError, resp.Results[1].Status)
	assert.Contains(t, resp.Results[1].Error, "human input")
	assert.Equal(t, "answer to b", resp.Results[2].Output)
}
