package taskhub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/observability"
)

// DefaultHistoryLimit is used when Config.HistoryLimit is not positive.
const DefaultHistoryLimit = 200

// Config configures a Hub.
type Config struct {
	HistoryLimit int `json:"history_limit" mapstructure:"history_limit"`
}

type taskContext struct {
	mu sync.Mutex

	id            string
	threadID      string
	baseQuery     string
	status        Status
	cancelled     bool
	cancelReason  string
	humanResponse string
	history       []Event
	seq           int64
	listeners     map[uint64]*listener
	lastState     []byte
	createdAt     time.Time
	updatedAt     time.Time
}

// Hub owns every task's status, event history and subscribers.
type Hub struct {
	mu      sync.RWMutex
	tasks   map[string]*taskContext
	waiters map[string]*waiter

	historyLimit int
	nextID       atomic.Uint64
	now          func() time.Time
	logger       zerolog.Logger
}

// Option customizes a Hub.
type Option func(*Hub)

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger.With().Str("component", "taskhub").Logger()
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Hub {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	h := &Hub{
		tasks:        make(map[string]*taskContext),
		waiters:      make(map[string]*waiter),
		historyLimit: cfg.HistoryLimit,
		now:          time.Now,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) get(id string) (*taskContext, error) {
	h.mu.RLock()
	t, ok := h.tasks[id]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// EnsureTask creates the task if needed and wakes any WaitForTask callers.
// Calling it again for the same id never resets or regresses its status.
func (h *Hub) EnsureTask(id string, opts TaskOptions) TaskInfo {
	h.mu.Lock()
	t, exists := h.tasks[id]
	if !exists {
		now := h.now()
		t = &taskContext{
			id:        id,
			threadID:  opts.ThreadID,
			baseQuery: opts.BaseQuery,
			status:    StatusPending,
			listeners: make(map[uint64]*listener),
			createdAt: now,
			updatedAt: now,
		}
		h.tasks[id] = t
		if w, ok := h.waiters[id]; ok {
			close(w.ready)
			delete(h.waiters, id)
		}
	}
	h.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if exists {
		if opts.ThreadID != "" {
			t.threadID = opts.ThreadID
		}
		if opts.BaseQuery != "" {
			t.baseQuery = opts.BaseQuery
		}
		t.updatedAt = h.now()
	} else {
		h.logger.Debug().Str("task_id", id).Msg("Task registered")
	}
	return t.infoLocked()
}

// WaitForTask blocks until id is registered, ctx is done or timeout
// elapses. A non-positive timeout waits on ctx alone.
func (h *Hub) WaitForTask(ctx context.Context, id string, timeout time.Duration) error {
	h.mu.Lock()
	if _, ok := h.tasks[id]; ok {
		h.mu.Unlock()
		return nil
	}
	w, ok := h.waiters[id]
	if !ok {
		w = &waiter{ready: make(chan struct{})}
		h.waiters[id] = w
	}
	w.count++
	h.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		h.abandonWait(id, w)
		return ctx.Err()
	case <-expired:
		h.abandonWait(id, w)
		return fmt.Errorf("%w: %s", ErrWaitTimeout, id)
	}
}

// waiter is shared by every WaitForTask call for one unregistered id.
type waiter struct {
	ready chan struct{}
	count int
}

// abandonWait drops the waiter once its last caller has given up.
func (h *Hub) abandonWait(id string, w *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w.count--
	if w.count == 0 && h.waiters[id] == w {
		delete(h.waiters, id)
	}
}

// Task returns a view of the task.
func (h *Hub) Task(id string) (TaskInfo, bool) {
	t, err := h.get(id)
	if err != nil {
		return TaskInfo{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked(), true
}

// Tasks returns a view of every task.
func (h *Hub) Tasks() []TaskInfo {
	h.mu.RLock()
	tasks := make([]*taskContext, 0, len(h.tasks))
	for _, t := range h.tasks {
		tasks = append(tasks, t)
	}
	h.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		infos = append(infos, t.infoLocked())
		t.mu.Unlock()
	}
	return infos
}

// Remove forgets a task and ends its subscriptions.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	t, ok := h.tasks[id]
	delete(h.tasks, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.finishListenersLocked()
	t.mu.Unlock()
}

// RegisterListener subscribes to a task. The returned subscription first
// yields the retained history, then live events, with no gap or duplicate
// between the two.
func (h *Hub) RegisterListener(id string) (*Subscription, error) {
	t, err := h.get(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	backlog := make([]Event, len(t.history))
	copy(backlog, t.history)

	l := newListener(h.nextID.Add(1), backlog)
	if t.status.IsTerminal() {
		l.finish()
	} else {
		t.listeners[l.id] = l
		observability.AddHubListeners(1)
	}

	return &Subscription{TaskID: id, C: l.out, hub: h, l: l}, nil
}

func (h *Hub) detach(taskID string, listenerID uint64) {
	t, err := h.get(taskID)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[listenerID]; ok {
		delete(t.listeners, listenerID)
		observability.AddHubListeners(-1)
	}
}

// PublishEvent appends ev to the task's history and hands it to every
// listener without blocking. Events for a finished task are dropped.
func (h *Hub) PublishEvent(id string, ev Event) error {
	t, err := h.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		h.logger.Debug().
			Str("task_id", id).
			Str("type", string(ev.Type)).
			Msg("Dropping event for finished task")
		return nil
	}
	h.publishLocked(t, ev)
	return nil
}

func (h *Hub) publishLocked(t *taskContext, ev Event) {
	t.seq++
	ev.Seq = t.seq
	ev.TaskID = t.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	if ev.Status == "" {
		ev.Status = t.status
	}

	t.history = append(t.history, ev)
	if over := len(t.history) - h.historyLimit; over > 0 {
		clear(t.history[:over])
		t.history = t.history[over:]
	}
	t.updatedAt = ev.Timestamp

	for _, l := range t.listeners {
		l.push(ev)
	}
	observability.RecordHubEvent(string(ev.Type))
}

// SetStatus moves the task to status and publishes a status event. Setting
// the current status again is a no-op.
func (h *Hub) SetStatus(id string, status Status) error {
	return h.Transition(id, status, Event{Type: EventStatus})
}

// Transition moves the task to status and publishes ev as the event that
// records the change. A terminal status seals the task: ev is its last
// event and every subscription closes once drained.
func (h *Hub) Transition(id string, status Status, ev Event) error {
	t, err := h.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == status && !status.IsTerminal() {
		return nil
	}
	if t.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.status)
	}
	if !CanTransition(t.status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, status)
	}

	h.setStatusLocked(t, status)
	ev.Status = status
	h.publishLocked(t, ev)
	if status.IsTerminal() {
		t.finishListenersLocked()
	}
	return nil
}

func (h *Hub) setStatusLocked(t *taskContext, status Status) {
	h.logger.Debug().
		Str("task_id", t.id).
		Str("from", string(t.status)).
		Str("to", string(status)).
		Msg("Task status changed")
	t.status = status
	t.updatedAt = h.now()
	observability.RecordTaskStatus(string(status))
}

// Cancel flags the task, moves it to CANCELLED and publishes the cancelled
// event at once. Running work observes the flag through IsCancelled.
func (h *Hub) Cancel(id, reason string) error {
	t, err := h.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.status)
	}

	t.cancelled = true
	t.cancelReason = reason
	h.setStatusLocked(t, StatusCancelled)
	h.publishLocked(t, Event{Type: EventCancelled, Status: StatusCancelled, Message: reason})
	t.finishListenersLocked()

	h.logger.Info().Str("task_id", id).Str("reason", reason).Msg("Task cancelled")
	return nil
}

// IsCancelled reports whether Cancel has been called for the task.
func (h *Hub) IsCancelled(id string) bool {
	t, err := h.get(id)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// RecordHumanResponse stores a response for a task waiting on a human,
// moves it to PROCESSING and publishes an acknowledgement.
func (h *Hub) RecordHumanResponse(id, text string) error {
	t, err := h.get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusHumanInLoop {
		return fmt.Errorf("%w: %s is %s, not awaiting human input", ErrInvalidTransition, id, t.status)
	}

	t.humanResponse = text
	h.setStatusLocked(t, StatusProcessing)
	h.publishLocked(t, Event{Type: EventAck, Status: StatusProcessing, Message: "human response received"})
	return nil
}

// HumanResponse returns the last recorded human response.
func (h *Hub) HumanResponse(id string) (string, bool) {
	t, err := h.get(id)
	if err != nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.humanResponse, t.humanResponse != ""
}

// SaveSnapshot stores the latest serialized workflow state for the task.
func (h *Hub) SaveSnapshot(id string, state []byte) error {
	t, err := h.get(id)
	if err != nil {
		return err
	}
	buf := make([]byte, len(state))
	copy(buf, state)

	t.mu.Lock()
	t.lastState = buf
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the latest stored state.
func (h *Hub) Snapshot(id string) ([]byte, bool) {
	t, err := h.get(id)
	if err != nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastState == nil {
		return nil, false
	}
	buf := make([]byte, len(t.lastState))
	copy(buf, t.lastState)
	return buf, true
}

// History returns a copy of the retained events.
func (h *Hub) History(id string) ([]Event, error) {
	t, err := h.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.history))
	copy(out, t.history)
	return out, nil
}

func (t *taskContext) finishListenersLocked() {
	for id, l := range t.listeners {
		l.finish()
		delete(t.listeners, id)
		observability.AddHubListeners(-1)
	}
}

func (t *taskContext) infoLocked() TaskInfo {
	return TaskInfo{
		TaskID:        t.id,
		ThreadID:      t.threadID,
		BaseQuery:     t.baseQuery,
		Status:        t.status,
		Cancelled:     t.cancelled,
		CancelReason:  t.cancelReason,
		HumanResponse: t.humanResponse,
		HistoryLen:    len(t.history),
		Listeners:     len(t.listeners),
		CreatedAt:     t.createdAt,
		UpdatedAt:     t.updatedAt,
	}
}
