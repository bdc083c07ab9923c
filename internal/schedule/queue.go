// Package schedule implements the self-scheduling follow-up queue. The
// agent (or any other component) enqueues a prompt with a delay; when
// the delay elapses the queue emits a scheduled event through the same
// handler the trigger drivers use.
package schedule

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vladkesler/agentd/internal/events"
	"github.com/vladkesler/agentd/internal/trigger"
)

// ErrCapacity is returned when the queue holds its maximum number of
// pending tasks.
var ErrCapacity = errors.New("schedule queue at capacity")

// Task is one pending follow-up.
type Task struct {
	ID        string
	Prompt    string
	FireAt    time.Time
	Metadata  map[string]string
	CreatedAt time.Time

	timer *time.Timer
}

// Queue holds pending follow-ups keyed by task id, each backed by its
// own timer. Firing and cancelling race safely: whichever side removes
// the map entry first wins.
type Queue struct {
	handler  trigger.Handler
	bus      *events.Bus
	logger   *slog.Logger
	maxTotal int

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewQueue creates an empty queue that delivers fired tasks to handler.
// The bus may be nil.
func NewQueue(maxTotal int, handler trigger.Handler, bus *events.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		handler:  handler,
		bus:      bus,
		logger:   logger,
		maxTotal: maxTotal,
		tasks:    map[string]*Task{},
	}
}

// Schedule enqueues a prompt to fire after delay. Returns the task id,
// or ErrCapacity when the queue is full.
func (q *Queue) Schedule(prompt string, delay time.Duration, metadata map[string]string) (string, error) {
	return q.ScheduleAt(prompt, time.Now().Add(delay), metadata)
}

// ScheduleAt enqueues a prompt to fire at an absolute time. Times in
// the past fire immediately.
func (q *Queue) ScheduleAt(prompt string, at time.Time, metadata map[string]string) (string, error) {
	id, err := newTaskID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) >= q.maxTotal {
		return "", ErrCapacity
	}

	task := &Task{
		ID:        id,
		Prompt:    prompt,
		FireAt:    at,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	task.timer = time.AfterFunc(time.Until(at), func() { q.fire(id) })
	q.tasks[id] = task

	q.logger.Info("task scheduled",
		"task_id", id,
		"fire_at", at.UTC().Format(time.RFC3339),
	)
	q.publish(events.KindTaskScheduled, id)
	return id, nil
}

// fire delivers one task. A task cancelled after its timer popped but
// before this ran is simply absent from the map.
func (q *Queue) fire(id string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if ok {
		delete(q.tasks, id)
	}
	q.mu.Unlock()

	if !ok {
		return
	}

	q.logger.Info("task fired", "task_id", id)
	q.publish(events.KindTaskFired, id)

	meta := map[string]string{"scheduled_task_id": id}
	for k, v := range task.Metadata {
		meta[k] = v
	}
	q.handler(trigger.NewEvent(trigger.TypeScheduled, task.Prompt, meta))
}

// Cancel removes one pending task. Returns false when the id is
// unknown or the task already fired.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if ok {
		delete(q.tasks, id)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	task.timer.Stop()
	q.logger.Info("task cancelled", "task_id", id)
	q.publish(events.KindTaskCancelled, id)
	return true
}

// CancelAll drops every pending task and returns how many were
// cancelled. Used at shutdown so no timer fires into a dead handler.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = map[string]*Task{}
	q.mu.Unlock()

	for _, t := range tasks {
		t.timer.Stop()
		q.publish(events.KindTaskCancelled, t.ID)
	}
	if len(tasks) > 0 {
		q.logger.Info("all pending tasks cancelled", "count", len(tasks))
	}
	return len(tasks)
}

// Pending returns the number of tasks waiting to fire.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Tasks returns a snapshot of the pending tasks, unordered.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

func (q *Queue) publish(kind events.Kind, taskID string) {
	q.bus.Publish(events.Event{
		Source: "schedule",
		Kind:   kind,
		Detail: taskID,
	})
}

// newTaskID returns a short random hex id, 12 characters.
func newTaskID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
