package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/log"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one long-running operation (sync, import, export) executed
// off the request path. Its ID doubles as the progress-bus client
// token, so subscribers follow the task by subscribing to the ID.
type Task struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Runner executes tasks on worker goroutines and publishes their
// progress. Producers never block on slow subscribers; the bus drops
// events for full buffers.
type Runner struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// NewRunner creates a task runner publishing to bus.
func NewRunner(bus *events.Bus) *Runner {
	return &Runner{
		bus:    bus,
		logger: log.WithComponent("worker"),
		tasks:  make(map[string]*Task),
	}
}

// Run starts fn on a worker goroutine and returns the task handle
// immediately. fn receives a progress reporter bound to the task ID.
func (r *Runner) Run(kind string, fn func(progress *events.Reporter) error) *Task {
	task := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    TaskStatusRunning,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		progress := events.NewReporter(r.bus, task.ID)
		err := fn(progress)

		r.mu.Lock()
		task.FinishedAt = time.Now()
		if err != nil {
			task.Status = TaskStatusFailed
			task.Error = err.Error()
		} else {
			task.Status = TaskStatusCompleted
		}
		r.mu.Unlock()

		if err != nil {
			progress.Error(err.Error())
			r.logger.Error().Err(err).Str("task_id", task.ID).Str("kind", kind).Msg("task failed")
		} else {
			r.logger.Info().Str("task_id", task.ID).Str("kind", kind).Msg("task completed")
		}
	}()

	r.logger.Info().Str("task_id", task.ID).Str("kind", kind).Msg("task started")
	return task
}

// Get returns a task by ID.
func (r *Runner) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, errdefs.NotFound("task %s", id)
	}
	copied := *task
	return &copied, nil
}

// List returns all known tasks, newest first.
func (r *Runner) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Wait blocks until every running task finishes. Shutdown path.
func (r *Runner) Wait() {
	r.wg.Wait()
}
