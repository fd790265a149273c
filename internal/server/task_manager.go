package server

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/linksage/pkg/train"
)

// TaskStatus defines the possible states of a training task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// errTaskRunning is returned when a training task is already in flight.
var errTaskRunning = errors.New("a training task is already running")

// TaskView is the JSON form of a task.
type TaskView struct {
	ID         string        `json:"id"`
	Status     TaskStatus    `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Error      string        `json:"error,omitempty"`
	Result     *TrainSummary `json:"result,omitempty"`
}

// Task is one asynchronous training run started through the API.
type Task struct {
	mu   sync.RWMutex
	view TaskView
}

// TrainSummary is a train.Result without the per-epoch history. Metrics that
// were never measured are omitted.
type TrainSummary struct {
	RunID      string   `json:"run_id"`
	State      string   `json:"state"`
	Epochs     int      `json:"epochs"`
	BestEpoch  int      `json:"best_epoch"`
	BestLoss   *float64 `json:"best_loss,omitempty"`
	BestAUC    *float64 `json:"best_auc,omitempty"`
	Checkpoint string   `json:"checkpoint,omitempty"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func summarize(r *train.Result) *TrainSummary {
	if r == nil {
		return nil
	}
	return &TrainSummary{
		RunID:      r.RunID,
		State:      string(r.State),
		Epochs:     r.Epochs,
		BestEpoch:  r.BestEpoch,
		BestLoss:   finite(r.BestLoss),
		BestAUC:    finite(r.BestAUC),
		Checkpoint: r.Checkpoint,
	}
}

// View copies the task state.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view
}

func (t *Task) finish(res *train.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.FinishedAt = time.Now()
	t.view.Result = summarize(res)
	if err != nil {
		t.view.Status = TaskStatusFailed
		t.view.Error = err.Error()
		return
	}
	t.view.Status = TaskStatusCompleted
}

// TaskManager runs at most one training task at a time and remembers
// finished ones.
type TaskManager struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	running *Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTaskManager creates an empty manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: make(map[string]*Task)}
}

// Start launches fn in the background under a new task.
func (tm *TaskManager) Start(fn func(ctx context.Context) (*train.Result, error)) (*Task, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running != nil {
		return nil, errTaskRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{view: TaskView{ID: uuid.NewString(), Status: TaskStatusRunning, StartedAt: time.Now()}}
	tm.tasks[task.view.ID] = task
	tm.running, tm.cancel = task, cancel

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		res, err := fn(ctx)
		task.finish(res, err)
		tm.mu.Lock()
		tm.running, tm.cancel = nil, nil
		tm.mu.Unlock()
		cancel()
	}()
	return task, nil
}

// Get retrieves a task by id.
func (tm *TaskManager) Get(id string) (*Task, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.tasks[id]
	return t, ok
}

// Stop cancels the running task, if any, and waits for it to return.
// A cancelled run writes a checkpoint before it stops.
func (tm *TaskManager) Stop() {
	tm.mu.Lock()
	if tm.cancel != nil {
		tm.cancel()
	}
	tm.mu.Unlock()
	tm.wg.Wait()
}
