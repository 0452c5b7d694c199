// Package queue provides a dependency-aware priority queue of tasks.
//
// Ordering is priority descending; tasks with equal priority leave in the
// order they were (re-)enqueued. A task is ready only when every dependency
// has been marked complete. Failed dependencies never count as satisfied.
package queue

import (
	"errors"
	"sort"
	"sync"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

var (
	// ErrEmpty means no task is queued.
	ErrEmpty = errors.New("queue is empty")
	// ErrNoneReady means tasks are queued but all wait on dependencies.
	ErrNoneReady = errors.New("no task is ready")
)

// Task is a unit of schedulable work.
type Task struct {
	ID           string
	Description  string
	Priority     int
	Dependencies []string
	Status       Status
	Result       any

	seq uint64
}

// Queue is safe for concurrent use, though the control loop is expected to
// be its only writer.
type Queue struct {
	mu        sync.Mutex
	pending   []*Task
	history   map[string]*Task
	completed map[string]bool
	failed    map[string]bool
	seq       uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		history:   make(map[string]*Task),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}
}

// Enqueue inserts t, or replaces a queued task with the same ID.
// The task is reset to pending.
func (q *Queue) Enqueue(t Task) {
	q.enqueue(t, nil)
}

// EnqueueWithPriority is Enqueue with t.Priority overridden by p.
func (q *Queue) EnqueueWithPriority(t Task, p int) {
	q.enqueue(t, &p)
}

func (q *Queue) enqueue(t Task, priority *int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if priority != nil {
		t.Priority = *priority
	}
	t.Status = StatusPending
	t.Dependencies = append([]string(nil), t.Dependencies...)
	q.seq++
	t.seq = q.seq

	for i, existing := range q.pending {
		if existing.ID == t.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.failed, t.ID)
	delete(q.completed, t.ID)

	task := &t
	q.pending = append(q.pending, task)
	q.history[t.ID] = task
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority > q.pending[j].Priority
		}
		return q.pending[i].seq < q.pending[j].seq
	})
}

func (q *Queue) ready(t *Task) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

func (q *Queue) next() (int, error) {
	if len(q.pending) == 0 {
		return -1, ErrEmpty
	}
	for i, t := range q.pending {
		if q.ready(t) {
			return i, nil
		}
	}
	return -1, ErrNoneReady
}

// Dequeue removes and returns the highest-priority ready task, now marked
// running.
func (q *Queue) Dequeue() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.next()
	if err != nil {
		return Task{}, err
	}
	t := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	t.Status = StatusRunning
	return t.clone(), nil
}

// Peek returns the task Dequeue would return without removing it.
func (q *Queue) Peek() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.next()
	if err != nil {
		return Task{}, err
	}
	return q.pending[i].clone(), nil
}

// MarkComplete records id as complete. Unknown ids are accepted so callers
// can seed work finished elsewhere.
func (q *Queue) MarkComplete(id string, result any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.completed[id] = true
	delete(q.failed, id)
	if t, ok := q.history[id]; ok {
		t.Status = StatusComplete
		t.Result = result
	}
}

// MarkFailed records id as failed. Dependants stay blocked.
func (q *Queue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markFailed(id)
}

func (q *Queue) markFailed(id string) {
	q.failed[id] = true
	delete(q.completed, id)
	if t, ok := q.history[id]; ok {
		t.Status = StatusFailed
	}
}

// FailBlocked removes every queued task that depends, directly or through
// other queued tasks, on a failed task, marks them failed and returns them.
func (q *Queue) FailBlocked() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Task
	for changed := true; changed; {
		changed = false
		kept := q.pending[:0]
		for _, t := range q.pending {
			if q.blockedByFailure(t) {
				q.markFailed(t.ID)
				removed = append(removed, t.clone())
				changed = true
				continue
			}
			kept = append(kept, t)
		}
		q.pending = kept
	}
	return removed
}

func (q *Queue) blockedByFailure(t *Task) bool {
	for _, dep := range t.Dependencies {
		if q.failed[dep] {
			return true
		}
	}
	return false
}

// Drain removes every queued task, marks it failed and returns it.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.pending))
	for _, t := range q.pending {
		q.markFailed(t.ID)
		out = append(out, t.clone())
	}
	q.pending = nil
	return out
}

// Size counts tasks not yet dequeued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsEmpty reports whether Size is zero.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Dependencies returns the dependency ids of a known task.
func (q *Queue) Dependencies(id string) ([]string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.history[id]
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.Dependencies...), true
}

// Satisfied reports whether every dependency of id is complete.
func (q *Queue) Satisfied(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.history[id]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

// Get returns the latest known state of a task, dequeued or not.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.history[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

func (t *Task) clone() Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return c
}
