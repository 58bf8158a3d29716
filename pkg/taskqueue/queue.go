// Package taskqueue provides the asynchronous boundary used by the reactive
// scheduler: a FIFO of tasks consumed by a single logical thread.
//
// Producers call Post from any goroutine. Exactly one consumer drains the
// queue, either by driving it manually with RunOnce/Drain (tests, embedded
// hosts with their own loop) or by calling Run, which blocks and executes
// tasks as they arrive until the context is cancelled.
package taskqueue

import (
	"context"
	"sync"
)

type Task func()

type Queue struct {
	mu    sync.Mutex
	tasks []Task
	// wake is signalled (non-blocking) whenever a task is posted so Run can
	// sleep while the queue is empty.
	wake chan struct{}
}

func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Post appends a task. It never runs the task inline.
func (q *Queue) Post(task func()) {
	if task == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// RunOnce runs one turn: every task that was queued when it was called, in
// order. Tasks posted while the turn runs wait for the next turn.
func (q *Queue) RunOnce() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// Drain runs turns until the queue is empty and returns the number of tasks
// executed.
func (q *Queue) Drain() int {
	total := 0
	for {
		n := q.RunOnce()
		if n == 0 {
			return total
		}
		total += n
	}
}

// Run consumes the queue until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.RunOnce()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}
