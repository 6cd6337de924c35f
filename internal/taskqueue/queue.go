// Package taskqueue is a single-consumer task queue (§5): it dispatches
// host-facing callbacks — broadcast-failed, in particular — off whichever
// goroutine (heartbeat loop, long-poll loop, negotiator) detected the
// condition, so a slow or reentrant host callback can never block the
// broadcast controller's internal loops.
package taskqueue

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/caffeinetv/libcaffeine-go/internal/logging"
)

var log = logging.L("taskqueue")

// Task is a unit of work submitted to the queue.
type Task func()

// Queue runs submitted tasks one at a time, in submission order, on a
// single dedicated goroutine — the Instance Facade's way of guaranteeing a
// host callback never runs concurrently with another, and never on the
// thread that detected the condition triggering it.
type Queue struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
}

// New creates a single-consumer queue with the given backlog size.
func New(queueSize int) *Queue {
	if queueSize < 1 {
		queueSize = 1
	}

	q := &Queue{
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
	}
	q.accepting.Store(true)

	go q.consume()

	log.Info("task queue started", "queueSize", queueSize)
	return q
}

// Submit enqueues a task. Returns false if the queue is stopped or full.
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (q *Queue) Submit(task Task) bool {
	if !q.accepting.Load() {
		return false
	}

	q.wg.Add(1)
	select {
	case q.queue <- task:
		return true
	default:
		q.wg.Done() // undo the Add since the task was not enqueued
		log.Warn("task queue full, callback dropped")
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (q *Queue) StopAccepting() {
	q.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting
// ctx's deadline. Call StopAccepting first to prevent new submissions.
func (q *Queue) Drain(ctx context.Context) {
	q.stopOnce.Do(func() { close(q.stopChan) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("task queue drained")
	case <-ctx.Done():
		log.Warn("task queue drain timed out")
	}

	q.closeOnce.Do(func() { close(q.queue) })
}

func (q *Queue) consume() {
	for {
		select {
		case task, ok := <-q.queue:
			if !ok {
				return
			}
			q.runTask(task)
		case <-q.stopChan:
			for {
				select {
				case task, ok := <-q.queue:
					if !ok {
						return
					}
					q.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) runTask(task Task) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
