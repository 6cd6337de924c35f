package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubmitRunsTasksInOrder(t *testing.T) {
	q := New(4)
	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		if !q.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			t.Fatalf("expected Submit %d to succeed", i)
		}
	}

	q.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Drain(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("expected tasks run in submission order [0 1 2], got %v", order)
	}
}

func TestSubmitAfterStopAcceptingIsRejected(t *testing.T) {
	q := New(1)
	q.StopAccepting()
	if q.Submit(func() {}) {
		t.Error("expected Submit to fail once StopAccepting has been called")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Drain(ctx)
}

func TestSubmitRejectedWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	q := New(1)
	defer func() {
		close(block)
		q.StopAccepting()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Drain(ctx)
	}()

	if !q.Submit(func() { <-block }) {
		t.Fatal("expected first submit (consumed immediately by the single worker) to succeed")
	}
	// Give the consumer goroutine a moment to pick up the blocking task.
	time.Sleep(20 * time.Millisecond)

	if !q.Submit(func() {}) {
		t.Fatal("expected second submit to fill the 1-deep backlog")
	}
	if q.Submit(func() {}) {
		t.Error("expected third submit to be rejected: queue full")
	}
}

func TestCallbackPanicDoesNotStopTheQueue(t *testing.T) {
	q := New(2)
	q.Submit(func() { panic("boom") })

	done := make(chan struct{})
	q.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the queue to keep running a task submitted after a panicking one")
	}

	q.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Drain(ctx)
}
