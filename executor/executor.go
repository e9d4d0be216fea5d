// Package executor runs submitted work on a fixed pool of goroutines and
// hands results back through futures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrExecution resolves futures whose task was rejected or dropped
	// because the executor is shutting down, and futures whose task
	// panicked.
	ErrExecution = errors.New("execution failed")

	// ErrShutdown marks futures whose task never ran because the executor
	// was shut down. It always comes wrapped together with ErrExecution.
	ErrShutdown = errors.New("executor shut down")
)

func shutdownError() error {
	return fmt.Errorf("%w: %w", ErrExecution, ErrShutdown)
}

// Future is the pending result of a submitted task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result or for ctx to end.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	fn     func() (any, error)
	future *Future
}

// Executor is a bounded worker pool.
type Executor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []task
	shutdown bool
	workers  int
	wg       sync.WaitGroup
}

// New starts an executor with the given number of workers (at least one).
func New(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{workers: workers}
	e.cond = sync.NewCond(&e.mu)

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}

	logrus.WithFields(logrus.Fields{
		"function": "executor.New",
		"workers":  workers,
	}).Debug("Executor started")

	return e
}

// Submit queues fn. After Shutdown the returned future is already resolved
// with ErrExecution.
func (e *Executor) Submit(fn func() (any, error)) *Future {
	f := newFuture()

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		f.resolve(nil, shutdownError())
		return f
	}
	e.queue = append(e.queue, task{fn: fn, future: f})
	e.cond.Signal()
	e.mu.Unlock()

	return f
}

// Shutdown stops accepting work, fails queued tasks with ErrExecution and
// waits for running tasks to return.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.shutdown = true
	dropped := e.queue
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, t := range dropped {
		t.future.resolve(nil, shutdownError())
	}

	e.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":      "Executor.Shutdown",
		"dropped_tasks": len(dropped),
	}).Debug("Executor stopped")
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.shutdown {
			e.cond.Wait()
		}
		if e.shutdown {
			e.mu.Unlock()
			return
		}
		t := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(t)
	}
}

func (e *Executor) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Executor.run",
				"panic":    fmt.Sprint(r),
			}).Error("Task panicked")
			t.future.resolve(nil, fmt.Errorf("%w: task panicked: %v", ErrExecution, r))
		}
	}()
	value, err := t.fn()
	t.future.resolve(value, err)
}
