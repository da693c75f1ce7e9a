// Package concurrency provides the worker pool that fans rule
// evaluations out across a tick.
package concurrency

import (
	"fmt"
	"time"

	"ttslo/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a pool. Zero values fall back to small defaults so
// a bare config stays safe.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit reject work when the queue is full
	// instead of blocking the caller.
	NonBlocking bool
}

// WorkerPool wraps a pond pool with panic recovery and a scoped
// logger. A panicking task is logged and swallowed, so one rule cannot
// take the whole tick down.
type WorkerPool struct {
	inner  *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds and starts the pool.
func NewWorkerPool(config PoolConfig, logger core.ILogger) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.MaxCapacity <= 0 {
		config.MaxCapacity = 100
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Minute
	}
	scoped := logger.WithField("component", "worker_pool").WithField("pool", config.Name)

	inner := pond.New(config.MaxWorkers, config.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(config.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(v interface{}) {
			scoped.Error("Task panicked", "panic", v)
		}),
	)

	return &WorkerPool{inner: inner, config: config, logger: scoped}
}

// Submit hands one task to the pool. With NonBlocking set, a full
// queue is an error; otherwise the call blocks until a slot frees up.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.inner.TrySubmit(task) {
			return fmt.Errorf("pool %s full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.inner.Submit(task)
	return nil
}

// Group returns a fan-out batch. Wait on the group blocks until every
// task submitted to it has finished.
func (wp *WorkerPool) Group() *pond.TaskGroup {
	return wp.inner.Group()
}

// Stop drains queued work, stops the workers and logs a task summary.
func (wp *WorkerPool) Stop() {
	wp.inner.StopAndWait()
	wp.logger.Debug("Pool stopped",
		"submitted", wp.inner.SubmittedTasks(),
		"completed", wp.inner.SuccessfulTasks(),
		"panicked", wp.inner.FailedTasks())
}
