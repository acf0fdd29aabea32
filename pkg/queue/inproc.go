package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowdesk/flowdesk/internal/log"
)

type task struct {
	queue   string
	msg     TaskMessage
	attempt int
}

// InProcDispatcher runs tasks on a pool of goroutines inside the same
// process. Suitable for single-instance deployments and tests.
type InProcDispatcher struct {
	tasks       chan task
	workers     int
	maxAttempts int
	backoff     time.Duration

	startOnce sync.Once
	wg        sync.WaitGroup
}

var _ Dispatcher = &InProcDispatcher{}

type InProcOption func(*InProcDispatcher)

func InProcWithWorkers(n int) InProcOption {
	return func(d *InProcDispatcher) {
		d.workers = n
	}
}

func InProcWithMaxAttempts(n int) InProcOption {
	return func(d *InProcDispatcher) {
		d.maxAttempts = n
	}
}

func InProcWithBackoff(b time.Duration) InProcOption {
	return func(d *InProcDispatcher) {
		d.backoff = b
	}
}

func NewInProcDispatcher(opts ...InProcOption) *InProcDispatcher {
	d := &InProcDispatcher{
		tasks:       make(chan task, 1024),
		workers:     4,
		maxAttempts: 3,
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *InProcDispatcher) Enqueue(ctx context.Context, queue string, msg TaskMessage) error {
	select {
	case d.tasks <- task{queue: queue, msg: msg, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker pool. Workers run until ctx is cancelled.
// The handler is passed here rather than at construction so the engine
// can be built with the dispatcher as one of its options.
func (d *InProcDispatcher) Start(ctx context.Context, handler Handler) {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work(ctx, handler)
		}
	})
}

// Wait blocks until all workers have stopped.
func (d *InProcDispatcher) Wait() {
	d.wg.Wait()
}

func (d *InProcDispatcher) work(ctx context.Context, handler Handler) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.tasks:
			err := handler.HandleTask(ctx, t.queue, t.msg)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrReject) {
				log.Error("dropping task on queue %s for step %d: %s", t.queue, t.msg.StepKey, err)
				continue
			}
			if t.attempt >= d.maxAttempts {
				log.Error("task on queue %s for step %d failed after %d attempts: %s", t.queue, t.msg.StepKey, t.attempt, err)
				continue
			}
			log.Warn("task on queue %s for step %d failed, retrying: %s", t.queue, t.msg.StepKey, err)
			t.attempt++
			d.redeliver(ctx, t)
		}
	}
}

func (d *InProcDispatcher) redeliver(ctx context.Context, t task) {
	timer := time.NewTimer(d.backoff * time.Duration(t.attempt-1))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		select {
		case d.tasks <- t:
		case <-ctx.Done():
		}
	}
}
