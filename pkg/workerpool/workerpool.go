package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/andrej220/fleetrun/internal/lg"
)

const TotalMaxWorkers = 10

var ErrStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs submitted jobs on at most maxWorkers goroutines. Jobs beyond the
// limit wait in submission order.
type Pool[T any] struct {
	jobs       chan Job[T]
	group      errgroup.Group
	active     atomic.Int32
	maxWorkers int

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	p := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		maxWorkers: maxWorkers,
		done:       make(chan struct{}),
	}
	p.group.SetLimit(maxWorkers)
	go p.dispatch()
	return p
}

// Submit queues job. It blocks while the queue is full and fails once Stop
// has been called.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		lg.FromContext(job.Ctx).Warn("worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrStopped
	}
	p.jobs <- job
	return nil
}

// Stop rejects new jobs and waits for queued and running ones to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Pool[T]) dispatch() {
	defer close(p.done)
	for job := range p.jobs {
		p.group.Go(func() error {
			p.worker(job)
			return nil
		})
	}
	p.group.Wait()
}

func (p *Pool[T]) worker(job Job[T]) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Debug("worker started", lg.Int32("workers", n))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Error("worker error", lg.Err(err))
		return
	}
	logger.Debug("worker finished", lg.Int32("workers", p.active.Load()-1))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return p.active.Load()
}

func (p *Pool[T]) MaxWorkers() int {
	return p.maxWorkers
}
