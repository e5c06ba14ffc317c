package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("pool closed")

// Pool runs jobs on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	name      string
	jobs      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
	logger    *zap.Logger
}

// NewPool starts size goroutines reading from a queue of queueSize jobs.
func NewPool(name string, size, queueSize int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 10
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		name:   name,
		jobs:   make(chan func(), queueSize),
		closed: make(chan struct{}),
		logger: logger,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.closed:
			// drain what was queued before Close
			for {
				select {
				case job := <-p.jobs:
					p.run(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(job func()) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("pool job panicked", zap.String("pool", p.name), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit queues job, blocking while the queue is full until ctx ends.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.closed:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of jobs currently running.
func (p *Pool) Active() int64 { return p.active.Load() }

// QueueDepth returns the number of queued jobs not yet started.
func (p *Pool) QueueDepth() int { return len(p.jobs) }

// Completed returns the number of jobs that finished.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Close stops accepting jobs, runs what is queued and waits for the
// goroutines to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}
