package pool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull  = errors.New("pool: task queue full")
	ErrPoolClosed = errors.New("pool: closed")
)

// Task is a unit of work executed by one worker.
type Task func()

// Pool runs tasks on a fixed set of worker goroutines pulling from a bounded
// FIFO queue.
//
// Close drains: every task accepted by Submit runs exactly once before the
// workers exit.
type Pool struct {
	logger  *zap.Logger
	workers int
	tasks   chan Task
	wg      sync.WaitGroup

	mu     sync.RWMutex // guards closed against sends on a closed channel
	closed bool

	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		rejected  atomic.Uint64
		panicked  atomic.Uint64
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int
	Queued    int
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Panicked  uint64
}

// New starts workers goroutines over a queue holding at most queueSize tasks.
func New(workers, queueSize int, logger *zap.Logger) (*Pool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("pool: invalid queue size %d", queueSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task, queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(i)
	}
	return p, nil
}

// Submit enqueues task. A negative timeout blocks until there is room, zero
// tries once, and a positive timeout waits at most that long before giving
// up with ErrQueueFull.
func (p *Pool) Submit(task Task, timeout time.Duration) error {
	if task == nil {
		return errors.New("pool: nil task")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	switch {
	case timeout < 0:
		p.tasks <- task
	case timeout == 0:
		select {
		case p.tasks <- task:
		default:
			p.stats.rejected.Add(1)
			return ErrQueueFull
		}
	default:
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case p.tasks <- task:
		case <-t.C:
			p.stats.rejected.Add(1)
			return ErrQueueFull
		}
	}
	p.stats.submitted.Add(1)
	return nil
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

// run executes one task; a panic is logged and the worker keeps going.
func (p *Pool) run(id int, task Task) {
	defer func() {
		p.stats.completed.Add(1)
		if r := recover(); r != nil {
			p.stats.panicked.Add(1)
			p.logger.Error("task panicked",
				zap.Int("worker", id),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	task()
}

// Close stops accepting tasks, waits for the queue to drain and joins every
// worker. It is safe to call more than once. Tasks must not call Submit
// while Close is pending.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Submitted: p.stats.submitted.Load(),
		Completed: p.stats.completed.Load(),
		Rejected:  p.stats.rejected.Load(),
		Panicked:  p.stats.panicked.Load(),
	}
}
