package container

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// pool runs submitted tasks on a fixed number of workers, first in first out.
// Tasks resubmit themselves after each unit of work, so listeners sharing a
// pool take turns.
type pool struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	group errgroup.Group
}

func newPool(name string, workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{name: name}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *pool) work() error {
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		task()
	}
}

// submit queues task. It returns false once the pool is closed.
func (p *pool) submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.tasks = append(p.tasks, task)
	p.cond.Signal()
	return true
}

// close stops the workers after their current task. Queued tasks are
// dropped.
func (p *pool) close() {
	p.mu.Lock()
	p.closed = true
	p.tasks = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

// wait waits for the workers to stop, for at most timeout. It reports whether
// they did.
func (p *pool) wait(timeout time.Duration) bool {
	return waitTimeout(func() { _ = p.group.Wait() }, timeout)
}

func waitTimeout(wait func(), timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
