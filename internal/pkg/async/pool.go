// Package async provides a fixed-size worker pool for fire-and-forget
// background work.
package async

import "sync"

// Pool runs submitted tasks on a fixed set of workers. Submission never
// blocks: when the queue is full the task is rejected instead of stalling
// the caller.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts the given number of workers draining a queue of the given
// depth.
func NewPool(workers, depth int) *Pool {
	p := &Pool{tasks: make(chan func(), depth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues a task, reporting whether it was accepted.
func (p *Pool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for queued work to finish. Submit
// must not be called after Close.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
