package analyzer

import (
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// passPool runs event-triggered analysis passes on a fixed set of workers.
// Submission never blocks the tick path: a full queue rejects the task.
type passPool struct {
	tasks chan func()
	wg    conc.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Uint64
	rejected  atomic.Uint64
	done      atomic.Uint64
}

func newPassPool(workers, queue int) *passPool {
	p := &passPool{tasks: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		p.wg.Go(p.worker)
	}
	return p
}

func (p *passPool) worker() {
	for task := range p.tasks {
		task()
		p.done.Add(1)
	}
}

// submit queues task. It returns false when the pool is stopped or full.
func (p *passPool) submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// stop drains queued tasks and waits for the workers to exit.
func (p *passPool) stop() {
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

// PoolStats contains pass pool counters.
type PoolStats struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Done      uint64 `json:"done"`
	Queued    int    `json:"queued"`
}

func (p *passPool) stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Done:      p.done.Load(),
		Queued:    len(p.tasks),
	}
}
