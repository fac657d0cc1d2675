package infer

import (
	"container/heap"
	"sync"

	"github.com/kunal/infer-server/pkg/logging"
)

// poolTask pairs a dispatch key with the work to run. seq breaks key
// ties in arrival order.
type poolTask struct {
	key int64
	seq uint64
	fn  func()
}

type taskHeap []poolTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(poolTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// ThreadPool runs queued tasks on a resizable set of workers, smallest
// dispatch key first. Each worker runs an optional init hook before
// accepting work, typically to bind the thread to a device context.
type ThreadPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   taskHeap
	seq     uint64
	workers int
	target  int
	idle    int
	running bool
	initFn  func() error
	wg      sync.WaitGroup
}

// NewThreadPool starts a pool with n workers. initFn may be nil; a
// worker whose init fails exits without ever taking tasks.
func NewThreadPool(initFn func() error, n int) *ThreadPool {
	p := &ThreadPool{
		initFn:  initFn,
		running: true,
	}
	p.cond = sync.NewCond(&p.mu)
	p.Resize(n)
	return p
}

// Push enqueues a task under the given dispatch key.
func (p *ThreadPool) Push(key int64, fn func()) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.seq++
	heap.Push(&p.tasks, poolTask{key: key, seq: p.seq, fn: fn})
	p.mu.Unlock()
	p.cond.Signal()
}

// Resize grows the pool immediately or lets excess workers exit as
// they go idle.
func (p *ThreadPool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	p.target = n
	grow := n - p.workers
	p.workers += max(grow, 0)
	p.mu.Unlock()
	for i := 0; i < grow; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	if grow < 0 {
		p.cond.Broadcast()
	}
}

// Size reports the current worker count.
func (p *ThreadPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// IdleCount reports workers currently waiting for tasks.
func (p *ThreadPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Depth reports queued tasks not yet taken by a worker.
func (p *ThreadPool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Stop drains queued tasks and waits for every worker to exit.
func (p *ThreadPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.running = false
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	if p.initFn != nil {
		if err := p.initFn(); err != nil {
			logging.Named("pool").Warnf("worker init failed, exiting: %v", err)
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
	}
	p.mu.Lock()
	for {
		for p.running && len(p.tasks) == 0 && p.workers <= p.target {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if len(p.tasks) == 0 {
			if !p.running || p.workers > p.target {
				p.workers--
				p.mu.Unlock()
				return
			}
			continue
		}
		if p.workers > p.target {
			p.workers--
			p.mu.Unlock()
			p.cond.Signal()
			return
		}
		t := heap.Pop(&p.tasks).(poolTask)
		p.mu.Unlock()
		t.fn()
		p.mu.Lock()
	}
}
