package infer

import (
	"sync"
	"time"
)

// Cache regroups request items into batch-sized packages for an
// executor's dispatch loop. Push fans a request out according to the
// batch strategy; Pop hands ready packages to the dispatcher, dropping
// items whose request was discarded while they waited.
type Cache interface {
	// Push accepts one request. It reports false when the input does
	// not fit the strategy.
	Push(req *Package, ctrl *RequestControl) bool
	// Pop blocks until a package is ready, the timeout fires, or the
	// cache stops with an empty queue. Zero timeout waits forever.
	Pop(timeout time.Duration) *Package
	// WaitIfFull blocks while the ready queue is at capacity. It
	// reports false when the timeout fires first.
	WaitIfFull(timeout time.Duration) bool
	// Flush force-emits any partial batch being accumulated.
	Flush()
	// Stop wakes all waiters. Queued packages remain poppable.
	Stop()

	BatchSize() int
	Depth() int
}

// NewCache builds a cache for the given strategy. timeout only applies
// to the dynamic strategy's partial-batch flush.
func NewCache(strategy BatchStrategy, batchSize int, timeout time.Duration, capacity int, prio Priority) Cache {
	if batchSize < 1 {
		batchSize = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	newBase := func() cacheBase {
		return cacheBase{
			batchSize: batchSize,
			capacity:  capacity,
			prio:      prio,
			notEmpty:  make(chan struct{}),
			notFull:   make(chan struct{}),
		}
	}
	switch strategy {
	case StrategyStatic:
		return &cacheStatic{cacheBase: newBase()}
	case StrategySequence:
		return &cacheSequence{cacheStatic: cacheStatic{cacheBase: newBase()}}
	default:
		c := &cacheDynamic{cacheBase: newBase()}
		c.batcher = NewBatcher(batchSize, timeout, c.onBatch)
		return c
	}
}

type cacheBase struct {
	mu        sync.Mutex
	queue     []*Package
	batchSize int
	capacity  int
	prio      Priority
	stopped   bool
	notEmpty  chan struct{}
	notFull   chan struct{}
}

func (c *cacheBase) BatchSize() int { return c.batchSize }

func (c *cacheBase) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *cacheBase) Flush() {}

func (c *cacheBase) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.wakeLocked()
	c.mu.Unlock()
}

// wakeLocked broadcasts to every waiter by closing and replacing the
// notification channels.
func (c *cacheBase) wakeLocked() {
	close(c.notEmpty)
	c.notEmpty = make(chan struct{})
	close(c.notFull)
	c.notFull = make(chan struct{})
}

func (c *cacheBase) enqueue(pkg *Package) {
	c.mu.Lock()
	c.queue = append(c.queue, pkg)
	c.wakeLocked()
	c.mu.Unlock()
}

func (c *cacheBase) WaitIfFull(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		c.mu.Lock()
		if c.stopped || len(c.queue) < c.capacity {
			c.mu.Unlock()
			return true
		}
		ch := c.notFull
		c.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// pop implements the shared Pop loop; sweep runs with the lock held
// and removes packages invalidated by discarded requests.
func (c *cacheBase) pop(timeout time.Duration, sweep func()) *Package {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			sweep()
		}
		if len(c.queue) > 0 {
			pkg := c.queue[0]
			c.queue = c.queue[1:]
			c.wakeLocked()
			c.mu.Unlock()
			return pkg
		}
		if c.stopped {
			c.mu.Unlock()
			return nil
		}
		ch := c.notEmpty
		c.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return nil
		}
	}
}

// cacheDynamic mixes items from different requests into shared batches
// through a timed batcher.
type cacheDynamic struct {
	cacheBase
	batcher *Batcher
}

func (c *cacheDynamic) Push(req *Package, ctrl *RequestControl) bool {
	if len(req.Data) == 0 {
		return false
	}
	if len(req.Data) == 1 && req.DataNum > 1 {
		// continuous blobs cannot be mixed across requests
		return false
	}
	for i, d := range req.Data {
		d.desc = &taskDesc{ctrl: ctrl, index: i}
		c.batcher.Add(d)
	}
	return true
}

func (c *cacheDynamic) onBatch(items []*InferData) {
	pkg := &Package{
		Data:     items,
		priority: c.prio.Get(-items[0].desc.ctrl.RequestID()),
	}
	c.enqueue(pkg)
}

func (c *cacheDynamic) Flush() { c.batcher.Emit() }

func (c *cacheDynamic) Pop(timeout time.Duration) *Package {
	return c.pop(timeout, c.sweepLocked)
}

// sweepLocked drops discarded items from the whole queue. Survivors
// are regrouped into fresh batch-sized packages so batches stay dense.
func (c *cacheDynamic) sweepLocked() {
	dirty := false
	for _, pkg := range c.queue {
		for _, d := range pkg.Data {
			if d.desc.ctrl.IsDiscarded() {
				dirty = true
				break
			}
		}
		if dirty {
			break
		}
	}
	if !dirty {
		return
	}
	var live []*InferData
	for _, pkg := range c.queue {
		for _, d := range pkg.Data {
			if d.desc.ctrl.IsDiscarded() {
				d.desc.ctrl.ProcessFailed(StatusSuccess)
			} else {
				live = append(live, d)
			}
		}
	}
	c.queue = c.queue[:0]
	for start := 0; start < len(live); start += c.batchSize {
		end := min(start+c.batchSize, len(live))
		batch := live[start:end]
		c.queue = append(c.queue, &Package{
			Data:     batch,
			priority: c.prio.Get(-batch[0].desc.ctrl.RequestID()),
		})
	}
}

// cacheStatic splits each request into batch-sized packages up front
// and never mixes requests.
type cacheStatic struct {
	cacheBase
}

func (c *cacheStatic) Push(req *Package, ctrl *RequestControl) bool {
	if len(req.Data) == 0 {
		return false
	}
	if len(req.Data) == 1 && req.DataNum > 1 {
		c.enqueue(c.continuousPackage(req, ctrl, c.prio.Get(-ctrl.RequestID())))
		return true
	}
	for _, pkg := range c.split(req, ctrl, c.prio.Get(-ctrl.RequestID())) {
		c.enqueue(pkg)
	}
	return true
}

// continuousPackage keeps the single blob intact while fanning out one
// desc per logical item, all sharing the request control.
func (c *cacheBase) continuousPackage(req *Package, ctrl *RequestControl, key int64) *Package {
	req.Data[0].desc = &taskDesc{ctrl: ctrl, index: 0}
	descs := make([]*taskDesc, req.DataNum)
	for i := range descs {
		descs[i] = &taskDesc{ctrl: ctrl, index: i}
	}
	return &Package{
		Data:     req.Data,
		Tag:      req.Tag,
		DataNum:  req.DataNum,
		descs:    descs,
		priority: key,
	}
}

func (c *cacheBase) split(req *Package, ctrl *RequestControl, key int64) []*Package {
	var out []*Package
	for start := 0; start < len(req.Data); start += c.batchSize {
		end := min(start+c.batchSize, len(req.Data))
		sub := req.Data[start:end]
		for i, d := range sub {
			d.desc = &taskDesc{ctrl: ctrl, index: start + i}
		}
		out = append(out, &Package{
			Data:     sub,
			Tag:      req.Tag,
			priority: key,
		})
	}
	return out
}

func (c *cacheStatic) Pop(timeout time.Duration) *Package {
	return c.pop(timeout, c.sweepLocked)
}

// sweepLocked drops whole packages belonging to discarded requests.
// Packages never mix requests here, so checking the first item covers
// the package.
func (c *cacheStatic) sweepLocked() {
	kept := c.queue[:0]
	for _, pkg := range c.queue {
		if pkg.Data[0].desc.ctrl.IsDiscarded() {
			for _, d := range pkg.taskDescs() {
				d.ctrl.ProcessFailed(StatusSuccess)
			}
			continue
		}
		kept = append(kept, pkg)
	}
	c.queue = kept
}

// cacheSequence splits like the static strategy but keys dispatch off
// cache arrival order so packages cannot overtake each other in the
// thread pool.
type cacheSequence struct {
	cacheStatic
	seq int64
}

func (c *cacheSequence) Push(req *Package, ctrl *RequestControl) bool {
	if len(req.Data) == 0 {
		return false
	}
	if len(req.Data) == 1 && req.DataNum > 1 {
		c.mu.Lock()
		c.seq++
		key := c.prio.Get(-c.seq)
		c.mu.Unlock()
		c.enqueue(c.continuousPackage(req, ctrl, key))
		return true
	}
	pkgs := c.splitSequenced(req, ctrl)
	for _, pkg := range pkgs {
		c.enqueue(pkg)
	}
	return true
}

func (c *cacheSequence) splitSequenced(req *Package, ctrl *RequestControl) []*Package {
	var out []*Package
	for start := 0; start < len(req.Data); start += c.batchSize {
		end := min(start+c.batchSize, len(req.Data))
		sub := req.Data[start:end]
		for i, d := range sub {
			d.desc = &taskDesc{ctrl: ctrl, index: start + i}
		}
		c.mu.Lock()
		c.seq++
		key := c.prio.Get(-c.seq)
		c.mu.Unlock()
		out = append(out, &Package{
			Data:     sub,
			Tag:      req.Tag,
			priority: key,
		})
	}
	return out
}
