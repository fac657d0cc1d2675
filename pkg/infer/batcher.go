package infer

import (
	"sync"
	"time"
)

// Batcher accumulates items and hands off full batches. A partial
// batch is flushed when the timeout expires, measured from the moment
// the batch received its first item.
type Batcher struct {
	mu        sync.Mutex
	items     []*InferData
	batchSize int
	timeout   time.Duration
	onBatch   func([]*InferData)
	gen       uint64
	timer     *time.Timer
}

// NewBatcher returns a batcher emitting batches of batchSize through
// onBatch. onBatch runs without the batcher lock held.
func NewBatcher(batchSize int, timeout time.Duration, onBatch func([]*InferData)) *Batcher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Batcher{
		batchSize: batchSize,
		timeout:   timeout,
		onBatch:   onBatch,
	}
}

// Add appends one item, emitting when the batch fills.
func (b *Batcher) Add(d *InferData) {
	b.mu.Lock()
	b.items = append(b.items, d)
	if len(b.items) >= b.batchSize {
		batch := b.flushLocked()
		b.mu.Unlock()
		b.onBatch(batch)
		return
	}
	if len(b.items) == 1 && b.timeout > 0 {
		gen := b.gen
		b.timer = time.AfterFunc(b.timeout, func() { b.fire(gen) })
	}
	b.mu.Unlock()
}

// Emit force-flushes whatever has accumulated.
func (b *Batcher) Emit() {
	b.mu.Lock()
	batch := b.flushLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.onBatch(batch)
	}
}

// Size reports items waiting in the current partial batch.
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// fire flushes on timer expiry. A stale generation means the batch it
// was armed for already went out.
func (b *Batcher) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	batch := b.flushLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.onBatch(batch)
	}
}

func (b *Batcher) flushLocked() []*InferData {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.items
	b.items = nil
	return batch
}
