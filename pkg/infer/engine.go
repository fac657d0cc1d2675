package infer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Engine owns one fork of every pipeline processor and chains them
// into task nodes. Several engines share one thread pool; the dispatch
// loop feeds each package to the least loaded engine.
type Engine struct {
	nodes   []*taskNode
	pool    *ThreadPool
	perf    bool
	taskNum atomic.Int64
	wg      sync.WaitGroup
}

// NewEngine initializes the given processor forks and links them into
// a pipeline over the shared pool.
func NewEngine(procs []Processor, pool *ThreadPool, perf bool) (*Engine, error) {
	if len(procs) == 0 {
		return nil, fmt.Errorf("engine needs at least one processor")
	}
	e := &Engine{pool: pool, perf: perf}
	for _, p := range procs {
		if err := p.Init(); err != nil {
			return nil, fmt.Errorf("init processor %s: %w", p.TypeName(), err)
		}
		e.nodes = append(e.nodes, &taskNode{proc: p, engine: e, perf: perf})
	}
	for i := 0; i < len(e.nodes)-1; i++ {
		e.nodes[i].next = e.nodes[i+1]
	}
	return e, nil
}

// Fork clones every processor and builds a sibling engine on the same
// pool.
func (e *Engine) Fork() (*Engine, error) {
	procs := make([]Processor, len(e.nodes))
	for i, n := range e.nodes {
		f, err := n.proc.Fork()
		if err != nil {
			return nil, fmt.Errorf("fork processor %s: %w", n.proc.TypeName(), err)
		}
		procs[i] = f
	}
	return NewEngine(procs, e.pool, e.perf)
}

// Run schedules the package onto the pipeline head.
func (e *Engine) Run(pkg *Package) {
	e.taskNum.Add(1)
	e.wg.Add(1)
	head := e.nodes[0]
	e.pool.Push(pkg.priority, func() { head.run(pkg) })
}

// Load reports packages currently inside the pipeline.
func (e *Engine) Load() int64 { return e.taskNum.Load() }

// Wait blocks until every in-flight package has completed.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) taskDone() {
	e.taskNum.Add(-1)
	e.wg.Done()
}
