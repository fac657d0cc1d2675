package infer

import "time"

// taskNode binds one processor fork into an engine's pipeline. Running
// a node locks the processor, processes the package, then either hands
// the package to the next node or completes the request items.
type taskNode struct {
	proc   Processor
	next   *taskNode
	engine *Engine
	perf   bool
}

func (n *taskNode) run(pkg *Package) {
	descs := pkg.taskDescs()
	alive := false
	for _, d := range descs {
		if !d.ctrl.IsDiscarded() {
			alive = true
			break
		}
	}
	if !alive {
		for _, d := range descs {
			d.ctrl.ProcessFailed(StatusSuccess)
		}
		n.engine.taskDone()
		return
	}

	var waitMs float64
	if n.perf {
		lockStart := time.Now()
		n.proc.Lock()
		waitMs = msSince(lockStart)
	} else {
		n.proc.Lock()
	}
	start := time.Now()
	status := n.proc.Process(pkg)
	n.proc.Unlock()
	if n.perf {
		pkg.recordPerf(n.proc.TypeName(), msSince(start))
		pkg.recordPerf(n.proc.TypeName()+"-WaitLock", waitMs)
	}

	if status != StatusSuccess {
		for _, d := range descs {
			d.ctrl.ProcessFailed(status)
		}
		n.engine.taskDone()
		return
	}
	n.transmit(pkg, descs)
}

// transmit forwards the package downstream, or completes every item
// when this node is the pipeline tail. Tail completion spreads the
// package's stage timings evenly across its items.
func (n *taskNode) transmit(pkg *Package, descs []*taskDesc) {
	if n.next != nil {
		pkg.priority = NextPriority(pkg.priority)
		next := n.next
		n.engine.pool.Push(pkg.priority, func() { next.run(pkg) })
		return
	}

	var itemPerf map[string]float64
	if n.perf && len(pkg.perf) > 0 {
		itemPerf = make(map[string]float64, len(pkg.perf))
		cnt := float64(len(descs))
		for name, ms := range pkg.perf {
			itemPerf[name] = ms / cnt
		}
	}
	for i, d := range descs {
		d.ctrl.ProcessDone(StatusSuccess, pkg.itemData(i), d.index, itemPerf)
	}
	n.engine.taskDone()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
