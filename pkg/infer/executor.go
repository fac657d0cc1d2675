package infer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kunal/infer-server/pkg/logging"
	"github.com/kunal/infer-server/pkg/model"
)

// SessionDesc describes the pipeline a session runs on. Sessions with
// matching pipelines share one executor.
type SessionDesc struct {
	// Name labels the session in logs and perf output. Left empty, the
	// facade derives one.
	Name     string
	Strategy BatchStrategy
	// BatchSize defaults to the model's batch size when zero.
	BatchSize int
	// BatchTimeout bounds how long the dynamic strategy holds a
	// partial batch.
	BatchTimeout time.Duration
	// Priority orders this session's work against other sessions on
	// the same device, higher first. Clipped to [0, 100].
	Priority  int
	EngineNum int
	ShowPerf  bool

	Model    model.Model
	Preproc  Processor
	Postproc Processor
}

// signature identifies the pipeline for executor dedup: sessions with
// the same model, function and processor types share one executor.
func (d *SessionDesc) signature() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		d.Model.URI(), d.Model.FuncName(),
		d.Preproc.TypeName(), d.Postproc.TypeName())
}

// Executor owns the cache and engines behind one pipeline shape and
// runs the dispatch loop feeding ready packages to the least loaded
// engine.
type Executor struct {
	name      string
	desc      SessionDesc
	batchSize int
	cache     Cache
	engines   []*Engine
	pool      *ThreadPool
	log       *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[*Session]struct{}

	done chan struct{}
}

func newExecutor(desc *SessionDesc, pool *ThreadPool) (*Executor, error) {
	if desc.Model == nil {
		return nil, fmt.Errorf("session descriptor has no model")
	}
	if desc.Preproc == nil || desc.Postproc == nil {
		return nil, fmt.Errorf("session descriptor is missing a processor")
	}
	batchSize := desc.BatchSize
	if batchSize <= 0 {
		batchSize = desc.Model.BatchSize()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	engineNum := desc.EngineNum
	if engineNum < 1 {
		engineNum = 1
	}

	e := &Executor{
		name:      desc.signature(),
		desc:      *desc,
		batchSize: batchSize,
		pool:      pool,
		log:       logging.Named("executor"),
		sessions:  make(map[*Session]struct{}),
		done:      make(chan struct{}),
	}
	e.cache = NewCache(desc.Strategy, batchSize, desc.BatchTimeout,
		3*engineNum, NewPriority(desc.Priority))

	protos := []Processor{desc.Preproc, NewPredictor(desc.Model), desc.Postproc}
	first, err := forkAll(protos, pool, desc.ShowPerf)
	if err != nil {
		return nil, err
	}
	e.engines = append(e.engines, first)
	for i := 1; i < engineNum; i++ {
		eng, err := first.Fork()
		if err != nil {
			return nil, fmt.Errorf("fork engine %d: %w", i, err)
		}
		e.engines = append(e.engines, eng)
	}

	go e.dispatch()
	e.log.Infof("🚀 executor up: model=%s batch=%d engines=%d strategy=%s",
		desc.Model.URI(), batchSize, engineNum, desc.Strategy)
	return e, nil
}

func forkAll(protos []Processor, pool *ThreadPool, perf bool) (*Engine, error) {
	procs := make([]Processor, len(protos))
	for i, p := range protos {
		f, err := p.Fork()
		if err != nil {
			return nil, fmt.Errorf("fork processor %s: %w", p.TypeName(), err)
		}
		procs[i] = f
	}
	return NewEngine(procs, pool, perf)
}

// EngineNum reports how many engines this executor runs.
func (e *Executor) EngineNum() int { return len(e.engines) }

// BatchSize reports the effective batch size.
func (e *Executor) BatchSize() int { return e.batchSize }

// Cache exposes the executor's batching cache.
func (e *Executor) Cache() Cache { return e.cache }

func (e *Executor) link(s *Session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
}

// unlink detaches a session and reports how many remain.
func (e *Executor) unlink(s *Session) int {
	e.mu.Lock()
	delete(e.sessions, s)
	n := len(e.sessions)
	e.mu.Unlock()
	return n
}

func (e *Executor) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// dispatch pops ready packages and feeds the least loaded engine until
// the cache stops and drains.
func (e *Executor) dispatch() {
	defer close(e.done)
	for {
		pkg := e.cache.Pop(0)
		if pkg == nil {
			return
		}
		eng := e.leastLoaded()
		metricBatchesTotal.WithLabelValues(e.name).Inc()
		metricBatchSize.WithLabelValues(e.name).Observe(float64(len(pkg.Data)))
		metricQueueDepth.WithLabelValues(e.name).Set(float64(e.cache.Depth()))
		eng.Run(pkg)
	}
}

func (e *Executor) leastLoaded() *Engine {
	best := e.engines[0]
	load := best.Load()
	for _, eng := range e.engines[1:] {
		if l := eng.Load(); l < load {
			best, load = eng, l
		}
	}
	return best
}

// Stop flushes the cache, ends the dispatch loop and waits for every
// in-flight package to drain.
func (e *Executor) Stop() {
	e.cache.Flush()
	e.cache.Stop()
	<-e.done
	for _, eng := range e.engines {
		eng.Wait()
	}
	e.log.Infof("🧹 executor down: model=%s", e.desc.Model.URI())
}
