package infer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordProc appends its tag to a shared trace on every Process call.
type recordProc struct {
	ProcessorBase
	tag    string
	status Status
	mu     *sync.Mutex
	trace  *[]string
	inits  *int
}

func newRecordProc(tag string, status Status, mu *sync.Mutex, trace *[]string, inits *int) *recordProc {
	return &recordProc{
		ProcessorBase: NewProcessorBase(tag),
		tag:           tag,
		status:        status,
		mu:            mu,
		trace:         trace,
		inits:         inits,
	}
}

func (p *recordProc) Init() error {
	p.mu.Lock()
	*p.inits++
	p.mu.Unlock()
	return nil
}

func (p *recordProc) Process(pkg *Package) Status {
	p.mu.Lock()
	*p.trace = append(*p.trace, p.tag)
	p.mu.Unlock()
	return p.status
}

func (p *recordProc) Fork() (Processor, error) {
	return newRecordProc(p.tag, p.status, p.mu, p.trace, p.inits), nil
}

func runnablePackage(ctrl *RequestControl, n int) *Package {
	pkg := &Package{priority: NewPriority(0).Get(0)}
	for i := 0; i < n; i++ {
		pkg.Data = append(pkg.Data, &InferData{
			Payload: i,
			desc:    &taskDesc{ctrl: ctrl, index: i},
		})
	}
	return pkg
}

func TestEngineRunsStagesInOrder(t *testing.T) {
	pool := NewThreadPool(nil, 1)
	defer pool.Stop()

	var mu sync.Mutex
	var trace []string
	var inits int
	procs := []Processor{
		newRecordProc("pre", StatusSuccess, &mu, &trace, &inits),
		newRecordProc("post", StatusSuccess, &mu, &trace, &inits),
	}
	eng, err := NewEngine(procs, pool, false)
	require.NoError(t, err)
	assert.Equal(t, 2, inits)

	cap := &respCapture{}
	ctrl := newRequestControl(0, "t", 2, cap.fn, nil)
	eng.Run(runnablePackage(ctrl, 2))

	require.True(t, ctrl.Wait(time.Second))
	eng.Wait()
	assert.Equal(t, []string{"pre", "post"}, trace)
	assert.Equal(t, StatusSuccess, cap.status)
	assert.EqualValues(t, 0, eng.Load())
}

func TestEngineFailureCompletesEveryItem(t *testing.T) {
	pool := NewThreadPool(nil, 1)
	defer pool.Stop()

	var mu sync.Mutex
	var trace []string
	var inits int
	procs := []Processor{
		newRecordProc("pre", StatusSuccess, &mu, &trace, &inits),
		newRecordProc("boom", StatusErrorBackend, &mu, &trace, &inits),
		newRecordProc("post", StatusSuccess, &mu, &trace, &inits),
	}
	eng, err := NewEngine(procs, pool, false)
	require.NoError(t, err)

	cap := &respCapture{}
	ctrl := newRequestControl(0, "t", 3, cap.fn, nil)
	eng.Run(runnablePackage(ctrl, 3))

	require.True(t, ctrl.Wait(time.Second))
	eng.Wait()
	assert.Equal(t, StatusErrorBackend, cap.status)
	// the stage after the failure never ran
	assert.Equal(t, []string{"pre", "boom"}, trace)
	assert.EqualValues(t, 0, eng.Load())
}

func TestEngineSkipsFullyDiscardedPackage(t *testing.T) {
	pool := NewThreadPool(nil, 1)
	defer pool.Stop()

	var mu sync.Mutex
	var trace []string
	var inits int
	eng, err := NewEngine([]Processor{
		newRecordProc("pre", StatusSuccess, &mu, &trace, &inits),
	}, pool, false)
	require.NoError(t, err)

	cap := &respCapture{}
	ctrl := newRequestControl(0, "t", 2, cap.fn, nil)
	ctrl.Discard()
	eng.Run(runnablePackage(ctrl, 2))

	require.True(t, ctrl.Wait(time.Second))
	eng.Wait()
	assert.Equal(t, StatusSuccess, cap.status)
	assert.Empty(t, trace)
}

func TestEngineForkClonesProcessors(t *testing.T) {
	pool := NewThreadPool(nil, 2)
	defer pool.Stop()

	var mu sync.Mutex
	var trace []string
	var inits int
	eng, err := NewEngine([]Processor{
		newRecordProc("pre", StatusSuccess, &mu, &trace, &inits),
	}, pool, false)
	require.NoError(t, err)

	fork, err := eng.Fork()
	require.NoError(t, err)
	assert.NotSame(t, eng.nodes[0].proc, fork.nodes[0].proc)
	assert.Equal(t, 2, inits)
}

func TestEnginePerfRecordsStageAndWaitLock(t *testing.T) {
	pool := NewThreadPool(nil, 1)
	defer pool.Stop()

	var mu sync.Mutex
	var trace []string
	var inits int
	eng, err := NewEngine([]Processor{
		newRecordProc("Stage", StatusSuccess, &mu, &trace, &inits),
	}, pool, true)
	require.NoError(t, err)

	var out *Package
	done := make(chan struct{})
	ctrl := newRequestControl(0, "t", 1, func(s Status, o *Package) {
		out = o
		close(done)
	}, nil)
	eng.Run(runnablePackage(ctrl, 1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not complete")
	}
	require.NotNil(t, out)
	perf := out.Perf()
	assert.Contains(t, perf, "Stage")
	assert.Contains(t, perf, "Stage-WaitLock")
	for name, ms := range perf {
		assert.GreaterOrEqual(t, ms, 0.0, fmt.Sprintf("entry %s", name))
	}
}
