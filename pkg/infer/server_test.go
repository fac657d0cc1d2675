package infer

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDeviceID atomic.Int32

func nextDevice() int {
	return int(testDeviceID.Add(1)) + 100
}

// fakeModel echoes inputs with an "out-" prefix.
type fakeModel struct {
	uri   string
	fn    string
	batch int
	delay time.Duration
	fail  bool
	runs  atomic.Int32
}

func (m *fakeModel) URI() string      { return m.uri }
func (m *fakeModel) FuncName() string { return m.fn }
func (m *fakeModel) BatchSize() int   { return m.batch }

func (m *fakeModel) Run(inputs []any) ([]any, error) {
	m.runs.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.fail {
		return nil, errors.New("backend failure")
	}
	out := make([]any, len(inputs))
	for i, in := range inputs {
		out[i] = fmt.Sprintf("out-%v", in)
	}
	return out, nil
}

type testObserver struct {
	wg       sync.WaitGroup
	mu       sync.Mutex
	statuses []Status
	outputs  []*Package
	userData []any
}

func (o *testObserver) Response(s Status, out *Package, ud any) {
	o.mu.Lock()
	o.statuses = append(o.statuses, s)
	o.outputs = append(o.outputs, out)
	o.userData = append(o.userData, ud)
	o.mu.Unlock()
	o.wg.Done()
}

func testDesc(name string, m *fakeModel) *SessionDesc {
	return &SessionDesc{
		Name:     name,
		Strategy: StrategyStatic,
		Model:    m,
		Preproc:  newPassthrough(),
		Postproc: newPassthrough(),
	}
}

func TestNewInferServerPerDevice(t *testing.T) {
	d1, d2 := nextDevice(), nextDevice()
	s1 := NewInferServer(d1)
	defer s1.Shutdown()
	s2 := NewInferServer(d2)
	defer s2.Shutdown()

	assert.Same(t, s1, NewInferServer(d1))
	assert.NotSame(t, s1, s2)
	assert.Equal(t, d1, s1.DeviceID())
}

func TestCreateSessionValidation(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	_, err := s.CreateSession(nil, nil)
	assert.Error(t, err)

	_, err = s.CreateSession(&SessionDesc{Preproc: newPassthrough()}, nil)
	assert.Error(t, err)

	_, err = s.CreateSession(&SessionDesc{Model: &fakeModel{uri: "m", batch: 1}}, nil)
	assert.Error(t, err)
}

func TestCreateSessionSubstitutesPostprocessor(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	m := &fakeModel{uri: "m", batch: 2}
	desc := testDesc("", m)
	desc.Postproc = nil
	sess, err := s.CreateSession(desc, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Name())

	out, status, accepted := s.RequestSync(sess, NewPackage("t").Append("x"), time.Second)
	require.True(t, accepted)
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, "out-x", out.Data[0].Payload)
}

func TestExecutorDedupBySignature(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	m := &fakeModel{uri: "shared", batch: 4}
	a, err := s.CreateSession(testDesc("a", m), nil)
	require.NoError(t, err)
	b, err := s.CreateSession(testDesc("b", m), nil)
	require.NoError(t, err)
	assert.Same(t, a.exec, b.exec)
	assert.Equal(t, 2, a.exec.sessionCount())

	// priority is not part of the signature
	other := testDesc("c", m)
	other.Priority = 9
	c, err := s.CreateSession(other, nil)
	require.NoError(t, err)
	assert.Same(t, a.exec, c.exec)

	d, err := s.CreateSession(testDesc("d", &fakeModel{uri: "distinct", batch: 4}), nil)
	require.NoError(t, err)
	assert.NotSame(t, a.exec, d.exec)
}

func TestAsyncRequestDelivers(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	obs := &testObserver{}
	m := &fakeModel{uri: "m", batch: 4}
	sess, err := s.CreateSession(testDesc("async", m), obs)
	require.NoError(t, err)

	obs.wg.Add(1)
	in := NewPackage("stream-0").Append("a").Append("b").Append("c")
	require.Equal(t, StatusSuccess, s.Request(sess, in, "ud", time.Second))
	obs.wg.Wait()

	require.Len(t, obs.statuses, 1)
	assert.Equal(t, StatusSuccess, obs.statuses[0])
	assert.Equal(t, "ud", obs.userData[0])
	out := obs.outputs[0]
	require.Len(t, out.Data, 3)
	assert.Equal(t, "out-a", out.Data[0].Payload)
	assert.Equal(t, "out-c", out.Data[2].Payload)
}

func TestAsyncRequestNeedsObserver(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	sess, err := s.CreateSession(testDesc("sync-only", &fakeModel{uri: "m", batch: 1}), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidParam, s.Request(sess, NewPackage("t").Append(1), nil, time.Second))
}

func TestRequestSyncTimeoutDiscards(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	m := &fakeModel{uri: "slow", batch: 1, delay: 200 * time.Millisecond}
	sess, err := s.CreateSession(testDesc("slow", m), nil)
	require.NoError(t, err)

	out, status, accepted := s.RequestSync(sess, NewPackage("t").Append("x"), 20*time.Millisecond)
	assert.True(t, accepted)
	assert.Equal(t, StatusTimeout, status)
	assert.Nil(t, out)
}

func TestBackendErrorPropagates(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	m := &fakeModel{uri: "bad", batch: 2, fail: true}
	sess, err := s.CreateSession(testDesc("bad", m), nil)
	require.NoError(t, err)

	_, status, accepted := s.RequestSync(sess, NewPackage("t").Append("x"), time.Second)
	assert.True(t, accepted)
	assert.Equal(t, StatusErrorBackend, status)
}

type wrongTypeProc struct {
	ProcessorBase
}

func (p *wrongTypeProc) Process(pkg *Package) Status { return StatusWrongType }
func (p *wrongTypeProc) Fork() (Processor, error) {
	return &wrongTypeProc{ProcessorBase: NewProcessorBase("WrongType")}, nil
}

func TestWrongTypePropagates(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	desc := testDesc("wt", &fakeModel{uri: "m", batch: 2})
	desc.Preproc = &wrongTypeProc{ProcessorBase: NewProcessorBase("WrongType")}
	sess, err := s.CreateSession(desc, nil)
	require.NoError(t, err)

	_, status, _ := s.RequestSync(sess, NewPackage("t").Append(42), time.Second)
	assert.Equal(t, StatusWrongType, status)
}

func TestDiscardTaskCompletesEveryRequest(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	obs := &testObserver{}
	m := &fakeModel{uri: "slowish", batch: 1, delay: 10 * time.Millisecond}
	sess, err := s.CreateSession(testDesc("discard", m), obs)
	require.NoError(t, err)

	const n = 8
	obs.wg.Add(n)
	for i := 0; i < n; i++ {
		require.Equal(t, StatusSuccess,
			s.Request(sess, NewPackage("cam-1").Append(i), i, time.Second))
	}
	s.DiscardTask(sess, "cam-1")
	obs.wg.Wait()

	require.Len(t, obs.statuses, n)
	for _, st := range obs.statuses {
		assert.Equal(t, StatusSuccess, st)
	}
	assert.Equal(t, 0, sess.OutstandingCount())
}

func TestWaitTaskDone(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	obs := &testObserver{}
	m := &fakeModel{uri: "m", batch: 2, delay: 5 * time.Millisecond}
	sess, err := s.CreateSession(testDesc("wait", m), obs)
	require.NoError(t, err)

	obs.wg.Add(4)
	for i := 0; i < 4; i++ {
		require.Equal(t, StatusSuccess,
			s.Request(sess, NewPackage("cam-2").Append(i), i, time.Second))
	}
	assert.True(t, s.WaitTaskDone(sess, "cam-2", 5*time.Second))
	assert.Equal(t, 0, sess.OutstandingCount())
	obs.wg.Wait()
}

func TestPoolGrowsWithExecutors(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	desc := testDesc("grow", &fakeModel{uri: "m", batch: 1})
	desc.EngineNum = 2
	_, err := s.CreateSession(desc, nil)
	require.NoError(t, err)

	size, _, _ := s.PoolStats()
	want := min(6, 3*runtime.NumCPU())
	assert.Equal(t, want, size)
}

func TestPoolShrinksAfterExecutorRetires(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	desc := testDesc("shrink", &fakeModel{uri: "m", batch: 1})
	desc.EngineNum = 2
	sess, err := s.CreateSession(desc, nil)
	require.NoError(t, err)

	grown, _, _ := s.PoolStats()
	if grown < 6 {
		t.Skip("not enough cores to observe shrink headroom")
	}
	waitFor(t, func() bool {
		_, idle, _ := s.PoolStats()
		return idle == grown
	}, "workers to go idle")

	require.NoError(t, s.DestroySession(sess))
	// the full 2*engineNum workers come back off
	waitFor(t, func() bool {
		size, _, _ := s.PoolStats()
		return size == grown-4
	}, "pool to shrink")
}

func TestGetPerformance(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	desc := testDesc("perf", &fakeModel{uri: "m", batch: 2})
	desc.ShowPerf = true
	sess, err := s.CreateSession(desc, nil)
	require.NoError(t, err)

	_, status, _ := s.RequestSync(sess, NewPackage("t").Append("x").Append("y"), time.Second)
	require.Equal(t, StatusSuccess, status)

	perf := s.GetPerformance(sess)
	require.Contains(t, perf, "Predictor")
	assert.Contains(t, perf, "Predictor-WaitLock")
	assert.EqualValues(t, 2, perf["Predictor"].Count)
	assert.GreaterOrEqual(t, perf["Predictor"].Max, perf["Predictor"].Min)
}

func TestDestroySession(t *testing.T) {
	s := NewInferServer(nextDevice())
	defer s.Shutdown()

	sess, err := s.CreateSession(testDesc("bye", &fakeModel{uri: "m", batch: 1}), nil)
	require.NoError(t, err)
	require.NoError(t, s.DestroySession(sess))
	assert.Error(t, s.DestroySession(sess))

	_, status, accepted := sess.RequestSync(NewPackage("t").Append(1), time.Second)
	assert.False(t, accepted)
	assert.Equal(t, StatusInvalidParam, status)
}

func TestShutdownFreesDeviceSlot(t *testing.T) {
	d := nextDevice()
	s := NewInferServer(d)
	_, err := s.CreateSession(testDesc("down", &fakeModel{uri: "m", batch: 1}), nil)
	require.NoError(t, err)
	s.Shutdown()

	fresh := NewInferServer(d)
	defer fresh.Shutdown()
	assert.NotSame(t, s, fresh)
}
