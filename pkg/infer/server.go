package infer

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kunal/infer-server/pkg/logging"
	"github.com/kunal/infer-server/pkg/model"
)

// DeviceBinder prepares a pool worker thread for a device before it
// takes work, typically binding the device context.
type DeviceBinder func(deviceID int) error

var (
	binderMu     sync.Mutex
	deviceBinder DeviceBinder
)

// SetDeviceBinder installs the hook new pool workers run on startup.
func SetDeviceBinder(b DeviceBinder) {
	binderMu.Lock()
	deviceBinder = b
	binderMu.Unlock()
}

func bindDevice(deviceID int) error {
	binderMu.Lock()
	b := deviceBinder
	binderMu.Unlock()
	if b == nil {
		return nil
	}
	return b(deviceID)
}

var (
	serversMu sync.Mutex
	servers   = make(map[int]*InferServer)
)

// InferServer is the per-device facade. All sessions on one device
// share its thread pool, and sessions with identical pipelines share
// an executor.
type InferServer struct {
	deviceID int
	pool     *ThreadPool
	log      *zap.SugaredLogger

	mu        sync.Mutex
	executors map[string]*Executor
	sessions  map[*Session]*Executor
}

// NewInferServer returns the instance for deviceID, creating it on
// first use.
func NewInferServer(deviceID int) *InferServer {
	serversMu.Lock()
	defer serversMu.Unlock()
	if s, ok := servers[deviceID]; ok {
		return s
	}
	s := &InferServer{
		deviceID:  deviceID,
		log:       logging.Named("server"),
		executors: make(map[string]*Executor),
		sessions:  make(map[*Session]*Executor),
	}
	s.pool = NewThreadPool(func() error { return bindDevice(deviceID) }, 0)
	servers[deviceID] = s
	s.log.Infof("🎯 infer server up on device %d", deviceID)
	return s
}

// DeviceID returns the device this instance serves.
func (s *InferServer) DeviceID() int { return s.deviceID }

// CreateSession builds a session for the pipeline in desc. Passing a
// nil observer makes a synchronous session usable only with
// RequestSync. Sessions with matching pipelines share an executor.
func (s *InferServer) CreateSession(desc *SessionDesc, observer Observer) (*Session, error) {
	if desc == nil {
		return nil, fmt.Errorf("nil session descriptor")
	}
	if desc.Model == nil {
		return nil, fmt.Errorf("session %q has no model", desc.Name)
	}
	if desc.Preproc == nil {
		return nil, fmt.Errorf("session %q has no preprocessor", desc.Name)
	}
	d := *desc
	if d.Postproc == nil {
		s.log.Warnf("⚠️ session %q has no postprocessor, substituting passthrough", d.Name)
		d.Postproc = newPassthrough()
	}
	if d.Name == "" {
		d.Name = fmt.Sprintf("session-%s", uuid.NewString()[:8])
	}
	engineNum := d.EngineNum
	if engineNum < 1 {
		engineNum = 1
	}
	sig := d.signature()

	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executors[sig]
	if !ok {
		s.growPool(engineNum)
		var err error
		exec, err = newExecutor(&d, s.pool)
		if err != nil {
			return nil, fmt.Errorf("create executor: %w", err)
		}
		s.executors[sig] = exec
	}
	sess := newSession(d.Name, exec, observer, d.ShowPerf)
	exec.link(sess)
	s.sessions[sess] = exec
	s.log.Infof("✅ session %q on device %d (executor sessions=%d)",
		d.Name, s.deviceID, exec.sessionCount())
	return sess, nil
}

// DestroySession waits for the session's outstanding requests, then
// tears down its executor when no other session shares it.
func (s *InferServer) DestroySession(sess *Session) error {
	s.mu.Lock()
	exec, ok := s.sessions[sess]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown session %q", sess.Name())
	}
	delete(s.sessions, sess)
	s.mu.Unlock()

	sess.close()

	if exec.unlink(sess) > 0 {
		s.log.Infof("🔚 session %q destroyed", sess.Name())
		return nil
	}

	s.mu.Lock()
	delete(s.executors, exec.name)
	s.mu.Unlock()
	exec.Stop()
	s.shrinkPool(exec.EngineNum())
	s.log.Infof("🔚 session %q destroyed, executor retired", sess.Name())
	return nil
}

// growPool adds workers for a new executor, capped at three per core.
func (s *InferServer) growPool(engineNum int) {
	target := min(s.pool.Size()+3*engineNum, 3*runtime.NumCPU())
	s.pool.Resize(target)
	metricPoolSize.WithLabelValues(fmt.Sprint(s.deviceID)).Set(float64(target))
}

// shrinkPool releases workers after an executor retires, but only when
// the idle headroom allows.
func (s *InferServer) shrinkPool(engineNum int) {
	drop := 2 * engineNum
	if s.pool.IdleCount() < drop {
		return
	}
	target := max(s.pool.Size()-drop, 0)
	s.pool.Resize(target)
	metricPoolSize.WithLabelValues(fmt.Sprint(s.deviceID)).Set(float64(target))
}

// Request submits in asynchronously on sess. timeout bounds the wait
// for cache space.
func (s *InferServer) Request(sess *Session, in *Package, userData any, timeout time.Duration) Status {
	return sess.Request(in, userData, timeout)
}

// RequestSync submits in and blocks for the result. See
// Session.RequestSync for the timeout contract.
func (s *InferServer) RequestSync(sess *Session, in *Package, timeout time.Duration) (*Package, Status, bool) {
	return sess.RequestSync(in, timeout)
}

// WaitTaskDone blocks until requests submitted under tag completed.
func (s *InferServer) WaitTaskDone(sess *Session, tag string, timeout time.Duration) bool {
	return sess.WaitTaskDone(tag, timeout)
}

// DiscardTask drops queued requests submitted under tag.
func (s *InferServer) DiscardTask(sess *Session, tag string) {
	sess.DiscardTask(tag)
}

// GetPerformance snapshots the session's per-stage statistics.
func (s *InferServer) GetPerformance(sess *Session) map[string]PerfStatistic {
	return sess.GetPerformance()
}

// LoadModel loads and caches the model at uri.
func (s *InferServer) LoadModel(uri, funcName string) (model.Model, error) {
	return model.Load(uri, funcName)
}

// UnloadModel drops one reference to m, evicting it at zero.
func (s *InferServer) UnloadModel(m model.Model) bool {
	return model.Unload(m)
}

// SetModelDir sets the directory relative model uris resolve against.
func (s *InferServer) SetModelDir(dir string) bool {
	return model.SetModelDir(dir)
}

// ClearModelCache evicts every cached model regardless of refcount.
func (s *InferServer) ClearModelCache() {
	model.ClearCache()
}

// PoolStats reports worker pool occupancy for monitoring.
func (s *InferServer) PoolStats() (size, idle, depth int) {
	return s.pool.Size(), s.pool.IdleCount(), s.pool.Depth()
}

// Shutdown destroys every session and stops the pool. The device slot
// is freed for a fresh instance.
func (s *InferServer) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = s.DestroySession(sess)
	}
	s.pool.Stop()
	serversMu.Lock()
	if servers[s.deviceID] == s {
		delete(servers, s.deviceID)
	}
	serversMu.Unlock()
	s.log.Infof("🛑 infer server on device %d shut down", s.deviceID)
}
