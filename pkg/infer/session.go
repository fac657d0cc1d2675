package infer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kunal/infer-server/pkg/logging"
)

// Observer receives the terminal result of asynchronous requests. One
// call per request, from a pipeline goroutine.
type Observer interface {
	Response(status Status, out *Package, userData any)
}

// Session is one client's handle onto a shared executor. It assigns
// dense request ids, tracks outstanding requests per tag, and carries
// the per-session performance statistics.
type Session struct {
	name     string
	exec     *Executor
	observer Observer
	perf     *perfRecorder
	log      *zap.SugaredLogger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*RequestControl
	byTag   map[string]map[*RequestControl]struct{}
	closed  bool
}

func newSession(name string, exec *Executor, observer Observer, showPerf bool) *Session {
	s := &Session{
		name:     name,
		exec:     exec,
		observer: observer,
		log:      logging.Named("session"),
		pending:  make(map[int64]*RequestControl),
		byTag:    make(map[string]map[*RequestControl]struct{}),
	}
	if showPerf {
		s.perf = newPerfRecorder()
	}
	return s
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// send registers a control for the input and pushes it into the
// executor cache. The returned status is SUCCESS only when the request
// was accepted.
func (s *Session) send(in *Package, respond responseFunc, timeout time.Duration) (*RequestControl, Status) {
	if in == nil || in.ItemCount() == 0 {
		return nil, StatusInvalidParam
	}
	if !s.exec.cache.WaitIfFull(timeout) {
		return nil, StatusTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, StatusInvalidParam
	}
	id := s.nextID
	s.nextID++
	ctrl := newRequestControl(id, in.Tag, in.ItemCount(), respond, s.requestDone)
	s.pending[id] = ctrl
	set := s.byTag[in.Tag]
	if set == nil {
		set = make(map[*RequestControl]struct{})
		s.byTag[in.Tag] = set
	}
	set[ctrl] = struct{}{}
	s.mu.Unlock()

	if !s.exec.cache.Push(in, ctrl) {
		s.forget(ctrl)
		return nil, StatusInvalidParam
	}
	return ctrl, StatusSuccess
}

func (s *Session) requestDone(ctrl *RequestControl) {
	if s.perf != nil {
		s.perf.record(ctrl.output.perf, ctrl.dataNum)
	}
	s.forget(ctrl)
}

func (s *Session) forget(ctrl *RequestControl) {
	s.mu.Lock()
	delete(s.pending, ctrl.requestID)
	if set := s.byTag[ctrl.tag]; set != nil {
		delete(set, ctrl)
		if len(set) == 0 {
			delete(s.byTag, ctrl.tag)
		}
	}
	s.mu.Unlock()
}

// Request submits the package asynchronously. The session observer
// receives the result with userData attached. timeout bounds the wait
// for cache space, zero waits forever.
func (s *Session) Request(in *Package, userData any, timeout time.Duration) Status {
	if s.observer == nil {
		return StatusInvalidParam
	}
	_, st := s.send(in, func(status Status, out *Package) {
		s.observer.Response(status, out, userData)
	}, timeout)
	return st
}

type syncResult struct {
	status Status
	out    *Package
}

// RequestSync submits the package and blocks for the result. On
// timeout the request is discarded, the returned status is TIMEOUT and
// accepted stays true since the request itself was taken. accepted is
// false only when the input was rejected outright.
func (s *Session) RequestSync(in *Package, timeout time.Duration) (out *Package, status Status, accepted bool) {
	start := time.Now()
	ch := make(chan syncResult, 1)
	ctrl, st := s.send(in, func(status Status, out *Package) {
		ch <- syncResult{status: status, out: out}
	}, timeout)
	if st != StatusSuccess {
		if st == StatusTimeout {
			return nil, StatusTimeout, true
		}
		return nil, st, false
	}

	if timeout <= 0 {
		r := <-ch
		return r.out, r.status, true
	}
	remaining := timeout - time.Since(start)
	if remaining < 0 {
		remaining = 0
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.out, r.status, true
	case <-t.C:
		ctrl.Discard()
		s.log.Warnf("⏰ request %d timed out after %s, discarding", ctrl.RequestID(), timeout)
		return nil, StatusTimeout, true
	}
}

// WaitTaskDone blocks until every request submitted so far under tag
// has completed. Zero timeout waits forever.
func (s *Session) WaitTaskDone(tag string, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, ctrl := range s.tagged(tag) {
		wait := time.Duration(0)
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return false
			}
		}
		if !ctrl.Wait(wait) {
			return false
		}
	}
	return true
}

// DiscardTask marks every outstanding request under tag so queued
// items are dropped. Items already inside an engine run to completion.
func (s *Session) DiscardTask(tag string) {
	for _, ctrl := range s.tagged(tag) {
		ctrl.Discard()
	}
}

func (s *Session) tagged(tag string) []*RequestControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byTag[tag]
	out := make([]*RequestControl, 0, len(set))
	for ctrl := range set {
		out = append(out, ctrl)
	}
	return out
}

// OutstandingCount reports requests not yet completed.
func (s *Session) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// GetPerformance snapshots per-stage statistics recorded since the
// session was created. Empty unless the session enabled perf.
func (s *Session) GetPerformance() map[string]PerfStatistic {
	if s.perf == nil {
		return nil
	}
	return s.perf.snapshot()
}

// close stops accepting requests and waits for outstanding ones.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ctrls := make([]*RequestControl, 0, len(s.pending))
	for _, c := range s.pending {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.Wait(0)
	}
}
