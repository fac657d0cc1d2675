package infer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kunal/infer-server/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes runtime state to connected monitoring clients via
// WebSocket.
type Broadcaster struct {
	server *InferServer

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewBroadcaster wraps a server for state broadcasting.
func NewBroadcaster(s *InferServer) *Broadcaster {
	return &Broadcaster{
		server:  s,
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Named("broadcast").Warnf("⚠️ websocket upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()

	logging.Named("broadcast").Infof("📊 monitor client connected (%d total)", n)

	// Read loop (to detect disconnect)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			remain := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			logging.Named("broadcast").Infof("📊 monitor client disconnected (%d remain)", remain)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ServerState is the JSON payload pushed to monitoring clients.
type ServerState struct {
	DeviceID  int             `json:"device_id"`
	PoolSize  int             `json:"pool_size"`
	PoolIdle  int             `json:"pool_idle"`
	PoolDepth int             `json:"pool_depth"`
	Executors []ExecutorState `json:"executors"`
	Sessions  []SessionState  `json:"sessions"`
}

type ExecutorState struct {
	Model      string `json:"model"`
	Strategy   string `json:"strategy"`
	BatchSize  int    `json:"batch_size"`
	EngineNum  int    `json:"engine_num"`
	CacheDepth int    `json:"cache_depth"`
	Sessions   int    `json:"sessions"`
}

type SessionState struct {
	Name        string                   `json:"name"`
	Outstanding int                      `json:"outstanding"`
	Perf        map[string]PerfStatistic `json:"perf,omitempty"`
}

// Snapshot captures the server's current state.
func (b *Broadcaster) Snapshot() *ServerState {
	s := b.server
	size, idle, depth := s.PoolStats()
	state := &ServerState{
		DeviceID:  s.deviceID,
		PoolSize:  size,
		PoolIdle:  idle,
		PoolDepth: depth,
	}

	s.mu.Lock()
	for _, exec := range s.executors {
		state.Executors = append(state.Executors, ExecutorState{
			Model:      exec.desc.Model.URI(),
			Strategy:   exec.desc.Strategy.String(),
			BatchSize:  exec.batchSize,
			EngineNum:  len(exec.engines),
			CacheDepth: exec.cache.Depth(),
			Sessions:   exec.sessionCount(),
		})
	}
	for sess := range s.sessions {
		state.Sessions = append(state.Sessions, SessionState{
			Name:        sess.Name(),
			Outstanding: sess.OutstandingCount(),
			Perf:        sess.GetPerformance(),
		})
	}
	s.mu.Unlock()
	return state
}

// Broadcast sends the state to all connected clients.
func (b *Broadcaster) Broadcast(state *ServerState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// Run snapshots and broadcasts on the given interval until stop
// closes.
func (b *Broadcaster) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Broadcast(b.Snapshot())
		case <-stop:
			return
		}
	}
}
