// Package model loads and caches inference models. Loaded models are
// refcounted and shared by URI; concurrent loads of one URI collapse
// into a single backend load.
package model

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kunal/infer-server/pkg/logging"
)

// Model is a loaded network ready to run batches.
type Model interface {
	// URI is the identifier the model was loaded under.
	URI() string
	// FuncName selects the entry function inside the model file.
	FuncName() string
	// BatchSize is the batch dimension the model was built for.
	BatchSize() int
	// Run executes one batch. Outputs align with inputs by index.
	Run(inputs []any) ([]any, error)
}

type entry struct {
	m    Model
	refs int
}

// Manager caches loaded models by URI and function name.
type Manager struct {
	mu    sync.Mutex
	dir   string
	cache map[string]*entry
	sf    singleflight.Group
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{cache: make(map[string]*entry)}
}

func cacheKey(uri, funcName string) string {
	return uri + "|" + funcName
}

// SetModelDir sets the directory relative uris resolve against. It
// reports false when dir is not an existing directory.
func (mg *Manager) SetModelDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logging.Named("model").Warnf("⚠️ model dir %q unusable: %v", dir, err)
		return false
	}
	mg.mu.Lock()
	mg.dir = dir
	mg.mu.Unlock()
	return true
}

// Load returns the cached model for uri, loading it on first use.
// Every Load takes one reference; pair it with Unload.
func (mg *Manager) Load(uri, funcName string) (Model, error) {
	if uri == "" {
		return nil, fmt.Errorf("empty model uri")
	}
	key := cacheKey(uri, funcName)

	mg.mu.Lock()
	if e, ok := mg.cache[key]; ok {
		e.refs++
		mg.mu.Unlock()
		return e.m, nil
	}
	dir := mg.dir
	mg.mu.Unlock()

	v, err, _ := mg.sf.Do(key, func() (any, error) {
		mg.mu.Lock()
		if e, ok := mg.cache[key]; ok {
			mg.mu.Unlock()
			return e.m, nil
		}
		mg.mu.Unlock()

		path := uri
		if dir != "" && !filepath.IsAbs(uri) {
			path = filepath.Join(dir, uri)
		}
		m, err := loadBackend(path, uri, funcName)
		if err != nil {
			return nil, fmt.Errorf("load model %q: %w", uri, err)
		}
		logging.Named("model").Infof("📦 model loaded: %s (batch=%d)", uri, m.BatchSize())

		mg.mu.Lock()
		mg.cache[key] = &entry{m: m}
		mg.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	m := v.(Model)

	mg.mu.Lock()
	if e, ok := mg.cache[key]; ok {
		e.refs++
	}
	mg.mu.Unlock()
	return m, nil
}

// LoadFromMemory loads a model from an in-memory blob. The cache key
// derives from the blob content, so identical blobs share one model.
func (mg *Manager) LoadFromMemory(data []byte, funcName string) (Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty model data")
	}
	sum := sha256.Sum256(data)
	uri := fmt.Sprintf("mem-%x", sum[:8])
	key := cacheKey(uri, funcName)

	mg.mu.Lock()
	if e, ok := mg.cache[key]; ok {
		e.refs++
		mg.mu.Unlock()
		return e.m, nil
	}
	mg.mu.Unlock()

	v, err, _ := mg.sf.Do(key, func() (any, error) {
		mg.mu.Lock()
		if e, ok := mg.cache[key]; ok {
			mg.mu.Unlock()
			return e.m, nil
		}
		mg.mu.Unlock()

		m, err := loadBackendFromMemory(data, uri, funcName)
		if err != nil {
			return nil, fmt.Errorf("load model from memory: %w", err)
		}
		mg.mu.Lock()
		mg.cache[key] = &entry{m: m}
		mg.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	m := v.(Model)

	mg.mu.Lock()
	if e, ok := mg.cache[key]; ok {
		e.refs++
	}
	mg.mu.Unlock()
	return m, nil
}

// Unload drops one reference to m, evicting the cache entry when the
// count hits zero. It reports whether m was a cached model.
func (mg *Manager) Unload(m Model) bool {
	if m == nil {
		return false
	}
	key := cacheKey(m.URI(), m.FuncName())
	mg.mu.Lock()
	defer mg.mu.Unlock()
	e, ok := mg.cache[key]
	if !ok {
		return false
	}
	e.refs--
	if e.refs <= 0 {
		delete(mg.cache, key)
		logging.Named("model").Infof("🗑️ model evicted: %s", m.URI())
	}
	return true
}

// ClearCache evicts every cached model regardless of refcount.
func (mg *Manager) ClearCache() {
	mg.mu.Lock()
	n := len(mg.cache)
	mg.cache = make(map[string]*entry)
	mg.mu.Unlock()
	if n > 0 {
		logging.Named("model").Infof("🗑️ model cache cleared (%d entries)", n)
	}
}

// CachedCount reports models currently cached.
func (mg *Manager) CachedCount() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.cache)
}

var defaultManager = NewManager()

// Load loads through the process-wide manager.
func Load(uri, funcName string) (Model, error) { return defaultManager.Load(uri, funcName) }

// LoadFromMemory loads a blob through the process-wide manager.
func LoadFromMemory(data []byte, funcName string) (Model, error) {
	return defaultManager.LoadFromMemory(data, funcName)
}

// Unload releases a model on the process-wide manager.
func Unload(m Model) bool { return defaultManager.Unload(m) }

// SetModelDir configures the process-wide manager's base directory.
func SetModelDir(dir string) bool { return defaultManager.SetModelDir(dir) }

// ClearCache clears the process-wide manager.
func ClearCache() { defaultManager.ClearCache() }
