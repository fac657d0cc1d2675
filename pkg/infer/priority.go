package infer

// Dispatch keys order work inside the executor's thread pool. A smaller
// key dispatches first. The key packs three fields into an int64:
//
//	bits 56..62  inverted base priority (higher base means smaller key)
//	bits 48..55  pipeline stage countdown (later stages dispatch first)
//	bits  0..47  tie-break offset, normally the negated request id
//
// Keeping the ranges disjoint means advancing a package's stage never
// crosses into another base priority level.

const (
	maxBasePriority = 100
	stageShift      = 48
	baseShift       = 56
	stageSpan       = int64(1) << stageShift
)

// Priority derives dispatch keys for one session's traffic.
type Priority struct {
	base int
}

// NewPriority clips base into [0, 100] and returns a key builder.
func NewPriority(base int) Priority {
	if base < 0 {
		base = 0
	}
	if base > maxBasePriority {
		base = maxBasePriority
	}
	return Priority{base: base}
}

// Base reports the clipped session priority.
func (p Priority) Base() int { return p.base }

// Get builds the dispatch key for the first pipeline stage. Callers pass
// the negated request id as offset so earlier requests sort first within
// a session.
func (p Priority) Get(offset int64) int64 {
	return int64(maxBasePriority-p.base)<<baseShift + int64(255)<<stageShift - offset
}

// NextPriority lowers the stage countdown so downstream stages dispatch
// ahead of fresh packages at the same base priority.
func NextPriority(key int64) int64 {
	return key - stageSpan
}
