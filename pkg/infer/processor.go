package infer

import "sync"

// Processor is one stage of an inference pipeline. Each engine owns a
// private fork of every processor, and the runtime serializes calls to
// Process through Lock/Unlock because a fork may wrap a resource that
// is not safe for concurrent use.
type Processor interface {
	// TypeName identifies the processor kind. It feeds the executor
	// signature, so two sessions share an executor only when their
	// processors report the same names.
	TypeName() string
	// Init prepares the fork for use. Called once per engine.
	Init() error
	// Process transforms the package in place.
	Process(pkg *Package) Status
	// Fork clones the processor for another engine.
	Fork() (Processor, error)

	Lock()
	Unlock()
}

// ProcessorBase carries the type name and the per-fork mutex. Embed it
// in concrete processors.
type ProcessorBase struct {
	name string
	mu   sync.Mutex
}

// NewProcessorBase returns a base with the given type name.
func NewProcessorBase(name string) ProcessorBase {
	return ProcessorBase{name: name}
}

func (b *ProcessorBase) TypeName() string { return b.name }
func (b *ProcessorBase) Init() error      { return nil }
func (b *ProcessorBase) Lock()            { b.mu.Lock() }
func (b *ProcessorBase) Unlock()          { b.mu.Unlock() }

// passthrough forwards payloads unchanged. The facade installs it when
// a session descriptor omits a postprocessor.
type passthrough struct {
	ProcessorBase
}

func newPassthrough() *passthrough {
	return &passthrough{ProcessorBase: NewProcessorBase("Passthrough")}
}

func (p *passthrough) Process(pkg *Package) Status { return StatusSuccess }

func (p *passthrough) Fork() (Processor, error) { return newPassthrough(), nil }
