package infer

// InferData wraps one unit of payload moving through a pipeline. Stages
// read the previous stage's output from Payload and overwrite it with
// their own.
type InferData struct {
	Payload any

	desc *taskDesc
}

// Set stores a payload value.
func (d *InferData) Set(v any) { d.Payload = v }

// Get returns the stored payload.
func (d *InferData) Get() any { return d.Payload }

// taskDesc links a batched item back to its originating request.
type taskDesc struct {
	ctrl  *RequestControl
	index int
}

// Package is a group of data travelling through a pipeline together.
// Clients build input packages with Append; the runtime regroups the
// items into batch-sized packages before processing.
type Package struct {
	Data []*InferData

	// Tag identifies the submitting client, usually a stream id.
	// DiscardTask and WaitTaskDone address requests by tag.
	Tag string

	// DataNum overrides len(Data) for continuous payloads, where a
	// single blob carries several logical items laid out back to back.
	DataNum int

	priority int64
	perf     map[string]float64
	// descs is set for continuous packages only, one entry per logical
	// item. Plain packages derive descs from Data.
	descs []*taskDesc
}

// taskDescs lists the request links this package completes, one per
// logical item.
func (p *Package) taskDescs() []*taskDesc {
	if p.descs != nil {
		return p.descs
	}
	out := make([]*taskDesc, len(p.Data))
	for i, d := range p.Data {
		out[i] = d.desc
	}
	return out
}

// itemData returns the output payload for the logical item at i.
func (p *Package) itemData(i int) *InferData {
	if p.descs != nil {
		return p.Data[0]
	}
	return p.Data[i]
}

// NewPackage returns an empty package for the given tag.
func NewPackage(tag string) *Package { return &Package{Tag: tag} }

// Append adds one payload item and returns the package for chaining.
func (p *Package) Append(v any) *Package {
	p.Data = append(p.Data, &InferData{Payload: v})
	return p
}

// ItemCount reports the logical item count, honoring DataNum for
// continuous payloads.
func (p *Package) ItemCount() int {
	if len(p.Data) == 1 && p.DataNum > 1 {
		return p.DataNum
	}
	return len(p.Data)
}

// Perf returns the per-stage latency entries recorded while this
// package moved through the pipeline, in milliseconds.
func (p *Package) Perf() map[string]float64 {
	return p.perf
}

func (p *Package) recordPerf(name string, ms float64) {
	if p.perf == nil {
		p.perf = make(map[string]float64)
	}
	p.perf[name] += ms
}
