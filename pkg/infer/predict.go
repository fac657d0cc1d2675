package infer

import (
	"github.com/kunal/infer-server/pkg/model"
)

// Predictor runs a loaded model over each package. It sits between the
// session's preprocessor and postprocessor in every pipeline.
type Predictor struct {
	ProcessorBase
	model model.Model
}

// NewPredictor wraps a model as a pipeline stage.
func NewPredictor(m model.Model) *Predictor {
	return &Predictor{
		ProcessorBase: NewProcessorBase("Predictor"),
		model:         m,
	}
}

// Model returns the wrapped model.
func (p *Predictor) Model() model.Model { return p.model }

func (p *Predictor) Process(pkg *Package) Status {
	inputs := make([]any, len(pkg.Data))
	for i, d := range pkg.Data {
		inputs[i] = d.Payload
	}
	outputs, err := p.model.Run(inputs)
	if err != nil {
		return StatusErrorBackend
	}
	if len(outputs) != len(pkg.Data) {
		return StatusErrorBackend
	}
	for i, d := range pkg.Data {
		d.Payload = outputs[i]
	}
	return StatusSuccess
}

func (p *Predictor) Fork() (Processor, error) {
	return NewPredictor(p.model), nil
}
