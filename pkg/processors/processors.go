// Package processors provides the builtin pipeline stages sessions
// plug their conversion logic into.
package processors

import (
	"github.com/kunal/infer-server/pkg/infer"
)

// ConvertFunc transforms one payload. Returning an error fails the
// whole package with WRONG_TYPE.
type ConvertFunc func(in any) (any, error)

// Preprocessor converts raw client payloads into the layout the model
// expects, one item at a time.
type Preprocessor struct {
	infer.ProcessorBase
	convert ConvertFunc
}

// NewPreprocessor wraps fn as a pipeline stage. A nil fn passes
// payloads through unchanged.
func NewPreprocessor(fn ConvertFunc) *Preprocessor {
	return &Preprocessor{
		ProcessorBase: infer.NewProcessorBase("Preprocessor"),
		convert:       fn,
	}
}

func (p *Preprocessor) Process(pkg *infer.Package) infer.Status {
	return applyConvert(p.convert, pkg)
}

func (p *Preprocessor) Fork() (infer.Processor, error) {
	return NewPreprocessor(p.convert), nil
}

// Postprocessor converts model outputs back into client results.
type Postprocessor struct {
	infer.ProcessorBase
	convert ConvertFunc
}

// NewPostprocessor wraps fn as the pipeline tail stage.
func NewPostprocessor(fn ConvertFunc) *Postprocessor {
	return &Postprocessor{
		ProcessorBase: infer.NewProcessorBase("Postprocessor"),
		convert:       fn,
	}
}

func (p *Postprocessor) Process(pkg *infer.Package) infer.Status {
	return applyConvert(p.convert, pkg)
}

func (p *Postprocessor) Fork() (infer.Processor, error) {
	return NewPostprocessor(p.convert), nil
}

func applyConvert(fn ConvertFunc, pkg *infer.Package) infer.Status {
	if fn == nil {
		return infer.StatusSuccess
	}
	for _, d := range pkg.Data {
		out, err := fn(d.Payload)
		if err != nil {
			return infer.StatusWrongType
		}
		d.Payload = out
	}
	return infer.StatusSuccess
}
