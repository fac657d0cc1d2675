//go:build onnx

package model

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Build with -tags onnx for real ONNX Runtime inference. Point
// ONNXRUNTIME_SHARED_LIBRARY_PATH at libonnxruntime.so when it is not
// on the default search path.

var ortInit sync.Once

func initRuntime() error {
	var err error
	ortInit.Do(func() {
		if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		err = ort.InitializeEnvironment()
	})
	return err
}

// onnxModel wraps one ONNX Runtime session. The session is not safe
// for concurrent Run calls, so a mutex serializes them.
type onnxModel struct {
	uri      string
	funcName string

	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	inputDims  []int64
	batchSize  int
}

func loadBackend(path, uri, funcName string) (Model, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", err)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("read model io: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %q has no io bindings", uri)
	}

	dims := inputs[0].Dimensions
	batch := 1
	if len(dims) > 0 && dims[0] > 0 {
		batch = int(dims[0])
	}
	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &onnxModel{
		uri:        uri,
		funcName:   funcName,
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		inputDims:  dims,
		batchSize:  batch,
	}, nil
}

func loadBackendFromMemory(data []byte, uri, funcName string) (Model, error) {
	f, err := os.CreateTemp("", "infer-model-*.onnx")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()
	return loadBackend(f.Name(), uri, funcName)
}

func (m *onnxModel) URI() string      { return m.uri }
func (m *onnxModel) FuncName() string { return m.funcName }
func (m *onnxModel) BatchSize() int   { return m.batchSize }

// Run expects each input to be a []float32 holding one item laid out
// per the model's input shape. Outputs are []float32 per item.
func (m *onnxModel) Run(inputs []any) ([]any, error) {
	n := len(inputs)
	if n == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	itemLen := 1
	for _, d := range m.inputDims[1:] {
		if d > 0 {
			itemLen *= int(d)
		}
	}
	flat := make([]float32, 0, n*itemLen)
	for i, in := range inputs {
		item, ok := in.([]float32)
		if !ok {
			return nil, fmt.Errorf("input %d: want []float32, got %T", i, in)
		}
		if len(item) != itemLen {
			return nil, fmt.Errorf("input %d: want %d floats, got %d", i, itemLen, len(item))
		}
		flat = append(flat, item...)
	}

	shape := make([]int64, len(m.inputDims))
	copy(shape, m.inputDims)
	shape[0] = int64(n)
	tensor, err := ort.NewTensor(ort.NewShape(shape...), flat)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer tensor.Destroy()

	m.mu.Lock()
	outValues := []ort.Value{nil}
	err = m.session.Run([]ort.Value{tensor}, outValues)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}
	out, ok := outValues[0].(*ort.Tensor[float32])
	if !ok {
		outValues[0].Destroy()
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	defer out.Destroy()

	data := out.GetData()
	per := len(data) / n
	results := make([]any, n)
	for i := 0; i < n; i++ {
		item := make([]float32, per)
		copy(item, data[i*per:(i+1)*per])
		results[i] = item
	}
	return results, nil
}
