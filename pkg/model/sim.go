//go:build !onnx

package model

import (
	"fmt"
	"math/rand"
	"time"
)

// simModel mimics accelerator inference with CPU sleep. Latency is a
// fixed base plus a linear per-item cost, so per-item latency falls as
// batches grow, which keeps the batching economics realistic without
// hardware.
type simModel struct {
	uri       string
	funcName  string
	batchSize int
	baseMs    float64
}

const simDefaultBatch = 8

func newSimModel(uri, funcName string) *simModel {
	return &simModel{
		uri:       uri,
		funcName:  funcName,
		batchSize: simDefaultBatch,
		baseMs:    5,
	}
}

func loadBackend(path, uri, funcName string) (Model, error) {
	_ = path
	return newSimModel(uri, funcName), nil
}

func loadBackendFromMemory(data []byte, uri, funcName string) (Model, error) {
	_ = data
	return newSimModel(uri, funcName), nil
}

func (m *simModel) URI() string      { return m.uri }
func (m *simModel) FuncName() string { return m.funcName }
func (m *simModel) BatchSize() int   { return m.batchSize }

func (m *simModel) Run(inputs []any) ([]any, error) {
	n := len(inputs)
	if n == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	latency := time.Duration(m.baseMs+float64(n)*1.5) * time.Millisecond
	time.Sleep(latency)

	classes := []string{"cat", "dog", "car", "tree", "person", "building", "bird", "fish"}
	outputs := make([]any, n)
	for i := range outputs {
		outputs[i] = map[string]any{
			"class":      classes[rand.Intn(len(classes))],
			"confidence": 0.7 + rand.Float64()*0.29,
			"simulated":  true,
			"batch_pos":  i,
		}
	}
	return outputs, nil
}
