// Package onnx runs an exported RoBERTa sequence classifier through ONNX
// Runtime.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ErrRuntimeUnavailable = errors.New("onnx runtime unavailable")

// Options configures the runtime. LibraryPath points at the
// onnxruntime shared library; empty uses the loader's search path.
type Options struct {
	LibraryPath    string
	IntraOpThreads int
}

// The ORT environment is process-wide; sessions share it by reference count.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs > 0 {
		envRefs++
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
	}
	envRefs = 1
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Classifier wraps an ONNX Runtime session. Run is safe for concurrent
// use, so Logits takes no lock.
type Classifier struct {
	session *ort.DynamicAdvancedSession
	inputs  []string
	output  string
	labels  int

	closeOnce sync.Once
	closeErr  error
}

// Open creates a session for the model at path that emits labels logits
// per sequence.
func Open(path string, labels int, opts Options) (*Classifier, error) {
	if labels <= 0 {
		return nil, fmt.Errorf("onnx: label count must be positive")
	}
	if err := acquireEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}
	c, err := open(path, labels, opts)
	if err != nil {
		return nil, errors.Join(err, releaseEnvironment())
	}
	return c, nil
}

func open(path string, labels int, opts Options) (*Classifier, error) {
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: inspect %s: %w", path, err)
	}
	inputs, output, err := selectIO(ioNames(ins), ioNames(outs))
	if err != nil {
		return nil, err
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer func() { _ = so.Destroy() }()
	if opts.IntraOpThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: set threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputs, []string{output}, so)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	return &Classifier{session: session, inputs: inputs, output: output, labels: labels}, nil
}

func ioNames(infos []ort.InputOutputInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

// selectIO orders the model inputs we can feed and picks the logits
// output.
func selectIO(ins, outs []string) ([]string, string, error) {
	known := []string{"input_ids", "attention_mask", "token_type_ids"}
	if !slices.Contains(ins, "input_ids") {
		return nil, "", fmt.Errorf("onnx: model has no input_ids input (inputs: %v)", ins)
	}
	var inputs []string
	for _, name := range ins {
		if !slices.Contains(known, name) {
			return nil, "", fmt.Errorf("onnx: unsupported model input %q", name)
		}
		inputs = append(inputs, name)
	}
	if len(outs) == 0 {
		return nil, "", fmt.Errorf("onnx: model has no outputs")
	}
	output := outs[0]
	if slices.Contains(outs, "logits") {
		output = "logits"
	}
	return inputs, output, nil
}

func (c *Classifier) NumLabels() int { return c.labels }

// Logits classifies a padded batch; every row must have the same length.
func (c *Classifier) Logits(ctx context.Context, ids, masks [][]int64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flatIDs, flatMask, seq, err := flatten(ids, masks)
	if err != nil {
		return nil, err
	}
	batch := int64(len(ids))
	shape := ort.NewShape(batch, int64(seq))

	var values []ort.Value
	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}
	}()
	for _, name := range c.inputs {
		var data []int64
		switch name {
		case "input_ids":
			data = flatIDs
		case "attention_mask":
			data = flatMask
		case "token_type_ids":
			data = make([]int64, len(flatIDs))
		}
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx: %s tensor: %w", name, err)
		}
		values = append(values, t)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, int64(c.labels)))
	if err != nil {
		return nil, fmt.Errorf("onnx: output tensor: %w", err)
	}
	defer func() { _ = out.Destroy() }()

	if err := c.session.Run(values, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	return splitRows(out.GetData(), len(ids), c.labels)
}

// Close destroys the session and releases the shared environment.
func (c *Classifier) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.session.Destroy(), releaseEnvironment())
	})
	return c.closeErr
}

func flatten(ids, masks [][]int64) ([]int64, []int64, int, error) {
	if len(ids) == 0 {
		return nil, nil, 0, fmt.Errorf("onnx: empty batch")
	}
	if len(masks) != len(ids) {
		return nil, nil, 0, fmt.Errorf("onnx: %d sequences but %d masks", len(ids), len(masks))
	}
	seq := len(ids[0])
	if seq == 0 {
		return nil, nil, 0, fmt.Errorf("onnx: empty sequence")
	}
	flatIDs := make([]int64, 0, len(ids)*seq)
	flatMask := make([]int64, 0, len(ids)*seq)
	for i := range ids {
		if len(ids[i]) != seq || len(masks[i]) != seq {
			return nil, nil, 0, fmt.Errorf("onnx: row %d has length %d/%d, want %d", i, len(ids[i]), len(masks[i]), seq)
		}
		flatIDs = append(flatIDs, ids[i]...)
		flatMask = append(flatMask, masks[i]...)
	}
	return flatIDs, flatMask, seq, nil
}

func splitRows(data []float32, batch, labels int) ([][]float32, error) {
	if len(data) != batch*labels {
		return nil, fmt.Errorf("onnx: output has %d values, want %dx%d", len(data), batch, labels)
	}
	out := make([][]float32, batch)
	for i := range out {
		out[i] = slices.Clone(data[i*labels : (i+1)*labels])
	}
	return out, nil
}
