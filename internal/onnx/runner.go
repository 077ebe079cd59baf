//go:build !js && !windows

package onnx

import (
	"context"
	"fmt"

	"github.com/hearthframe/voxrt/internal/ortffi"
)

// RunnerConfig holds native tensor runtime settings for creating runners.
type RunnerConfig struct {
	LibraryPath      string
	APIVersion       uint32
	Executor         ortffi.Executor
	Threads          int
	ModelWeightsPath string // Optional .safetensors checkpoint path (used by voice encoding).
}

// Runner wraps a native tensor runtime session for a single graph. Each
// runner owns its own Runtime handle rather than sharing a process-global
// one, so that closing one graph never invalidates another's sessions.
type Runner struct {
	name    string
	runtime *ortffi.Runtime
	session *ortffi.Session
	meta    Session
}

// NewRunner creates a runner for a single graph session.
func NewRunner(meta Session, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 17
	}

	runtime, err := ortffi.New(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("native runtime for %q: %w", meta.Name, err)
	}

	session, err := runtime.CreateSession(cfg.Executor, ortffi.OptAll, cfg.Threads, meta.Path)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("native session for %q (%s): %w", meta.Name, meta.Path, err)
	}

	return &Runner{
		name:    meta.Name,
		runtime: runtime,
		session: session,
		meta:    meta,
	}, nil
}

// Run executes the graph with the given named input tensors.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nativeInputs := make(map[string]*ortffi.Value, len(inputs))
	for name, t := range inputs {
		v, err := tensorToValue(r.runtime, t)
		if err != nil {
			closeValues(nativeInputs)
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		nativeInputs[name] = v
	}

	defer closeValues(nativeInputs)

	outputNames := make([]string, 0, r.session.OutputCount())

	for i := 0; i < r.session.OutputCount(); i++ {
		name, err := r.session.OutputName(i)
		if err != nil {
			return nil, fmt.Errorf("run %q: output name %d: %w", r.name, i, err)
		}

		outputNames = append(outputNames, name)
	}

	outValues, err := r.session.Run(nativeInputs, outputNames)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.name, err)
	}

	results := make(map[string]*Tensor, len(outValues))

	for i, v := range outValues {
		t, err := valueToTensor(v)
		v.Close()

		if err != nil {
			return nil, fmt.Errorf("output %q: %w", outputNames[i], err)
		}

		results[outputNames[i]] = t
	}

	return results, nil
}

// Close releases all native resources. Safe to call multiple times.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}

	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

// Name returns the graph name from the manifest.
func (r *Runner) Name() string {
	return r.name
}

// Session exposes the underlying native session for callers that need raw
// introspection, such as KV-cache input-name discovery by name rather than
// by position.
func (r *Runner) Session() *ortffi.Session { return r.session }

func tensorToValue(rt *ortffi.Runtime, t *Tensor) (*ortffi.Value, error) {
	switch data := t.Data().(type) {
	case []float32:
		return ortffi.FromSlice(rt, t.Shape(), data)
	case []int64:
		return ortffi.FromSlice(rt, t.Shape(), data)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %T", data)
	}
}

func valueToTensor(v *ortffi.Value) (*Tensor, error) {
	switch v.TensorElementType() {
	case ortffi.ElementTypeFloat32:
		data, err := ortffi.ExtractTensor[float32](v)
		if err != nil {
			return nil, err
		}

		return NewTensor(data, v.TensorShape())
	case ortffi.ElementTypeFloat16:
		data, err := v.ExtractAsF32()
		if err != nil {
			return nil, err
		}

		return NewTensor(data, v.TensorShape())
	case ortffi.ElementTypeInt64:
		data, err := ortffi.ExtractTensor[int64](v)
		if err != nil {
			return nil, err
		}

		return NewTensor(data, v.TensorShape())
	default:
		return nil, fmt.Errorf("unsupported native element type %s", v.TensorElementType())
	}
}

func closeValues(vals map[string]*ortffi.Value) {
	for _, v := range vals {
		v.Close()
	}
}
