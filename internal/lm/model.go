// Package lm implements an autoregressive causal language model turn loop
// with an externally threaded KV cache: generated tokens are fed back one at
// a time, and each step's "present.N.{key,value}" outputs become the next
// step's "past_key_values.N.{key,value}" inputs, discovered by name rather
// than position.
package lm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hearthframe/voxrt/internal/config"
	"github.com/hearthframe/voxrt/internal/onnx"
	"github.com/hearthframe/voxrt/internal/tokenizer"
)

// Model is a loaded causal LM graph plus KV-cache bookkeeping.
type Model struct {
	engine    *onnx.Engine
	tok       tokenizer.Tokenizer
	cfg       config.LMConfig
	layerKeys []layerKVNames
}

type layerKVNames struct {
	layer           int
	pastKey         string
	pastValue       string
	presentKey      string
	presentValue    string
}

var kvNamePattern = regexp.MustCompile(`^past_key_values\.(\d+)\.(key|value)$`)

// LoadModel builds a Model from an ONNX manifest (a single "model" graph
// exposing past_key_values.N.{key,value} inputs and present.N.{key,value}
// outputs) and a tokenizer.
func LoadModel(manifestPath string, tok tokenizer.Tokenizer, runnerCfg onnx.RunnerConfig, cfg config.LMConfig) (*Model, error) {
	engine, err := onnx.NewEngine(manifestPath, runnerCfg)
	if err != nil {
		return nil, fmt.Errorf("lm: load manifest: %w", err)
	}

	runner, ok := engine.Runner("model")
	if !ok {
		engine.Close()
		return nil, fmt.Errorf("lm: manifest missing required graph %q", "model")
	}

	layers, err := discoverKVLayers(runner.Session())
	if err != nil {
		engine.Close()
		return nil, err
	}

	return &Model{engine: engine, tok: tok, cfg: cfg, layerKeys: layers}, nil
}

// discoverKVLayers inspects the model graph's input names to find the
// past_key_values.N.{key,value} family, rather than assuming a fixed layer
// count or input ordering.
func discoverKVLayers(sess onnxSessionLike) ([]layerKVNames, error) {
	seen := map[int]bool{}

	for i := 0; i < sess.InputCount(); i++ {
		name, err := sess.InputName(i)
		if err != nil {
			return nil, fmt.Errorf("lm: input name %d: %w", i, err)
		}

		m := kvNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}

		layer, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		seen[layer] = true
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("lm: model graph exposes no past_key_values.N.{key,value} inputs")
	}

	layers := make([]layerKVNames, 0, len(seen))
	for layer := range seen {
		layers = append(layers, layerKVNames{
			layer:        layer,
			pastKey:      fmt.Sprintf("past_key_values.%d.key", layer),
			pastValue:    fmt.Sprintf("past_key_values.%d.value", layer),
			presentKey:   fmt.Sprintf("present.%d.key", layer),
			presentValue: fmt.Sprintf("present.%d.value", layer),
		})
	}

	return layers, nil
}

// Generate runs the autoregressive decode loop over a chat transcript,
// rendering it with the configured chat template, and calls onToken with
// the incremental text produced by each new token (decoded from all tokens
// generated so far, emitting only the new suffix, since a single
// token rarely decodes to a stable byte boundary on its own). Generation
// stops at the template's turn-closing marker or after MaxNewTokens.
func (m *Model) Generate(ctx context.Context, turns []Turn, onToken func(text string) error) error {
	runner, _ := m.engine.Runner("model")

	tmpl := resolveTemplate(m.cfg.ChatTemplate)
	prompt := tmpl.render(turns)

	promptIDs, err := m.tok.Encode(prompt)
	if err != nil {
		return fmt.Errorf("lm: encode prompt: %w", err)
	}

	sequence := append([]int64(nil), promptIDs...)

	kv := make(map[string]*onnx.Tensor, len(m.layerKeys)*2)

	var emitted string

	maxNew := m.cfg.MaxNewTokens
	if maxNew <= 0 {
		maxNew = 256
	}

	for step := 0; step < maxNew; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var inputIDs []int64
		if step == 0 {
			inputIDs = sequence
		} else {
			inputIDs = sequence[len(sequence)-1:]
		}

		inputs := map[string]*onnx.Tensor{}

		idTensor, err := onnx.NewTensor(inputIDs, []int64{1, int64(len(inputIDs))})
		if err != nil {
			return fmt.Errorf("lm: build input_ids tensor: %w", err)
		}

		inputs["input_ids"] = idTensor

		for _, l := range m.layerKeys {
			if k, ok := kv[l.pastKey]; ok {
				inputs[l.pastKey] = k
				inputs[l.pastValue] = kv[l.pastValue]
			}
		}

		outputs, err := runner.Run(ctx, inputs)
		if err != nil {
			return fmt.Errorf("lm: step %d: %w", step, err)
		}

		for _, l := range m.layerKeys {
			k, ok := outputs[l.presentKey]
			if !ok {
				return fmt.Errorf("lm: missing output %q", l.presentKey)
			}

			v, ok := outputs[l.presentValue]
			if !ok {
				return fmt.Errorf("lm: missing output %q", l.presentValue)
			}

			kv[l.pastKey] = k
			kv[l.pastValue] = v
		}

		logitsT, ok := outputs["logits"]
		if !ok {
			return fmt.Errorf("lm: missing output 'logits'")
		}

		nextToken, err := m.sampleNextToken(logitsT)
		if err != nil {
			return err
		}

		sequence = append(sequence, nextToken)

		full, err := m.tok.Decode(sequence[len(promptIDs):])
		if err != nil {
			return fmt.Errorf("lm: decode: %w", err)
		}

		stopped := false
		if idx := strings.Index(full, tmpl.stopAt); idx >= 0 {
			full = full[:idx]
			stopped = true
		}

		if len(full) > len(emitted) {
			delta := full[len(emitted):]
			emitted = full

			if err := onToken(delta); err != nil {
				return err
			}
		}

		if stopped {
			break
		}
	}

	return nil
}

func (m *Model) sampleNextToken(logitsT *onnx.Tensor) (int64, error) {
	logits, err := onnx.ExtractFloat32(logitsT)
	if err != nil {
		return 0, fmt.Errorf("lm: extract logits: %w", err)
	}

	shape := logitsT.Shape()

	vocabSize := int(shape[len(shape)-1])
	if vocabSize <= 0 || vocabSize > len(logits) {
		return 0, fmt.Errorf("lm: invalid vocab size %d for logits length %d", vocabSize, len(logits))
	}

	// Use only the last position's logits (final row of the sequence dim).
	lastRow := logits[len(logits)-vocabSize:]

	best, bestIdx := float32(-1e30), 0

	for i, v := range lastRow {
		if v > best {
			best, bestIdx = v, i
		}
	}

	return int64(bestIdx), nil
}

// Close releases the underlying ONNX graph.
func (m *Model) Close() {
	if m.engine != nil {
		m.engine.Close()
	}
}

// onnxSessionLike is the subset of *ortffi.Session (via *onnx.Runner.Session)
// used for input-name discovery, kept as an interface so it can be unit
// tested against a fake without importing ortffi directly.
type onnxSessionLike interface {
	InputCount() int
	InputName(i int) (string, error)
}
