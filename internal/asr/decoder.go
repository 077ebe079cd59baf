// Package asr implements a streaming FastConformer-Transducer speech
// recognizer: a convolutional-attention encoder with rolling caches, an LSTM
// prediction network, and a greedy TDT (token-and-duration transducer)
// joiner decode loop.
package asr

import (
	"context"
	"fmt"

	"github.com/hearthframe/voxrt/internal/config"
	"github.com/hearthframe/voxrt/internal/feature"
	"github.com/hearthframe/voxrt/internal/onnx"
)

// Model is a loaded streaming ASR graph set plus its rolling decode state.
// A Model is not safe for concurrent use; callers needing concurrency should
// create one Model per audio stream.
type Model struct {
	engine *onnx.Engine
	vocab  []string
	cfg    config.ASRConfig

	blankIdx int
	extract  *feature.Extractor

	cacheLastChannel    *onnx.Tensor
	cacheLastTime       *onnx.Tensor
	cacheLastChannelLen *onnx.Tensor

	predState1 *onnx.Tensor
	predState2 *onnx.Tensor

	lastToken int64
}

// LoadModel builds a Model from an ONNX manifest (graphs "encoder",
// "decoder", "joiner") and a newline-delimited vocabulary file.
func LoadModel(manifestPath, vocabPath string, runnerCfg onnx.RunnerConfig, asrCfg config.ASRConfig) (*Model, error) {
	engine, err := onnx.NewEngine(manifestPath, runnerCfg)
	if err != nil {
		return nil, fmt.Errorf("asr: load manifest: %w", err)
	}

	for _, name := range []string{"encoder", "decoder", "joiner"} {
		if _, ok := engine.Runner(name); !ok {
			engine.Close()
			return nil, fmt.Errorf("asr: manifest missing required graph %q", name)
		}
	}

	vocab, err := loadVocab(vocabPath)
	if err != nil {
		engine.Close()
		return nil, err
	}

	extract, err := feature.NewExtractor(feature.Config{
		SampleRate: asrCfg.SampleRate,
		WindowSize: asrCfg.SampleRate * 25 / 1000,
		HopSize:    asrCfg.SampleRate * 10 / 1000,
		NumMels:    80,
		NumFFT:     512,
		FMin:       0,
		FMax:       float64(asrCfg.SampleRate) / 2,
	})
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("asr: build feature extractor: %w", err)
	}

	m := &Model{
		engine:   engine,
		vocab:    vocab,
		cfg:      asrCfg,
		blankIdx: len(vocab) - 1,
		extract:  extract,
	}

	m.Reset()

	return m, nil
}

// Reset clears rolling encoder caches, prediction-network state, and the
// feature extractor's tail buffer for a new utterance.
func (m *Model) Reset() {
	m.extract.Reset()

	m.cacheLastChannel = nil
	m.cacheLastTime = nil
	m.cacheLastChannelLen = nil
	m.predState1 = nil
	m.predState2 = nil
	m.lastToken = int64(m.blankIdx)
}

// snapshot captures rolling state so a failed step can be rolled back
// without corrupting the stream (spec 4.D: "Decode failure never corrupts
// rolling state").
type snapshot struct {
	cacheLastChannel    *onnx.Tensor
	cacheLastTime       *onnx.Tensor
	cacheLastChannelLen *onnx.Tensor
	predState1          *onnx.Tensor
	predState2          *onnx.Tensor
	lastToken           int64
}

func (m *Model) snapshot() snapshot {
	return snapshot{
		cacheLastChannel:    m.cacheLastChannel,
		cacheLastTime:       m.cacheLastTime,
		cacheLastChannelLen: m.cacheLastChannelLen,
		predState1:          m.predState1,
		predState2:          m.predState2,
		lastToken:           m.lastToken,
	}
}

func (m *Model) restore(s snapshot) {
	m.cacheLastChannel = s.cacheLastChannel
	m.cacheLastTime = s.cacheLastTime
	m.cacheLastChannelLen = s.cacheLastChannelLen
	m.predState1 = s.predState1
	m.predState2 = s.predState2
	m.lastToken = s.lastToken
}

// PushAudio feeds a PCM chunk (mono float32, Model's configured sample rate)
// through the feature extractor and the streaming encoder/decoder/joiner
// loop, returning the text decoded from this chunk only (callers
// concatenate chunk outputs to reconstruct the full transcript).
func (m *Model) PushAudio(ctx context.Context, pcm []float32) (string, error) {
	frames := m.extract.Push(pcm)
	if len(frames) == 0 {
		return "", nil
	}

	before := m.snapshot()

	var tokens []string

	for _, frame := range frames {
		m.extract.Normalize(frame)

		encOut, err := m.runEncoderStep(ctx, frame)
		if err != nil {
			m.restore(before)
			return "", fmt.Errorf("asr: encoder step: %w", err)
		}

		stepTokens, err := m.decodeTDTStep(ctx, encOut)
		if err != nil {
			m.restore(before)
			return "", fmt.Errorf("asr: decode step: %w", err)
		}

		tokens = append(tokens, stepTokens...)
	}

	return tokensToText(tokens), nil
}

func (m *Model) runEncoderStep(ctx context.Context, melFrame []float32) (*onnx.Tensor, error) {
	runner, _ := m.engine.Runner("encoder")

	inputs := map[string]*onnx.Tensor{}

	frameTensor, err := onnx.NewTensor(melFrame, []int64{1, 1, int64(len(melFrame))})
	if err != nil {
		return nil, err
	}

	inputs["audio_signal"] = frameTensor

	if m.cacheLastChannel != nil {
		inputs["cache_last_channel"] = m.cacheLastChannel
		inputs["cache_last_time"] = m.cacheLastTime
		inputs["cache_last_channel_len"] = m.cacheLastChannelLen
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}

	encOut, ok := outputs["encoder_output"]
	if !ok {
		return nil, fmt.Errorf("encoder graph missing 'encoder_output'")
	}

	if v, ok := outputs["cache_last_channel_next"]; ok {
		m.cacheLastChannel = v
	}

	if v, ok := outputs["cache_last_time_next"]; ok {
		m.cacheLastTime = v
	}

	if v, ok := outputs["cache_last_channel_len_next"]; ok {
		m.cacheLastChannelLen = v
	}

	return encOut, nil
}

// decodeTDTStep runs the greedy token-and-duration transducer loop for one
// encoder frame: repeatedly query the joiner, emit non-blank symbols and
// advance the prediction network, until a blank (or the per-frame symbol
// budget) ends the frame.
func (m *Model) decodeTDTStep(ctx context.Context, encOut *onnx.Tensor) ([]string, error) {
	var tokens []string

	for i := 0; i < m.cfg.MaxSymbolsStep; i++ {
		decOut, predState1, predState2, err := m.runDecoder(ctx, m.lastToken, m.predState1, m.predState2)
		if err != nil {
			return nil, err
		}

		tokenIdx, isBlank, err := m.runJoiner(ctx, encOut, decOut)
		if err != nil {
			return nil, err
		}

		if isBlank {
			break
		}

		m.predState1, m.predState2 = predState1, predState2
		m.lastToken = int64(tokenIdx)

		if tokenIdx >= 0 && tokenIdx < len(m.vocab) {
			tokens = append(tokens, m.vocab[tokenIdx])
		}
	}

	return tokens, nil
}

func (m *Model) runDecoder(ctx context.Context, token int64, state1, state2 *onnx.Tensor) (*onnx.Tensor, *onnx.Tensor, *onnx.Tensor, error) {
	runner, _ := m.engine.Runner("decoder")

	tokenTensor, err := onnx.NewTensor([]int64{token}, []int64{1, 1})
	if err != nil {
		return nil, nil, nil, err
	}

	inputs := map[string]*onnx.Tensor{"targets": tokenTensor}
	if state1 != nil {
		inputs["state1"] = state1
		inputs["state2"] = state2
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, nil, nil, err
	}

	decOut, ok := outputs["decoder_output"]
	if !ok {
		return nil, nil, nil, fmt.Errorf("decoder graph missing 'decoder_output'")
	}

	return decOut, outputs["state1_next"], outputs["state2_next"], nil
}

func (m *Model) runJoiner(ctx context.Context, encOut, decOut *onnx.Tensor) (int, bool, error) {
	runner, _ := m.engine.Runner("joiner")

	outputs, err := runner.Run(ctx, map[string]*onnx.Tensor{
		"encoder_outputs": encOut,
		"decoder_outputs": decOut,
	})
	if err != nil {
		return 0, false, err
	}

	logitsT, ok := outputs["logits"]
	if !ok {
		return 0, false, fmt.Errorf("joiner graph missing 'logits'")
	}

	logits, err := onnx.ExtractFloat32(logitsT)
	if err != nil {
		return 0, false, err
	}

	best, bestIdx := float32(-1e30), 0

	for i, v := range logits {
		if v > best {
			best, bestIdx = v, i
		}
	}

	isBlank := bestIdx == m.blankIdx || float64(logits[m.blankIdx])+m.cfg.BlankThreshold >= float64(best)

	return bestIdx, isBlank, nil
}

// Close releases the underlying ONNX graphs.
func (m *Model) Close() {
	if m.engine != nil {
		m.engine.Close()
	}
}
