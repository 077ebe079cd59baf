// Package chat wires a language model turn loop to speech synthesis and
// audio output: the LM's streamed text is split at sentence boundaries and
// each sentence is handed off for synthesis as soon as it completes, so
// playback can start before the model has finished generating.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/hearthframe/voxrt/internal/audio"
	"github.com/hearthframe/voxrt/internal/config"
	"github.com/hearthframe/voxrt/internal/lm"
	"github.com/hearthframe/voxrt/internal/sink"
	"github.com/hearthframe/voxrt/internal/text"
	"github.com/hearthframe/voxrt/internal/tts"
)

// Synthesizer is the subset of *tts.Service the driver depends on.
type Synthesizer interface {
	SynthesizeCtx(ctx context.Context, input string, voicePath string) ([]float32, error)
}

var _ Synthesizer = (*tts.Service)(nil)

// Generator is the subset of *lm.Model the driver depends on.
type Generator interface {
	Generate(ctx context.Context, turns []lm.Turn, onToken func(text string) error) error
}

var _ Generator = (*lm.Model)(nil)

// Driver runs one chat turn: prompt the LM, split its streamed reply into
// sentences, synthesize each sentence, and emit the resulting PCM in order.
type Driver struct {
	lm     Generator
	synth  Synthesizer
	device *audio.Device
	cfg    config.ChatConfig
	voice  string

	history []lm.Turn
}

// New builds a Driver. device may be nil, in which case synthesized audio
// is only delivered via the onAudio callback passed to RunTurn, never
// played.
func New(lmModel Generator, synth Synthesizer, device *audio.Device, cfg config.ChatConfig, voicePath string) *Driver {
	var history []lm.Turn
	if cfg.SystemPrompt != "" {
		history = append(history, lm.Turn{Role: "system", Content: cfg.SystemPrompt})
	}

	return &Driver{lm: lmModel, synth: synth, device: device, cfg: cfg, voice: voicePath, history: history}
}

// RunTurn appends userText to the conversation, runs the LM to produce a
// reply, synthesizes it sentence by sentence, and calls onAudio once per
// synthesized sentence in generation order. It returns the full reply text.
func (d *Driver) RunTurn(ctx context.Context, userText string, onAudio func(samples []float32) error) (string, error) {
	d.history = append(d.history, lm.Turn{Role: "user", Content: userText})

	workers := d.cfg.AdapterWorkers
	if workers <= 0 {
		workers = 2
	}

	adapter := sink.NewStreamingAdapter(workers, func(ctx context.Context, sentence string) ([]float32, error) {
		return d.synth.SynthesizeCtx(ctx, sentence, d.voice)
	})

	drainErrCh := make(chan error, 1)

	go func() {
		drainErrCh <- d.drain(ctx, adapter, onAudio)
	}()

	flushed := 0
	var full strings.Builder

	genErr := d.lm.Generate(ctx, d.history, func(delta string) error {
		full.WriteString(delta)

		if !d.cfg.SentenceChunks {
			return nil
		}

		sentences := text.SplitSentences(full.String())
		// Only the sentences before the last (possibly still-growing) one
		// are known to be complete.
		for flushed < len(sentences)-1 {
			if err := adapter.Send(ctx, sentences[flushed]); err != nil {
				return fmt.Errorf("chat: send sentence to synthesis: %w", err)
			}

			flushed++
		}

		return nil
	})

	reply := full.String()

	if genErr == nil {
		sentences := text.SplitSentences(reply)
		if !d.cfg.SentenceChunks {
			sentences = []string{reply}
			flushed = 0
		}

		for flushed < len(sentences) {
			if err := adapter.Send(ctx, sentences[flushed]); err != nil {
				genErr = fmt.Errorf("chat: send final sentence to synthesis: %w", err)
				break
			}

			flushed++
		}
	}

	adapter.Close()

	drainErr := <-drainErrCh

	if genErr != nil {
		return reply, genErr
	}
	if drainErr != nil {
		return reply, drainErr
	}

	d.history = append(d.history, lm.Turn{Role: "assistant", Content: reply})

	return reply, nil
}

func (d *Driver) drain(ctx context.Context, stream sink.Stream[[]float32], onAudio func([]float32) error) error {
	for {
		samples, ok, err := stream.PollNext(ctx)
		if err != nil {
			return fmt.Errorf("chat: synthesis stream: %w", err)
		}

		if !ok {
			return nil
		}

		if d.device != nil {
			if err := d.device.Play(samples); err != nil {
				return fmt.Errorf("chat: play audio: %w", err)
			}
		}

		if onAudio != nil {
			if err := onAudio(samples); err != nil {
				return err
			}
		}
	}
}

// Reset clears conversation history back to just the system prompt (if
// any).
func (d *Driver) Reset() {
	var history []lm.Turn
	if d.cfg.SystemPrompt != "" {
		history = append(history, lm.Turn{Role: "system", Content: d.cfg.SystemPrompt})
	}

	d.history = history
}
