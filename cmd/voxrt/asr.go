package main

import (
	"fmt"
	"os"

	"github.com/hearthframe/voxrt/internal/asr"
	"github.com/hearthframe/voxrt/internal/audio"
	"github.com/spf13/cobra"
)

func newASRCmd() *cobra.Command {
	var wavPath string

	cmd := &cobra.Command{
		Use:   "asr",
		Short: "Transcribe a mono 16-bit PCM WAV file with the streaming decoder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if wavPath == "" {
				return fmt.Errorf("--wav is required")
			}

			data, err := os.ReadFile(wavPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", wavPath, err)
			}

			samples, rate, err := audio.DecodeWAVRate(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", wavPath, err)
			}
			if rate != cfg.ASR.SampleRate {
				return fmt.Errorf("wav sample rate %d does not match asr-sample-rate %d", rate, cfg.ASR.SampleRate)
			}

			runnerCfg, err := resolveRunnerConfig(cfg)
			if err != nil {
				return err
			}

			model, err := asr.LoadModel(cfg.Paths.ASRManifest, cfg.Paths.ASRVocab, runnerCfg, cfg.ASR)
			if err != nil {
				return fmt.Errorf("load asr model: %w", err)
			}
			defer model.Close()

			chunkFrames := rate * cfg.ASR.ChunkMillis / 1000
			if chunkFrames <= 0 {
				chunkFrames = len(samples)
			}

			var transcript string
			for start := 0; start < len(samples); start += chunkFrames {
				end := min(start+chunkFrames, len(samples))

				piece, err := model.PushAudio(cmd.Context(), samples[start:end])
				if err != nil {
					return fmt.Errorf("decode chunk at frame %d: %w", start, err)
				}
				transcript += piece
			}

			_, err = fmt.Fprintln(os.Stdout, transcript)
			return err
		},
	}

	cmd.Flags().StringVar(&wavPath, "wav", "", "Path to a mono 16-bit PCM WAV file")

	return cmd
}
