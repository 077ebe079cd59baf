package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/hearthframe/voxrt/internal/audio"
	"github.com/hearthframe/voxrt/internal/chat"
	"github.com/hearthframe/voxrt/internal/lm"
	"github.com/hearthframe/voxrt/internal/tokenizer"
	"github.com/hearthframe/voxrt/internal/tts"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var voice string
	var noAudio bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive voice chat loop (LM -> TTS -> speaker)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			runnerCfg, err := resolveRunnerConfig(cfg)
			if err != nil {
				return err
			}

			tok, err := tokenizer.NewSentencePieceTokenizer(cfg.Paths.LMTokenizer)
			if err != nil {
				return fmt.Errorf("load lm tokenizer: %w", err)
			}

			model, err := lm.LoadModel(cfg.Paths.LMManifest, tok, runnerCfg, cfg.LM)
			if err != nil {
				return fmt.Errorf("load lm model: %w", err)
			}
			defer model.Close()

			synth, err := tts.NewService(cfg)
			if err != nil {
				return fmt.Errorf("initialize synth service: %w", err)
			}
			defer synth.Close()

			var device *audio.Device
			if !noAudio {
				device, err = audio.OpenDevice(
					cfg.Audio.CaptureDevice,
					cfg.Audio.PlaybackDevice,
					cfg.Audio.SampleRate,
					cfg.Audio.Channels,
				)
				if err != nil {
					return fmt.Errorf("open audio device: %w", err)
				}
				defer device.Close()
			}

			driver := chat.New(model, synth, device, cfg.Chat, voice)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			for {
				_, _ = fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}

				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/reset" {
					driver.Reset()
					continue
				}

				reply, err := driver.RunTurn(cmd.Context(), line, nil)
				if err != nil {
					return fmt.Errorf("chat turn: %w", err)
				}

				_, _ = fmt.Fprintln(out, reply)
			}
		},
	}

	cmd.Flags().StringVar(&voice, "voice", "", "Voice identifier or .safetensors path for replies")
	cmd.Flags().BoolVar(&noAudio, "no-audio", false, "Skip opening an audio device, print replies only")

	return cmd
}
