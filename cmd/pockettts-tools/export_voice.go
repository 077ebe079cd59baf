package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func newExportVoiceCmd() *cobra.Command {
	var audioPath string
	var outPath string
	var id string
	var license string

	cmd := &cobra.Command{
		Use:   "export-voice",
		Short: "Export a voice embedding (.safetensors) from a WAV prompt",
		Long: "Export a voice embedding (.safetensors) from a WAV prompt.\n\n" +
			"This is an optional tooling command and requires a Python pocket-tts installation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if audioPath == "" {
				return errors.New("--audio is required")
			}

			if outPath == "" {
				return errors.New("--out is required")
			}

			exe := cfg.TTS.CLIPath
			if exe == "" {
				exe = "pocket-tts"
			}

			if _, err := exec.LookPath(exe); err != nil {
				return fmt.Errorf(
					"export-voice requires the pocket-tts CLI (Python tooling) on PATH or --tts-cli-path: %w",
					err,
				)
			}

			if err := runExportVoiceCLI(cmd.Context(), exe, audioPath, outPath, cfg.TTS.CLIConfigPath, cfg.TTS.Quiet); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(os.Stdout, "export-voice completed")
			_, _ = fmt.Fprintf(os.Stdout, "Suggested manifest entry:\n")
			_, _ = fmt.Fprintf(os.Stdout, "{\"id\":\"%s\",\"path\":\"%s\",\"license\":\"%s\"}\n", id, outPath, license)

			return nil
		},
	}

	cmd.Flags().StringVar(&audioPath, "audio", "", "Input speaker audio WAV path")
	cmd.Flags().StringVar(&outPath, "out", "", "Output voice .safetensors path")
	cmd.Flags().StringVar(&id, "id", "custom-voice", "Voice ID for suggested manifest entry")
	cmd.Flags().StringVar(&license, "license", "unknown", "License label for suggested manifest entry")

	return cmd
}

// runExportVoiceCLI shells out to the Python pocket-tts CLI's voice export
// subcommand and streams its stderr to our own, since voice embedding export
// depends on the reference Python encoder and is out of scope for the native
// runtime path.
func runExportVoiceCLI(ctx context.Context, exe, audioPath, outPath, configPath string, quiet bool) error {
	args := []string{"export-voice", "--audio", audioPath, "--out", outPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	if quiet {
		args = append(args, "--quiet")
	}

	c := exec.CommandContext(ctx, exe, args...)

	stderr, err := c.StderrPipe()
	if err != nil {
		return fmt.Errorf("pocket-tts cli: attach stderr: %w", err)
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("pocket-tts cli: start: %w", err)
	}

	go streamLines(stderr, os.Stderr)

	if err := c.Wait(); err != nil {
		return fmt.Errorf("pocket-tts cli: %w", err)
	}

	return nil
}

func streamLines(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		_, _ = fmt.Fprintln(w, scanner.Text())
	}
}
