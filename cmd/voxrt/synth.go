package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hearthframe/voxrt/internal/audio"
	"github.com/hearthframe/voxrt/internal/config"
	textpkg "github.com/hearthframe/voxrt/internal/text"
	"github.com/hearthframe/voxrt/internal/tts"
	"github.com/spf13/cobra"
)

// synthRunOptions holds the flag values for the synth command, factored out
// of newSynthCmd so runSynthCommand can be exercised directly in tests
// without going through cobra.
type synthRunOptions struct {
	Text          string
	Out           string
	Voice         string
	TTSArgs       []string
	Backend       string
	Chunk         bool
	MaxChunkChars int
	Normalize     bool
	DCBlock       bool
	FadeInMS      float64
	FadeOutMS     float64
}

func newSynthCmd() *cobra.Command {
	var opts synthRunOptions

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runSynthCommand(cmd.Context(), cfg, opts, os.Stdin, os.Stdout, os.Stderr)
		},
	}

	cmd.Flags().StringVar(&opts.Text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&opts.Out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(
		&opts.Backend,
		"backend",
		"",
		"Synthesis backend override (onnx|cli; native/native-onnx are legacy aliases for onnx)",
	)
	cmd.Flags().StringVar(&opts.Voice, "voice", "", "Voice ID from voices/manifest.json (overrides config)")
	cmd.Flags().BoolVar(&opts.Chunk, "chunk", false, "Split text into sentence chunks and synthesize sequentially")
	cmd.Flags().IntVar(&opts.MaxChunkChars, "max-chunk-chars", 220, "Maximum characters per chunk when --chunk is enabled")
	cmd.Flags().BoolVar(&opts.Normalize, "normalize", false, "Peak-normalize output audio")
	cmd.Flags().BoolVar(&opts.DCBlock, "dc-block", false, "Apply DC-block high-pass filter")
	cmd.Flags().Float64Var(&opts.FadeInMS, "fade-in-ms", 0, "Apply linear fade-in duration in milliseconds")
	cmd.Flags().Float64Var(&opts.FadeOutMS, "fade-out-ms", 0, "Apply linear fade-out duration in milliseconds")
	cmd.Flags().StringArrayVar(&opts.TTSArgs, "tts-arg", nil, "Pass-through pocket-tts flag in key=value form (repeatable)")

	return cmd
}

// runSynthCommand resolves the backend and voice, builds chunks, synthesizes,
// applies any requested DSP, and writes the result — the full body of the
// synth command, factored out so it can run against fakes in tests.
func runSynthCommand(ctx context.Context, cfg config.Config, opts synthRunOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	selectedBackend, err := resolveSynthBackend(opts.Backend, cfg.TTS.Backend)
	if err != nil {
		return err
	}

	inputText, err := readSynthText(opts.Text, stdin)
	if err != nil {
		return err
	}

	selectedVoice := cfg.TTS.Voice
	if opts.Voice != "" {
		selectedVoice = opts.Voice
	}

	chunks, err := buildSynthesisChunks(inputText, opts.Chunk, opts.MaxChunkChars)
	if err != nil {
		return err
	}

	result, err := synthesizeForBackend(ctx, cfg, selectedBackend, selectedVoice, chunks, opts.TTSArgs, opts.Chunk, stderr)
	if err != nil {
		return mapSynthError(err)
	}

	if opts.Normalize || opts.DCBlock || opts.FadeInMS > 0 || opts.FadeOutMS > 0 {
		processed, err := applyDSPToWAV(result, synthDSPOptions{
			Normalize: opts.Normalize,
			DCBlock:   opts.DCBlock,
			FadeInMS:  opts.FadeInMS,
			FadeOutMS: opts.FadeOutMS,
		})
		if err != nil {
			return err
		}
		result = processed
	}

	return writeSynthOutput(opts.Out, result, stdout)
}

// synthesizeForBackend dispatches to the in-process ONNX runtime or the CLI
// subprocess runtime depending on backend.
func synthesizeForBackend(
	ctx context.Context,
	cfg config.Config,
	backend, voice string,
	chunks, ttsArgs []string,
	chunkMode bool,
	stderr io.Writer,
) ([]byte, error) {
	switch backend {
	case config.BackendONNX:
		if len(ttsArgs) > 0 {
			return nil, fmt.Errorf("--tts-arg is only supported with --backend cli")
		}
		resolvedVoice, err := resolveVoiceForONNX(voice)
		if err != nil {
			return nil, err
		}
		onnxCfg := cfg
		onnxCfg.TTS.Backend = backend
		return synthesizeONNX(ctx, onnxCfg, chunks, resolvedVoice)
	case config.BackendCLI:
		resolvedVoice, err := resolveVoiceOrPath(voice)
		if err != nil {
			return nil, err
		}
		return synthesizeChunks(ctx, synthChunksOptions{
			CLI: synthCLIOptions{
				ExecutablePath: cfg.TTS.CLIPath,
				ConfigPath:     cfg.TTS.CLIConfigPath,
				Voice:          resolvedVoice,
				Quiet:          cfg.TTS.Quiet,
				ExtraArgs:      ttsArgs,
				Stderr:         stderr,
			},
			Chunks:    chunks,
			ChunkMode: chunkMode,
		})
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}

type synthCLIOptions struct {
	ExecutablePath string
	ConfigPath     string
	Voice          string
	Quiet          bool
	Text           string
	ExtraArgs      []string
	Stderr         io.Writer
}

type synthChunksOptions struct {
	CLI       synthCLIOptions
	Chunks    []string
	ChunkMode bool
}

type synthDSPOptions struct {
	Normalize bool
	DCBlock   bool
	FadeInMS  float64
	FadeOutMS float64
}

var runChunkSynthesis = synthesizeViaCLI

func synthesizeViaCLI(ctx context.Context, opts synthCLIOptions) ([]byte, error) {
	exe := opts.ExecutablePath
	if exe == "" {
		exe = "pocket-tts"
	}
	if strings.TrimSpace(opts.Text) == "" {
		return nil, fmt.Errorf("synth failed: empty input text")
	}

	args := []string{"generate", "--text", "-", "--output-path", "-"}
	if opts.Voice != "" {
		args = append(args, "--voice", opts.Voice)
	}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.Quiet {
		args = append(args, "--quiet")
	}

	extra, err := buildPassthroughArgs(opts.ExtraArgs)
	if err != nil {
		return nil, err
	}
	args = append(args, extra...)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdin = strings.NewReader(opts.Text)
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func buildSynthesisChunks(input string, chunk bool, maxChunkChars int) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty input text")
	}
	if !chunk {
		return []string{input}, nil
	}

	chunks := textpkg.ChunkBySentence(input, maxChunkChars)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no non-empty chunks produced from input")
	}
	return out, nil
}

func synthesizeChunks(ctx context.Context, opts synthChunksOptions) ([]byte, error) {
	results := make([][]byte, 0, len(opts.Chunks))
	for i, chunkText := range opts.Chunks {
		chunkOpts := opts.CLI
		chunkOpts.Text = chunkText
		wavBytes, err := runChunkSynthesis(ctx, chunkOpts)
		if err != nil {
			return nil, fmt.Errorf("chunk %d synthesis failed: %w", i+1, err)
		}
		results = append(results, wavBytes)
	}

	if !opts.ChunkMode || len(results) == 1 {
		return results[0], nil
	}
	return concatenateWAVChunks(results)
}

func synthesizeONNX(ctx context.Context, cfg config.Config, chunks []string, voicePath string) ([]byte, error) {
	svc, err := tts.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize onnx synth service: %w", err)
	}
	defer svc.Close()

	merged := make([]float32, 0, 24000)
	for i, chunkText := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, err := svc.Synthesize(chunkText, voicePath)
		if err != nil {
			return nil, fmt.Errorf("onnx chunk %d synthesis failed: %w", i+1, err)
		}
		merged = append(merged, samples...)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("onnx synthesis produced no samples")
	}

	wavData, err := audio.EncodeWAV(merged)
	if err != nil {
		return nil, fmt.Errorf("encode onnx synthesis WAV: %w", err)
	}
	return wavData, nil
}

func concatenateWAVChunks(chunkWAVs [][]byte) ([]byte, error) {
	merged := make([]float32, 0, 24000)
	for i, data := range chunkWAVs {
		samples, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d WAV: %w", i+1, err)
		}
		merged = append(merged, samples...)
	}
	out, err := audio.EncodeWAV(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged WAV: %w", err)
	}
	return out, nil
}

func applyDSPToWAV(wavData []byte, opts synthDSPOptions) ([]byte, error) {
	samples, err := audio.DecodeWAV(wavData)
	if err != nil {
		return nil, fmt.Errorf("decode WAV for DSP: %w", err)
	}

	processed := samples
	if opts.Normalize {
		processed = audio.PeakNormalize(processed)
	}
	if opts.DCBlock {
		processed = audio.DCBlock(processed, audio.ExpectedSampleRate)
	}
	if opts.FadeInMS > 0 {
		processed = audio.FadeIn(processed, audio.ExpectedSampleRate, opts.FadeInMS)
	}
	if opts.FadeOutMS > 0 {
		processed = audio.FadeOut(processed, audio.ExpectedSampleRate, opts.FadeOutMS)
	}

	out, err := audio.EncodeWAV(processed)
	if err != nil {
		return nil, fmt.Errorf("encode WAV after DSP: %w", err)
	}
	return out, nil
}

func writeSynthOutput(outPath string, wavData []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return fmt.Errorf("stdout writer is nil")
		}
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(outPath, wavData, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}

func resolveSynthBackend(flagBackend, cfgBackend string) (string, error) {
	backend := strings.TrimSpace(flagBackend)
	if backend == "" {
		backend = strings.TrimSpace(cfgBackend)
	}
	return config.NormalizeBackend(backend)
}

// resolveVoiceForONNX resolves a voice identifier to a .safetensors path for
// the in-process ONNX backend. A direct path is returned as given; a voice ID
// is resolved through the manifest, relative to the manifest's directory, so
// the result is not necessarily absolute. Unlike resolveVoiceOrPath (which falls back to
// returning the raw voice string for the CLI), an unresolved ID here means no
// voice file — we return an empty string so Synthesize skips voice conditioning.
func resolveVoiceForONNX(voice string) (string, error) {
	if strings.TrimSpace(voice) == "" {
		return "", nil
	}

	// If it looks like a file path (contains a slash or ends in .safetensors),
	// treat it as a direct path.
	if strings.Contains(voice, string(filepath.Separator)) || strings.HasSuffix(voice, ".safetensors") {
		return voice, nil
	}

	// Resolve voice ID via the manifest.
	vm, err := tts.NewVoiceManager(filepath.Join("voices", "manifest.json"))
	if err != nil {
		// Manifest missing or unreadable — skip voice conditioning.
		return "", nil
	}
	path, err := vm.ResolvePath(voice)
	if err != nil {
		if strings.Contains(err.Error(), "unknown voice id") {
			// Not in manifest — skip voice conditioning rather than error.
			return "", nil
		}
		return "", fmt.Errorf("resolve --voice %q: %w", voice, err)
	}
	return path, nil
}

func resolveVoiceOrPath(voice string) (string, error) {
	if strings.TrimSpace(voice) == "" {
		return "", nil
	}

	vm, err := tts.NewVoiceManager(filepath.Join("voices", "manifest.json"))
	if err != nil {
		// Manifest is optional for integration and built-in voices; fall back.
		return voice, nil
	}
	path, err := vm.ResolvePath(voice)
	if err != nil {
		// If voice is not declared in manifest, treat it as a raw CLI voice value.
		if strings.Contains(err.Error(), "unknown voice id") {
			return voice, nil
		}
		return "", fmt.Errorf("resolve --voice %q: %w", voice, err)
	}
	return path, nil
}

func buildPassthroughArgs(items []string) ([]string, error) {
	args := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --tts-arg %q: expected key=value", item)
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("invalid --tts-arg %q: empty key", item)
		}
		if strings.HasPrefix(key, "--") {
			args = append(args, key+"="+val)
		} else if strings.HasPrefix(key, "-") {
			args = append(args, "-"+strings.TrimPrefix(key, "-")+"="+val)
		} else {
			args = append(args, "--"+key+"="+val)
		}
	}
	return args, nil
}

func mapSynthError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("synth failed: pocket-tts executable not found; set --tts-cli-path or VOXRT_TTS_CLI_PATH: %w", err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("synth failed: pocket-tts returned non-zero exit; check stderr details above: %w", err)
	}

	return err
}
