package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	TTS      TTSConfig     `mapstructure:"tts"`
	ASR      ASRConfig     `mapstructure:"asr"`
	Pose     PoseConfig    `mapstructure:"pose"`
	Audio    AudioConfig   `mapstructure:"audio"`
	LM       LMConfig      `mapstructure:"lm"`
	Chat     ChatConfig    `mapstructure:"chat"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	VoicePath      string `mapstructure:"voice_path"`
	ONNXManifest   string `mapstructure:"onnx_manifest"`
	TokenizerModel string `mapstructure:"tokenizer_model"`
	ASRManifest    string `mapstructure:"asr_manifest"`
	ASRVocab       string `mapstructure:"asr_vocab"`
	LMManifest     string `mapstructure:"lm_manifest"`
	LMTokenizer    string `mapstructure:"lm_tokenizer"`
	PoseManifest   string `mapstructure:"pose_manifest"`
}

// ASRConfig configures the streaming speech-to-text decoder.
type ASRConfig struct {
	ChunkMillis    int     `mapstructure:"chunk_millis"`
	SampleRate     int     `mapstructure:"sample_rate"`
	BlankThreshold float64 `mapstructure:"blank_threshold"`
	MaxSymbolsStep int     `mapstructure:"max_symbols_per_step"`
}

// PoseConfig configures the frame-wise pose detector.
type PoseConfig struct {
	ConfThreshold float64 `mapstructure:"conf_threshold"`
	IOUThreshold  float64 `mapstructure:"iou_threshold"`
	InputSize     int     `mapstructure:"input_size"`
	MaxDetections int     `mapstructure:"max_detections"`
}

// AudioConfig configures capture/playback device binding.
type AudioConfig struct {
	CaptureDevice  string `mapstructure:"capture_device"`
	PlaybackDevice string `mapstructure:"playback_device"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Channels       int    `mapstructure:"channels"`
}

// LMConfig configures the autoregressive chat language model.
type LMConfig struct {
	ChatTemplate string  `mapstructure:"chat_template"`
	MaxNewTokens int     `mapstructure:"max_new_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	TopP         float64 `mapstructure:"top_p"`
}

// ChatConfig configures the end-to-end ASR -> LM -> TTS orchestration.
type ChatConfig struct {
	SystemPrompt   string `mapstructure:"system_prompt"`
	SentenceChunks bool   `mapstructure:"sentence_chunks"`
	AdapterWorkers int    `mapstructure:"adapter_workers"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ConvWorkers    int    `mapstructure:"conv_workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	GRPCAddr        string `mapstructure:"grpc_addr"`
	Workers         int    `mapstructure:"workers"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_secs"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout_secs"`
}

type TTSConfig struct {
	Backend        string  `mapstructure:"backend"`
	Voice          string  `mapstructure:"voice"`
	CLIPath        string  `mapstructure:"cli_path"`
	CLIConfigPath  string  `mapstructure:"cli_config_path"`
	Concurrency    int     `mapstructure:"concurrency"`
	Quiet          bool    `mapstructure:"quiet"`
	Temperature    float64 `mapstructure:"temperature"`
	EOSThreshold   float64 `mapstructure:"eos_threshold"`
	MaxSteps       int     `mapstructure:"max_steps"`
	LSDDecodeSteps int     `mapstructure:"lsd_decode_steps"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:      "models/tts_b6369a24.safetensors",
			VoicePath:      "models/voice.bin",
			ONNXManifest:   "models/onnx/manifest.json",
			TokenizerModel: "models/tokenizer.model",
			ASRManifest:    "models/asr/manifest.json",
			ASRVocab:       "models/asr/vocab.txt",
			LMManifest:     "models/lm/manifest.json",
			LMTokenizer:    "models/lm/tokenizer.json",
			PoseManifest:   "models/pose/manifest.json",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			ConvWorkers:    2,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			GRPCAddr:        ":9090",
			Workers:         2,
			ShutdownTimeout: 30,
			MaxTextBytes:    4096,
			RequestTimeout:  60,
		},
		TTS: TTSConfig{
			Backend:        BackendONNX,
			Voice:          "",
			CLIPath:        "",
			CLIConfigPath:  "",
			Concurrency:    1,
			Quiet:          true,
			Temperature:    0.7,
			EOSThreshold:   -4.0,
			MaxSteps:       256,
			LSDDecodeSteps: 1,
		},
		ASR: ASRConfig{
			ChunkMillis:    160,
			SampleRate:     16000,
			BlankThreshold: 0.0,
			MaxSymbolsStep: 10,
		},
		Pose: PoseConfig{
			ConfThreshold: 0.25,
			IOUThreshold:  0.45,
			InputSize:     640,
			MaxDetections: 100,
		},
		Audio: AudioConfig{
			CaptureDevice:  "",
			PlaybackDevice: "",
			SampleRate:     16000,
			Channels:       1,
		},
		LM: LMConfig{
			ChatTemplate: "chatml",
			MaxNewTokens: 256,
			Temperature:  0.7,
			TopP:         0.9,
		},
		Chat: ChatConfig{
			SystemPrompt:   "",
			SentenceChunks: true,
			AdapterWorkers: 2,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to model file (.onnx manifest entry, or a .safetensors voice embedding)")
	fs.String("paths-voice-path", defaults.Paths.VoicePath, "Path to voice/profile asset")
	fs.String("paths-onnx-manifest", defaults.Paths.ONNXManifest, "Path to ONNX model manifest JSON")
	fs.String("paths-tokenizer-model", defaults.Paths.TokenizerModel, "Path to SentencePiece tokenizer model")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Parallel goroutines for Conv1D/ConvTranspose1D (1 = sequential, default 2)")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.String("server-grpc-addr", defaults.Server.GRPCAddr, "gRPC listen address")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent pocket-tts subprocesses for serve command")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain timeout in seconds")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Maximum POST /tts text size in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.String(
		"backend",
		defaults.TTS.Backend,
		"Synthesis backend (onnx|cli; native/native-onnx are legacy aliases for onnx)",
	)
	fs.String("tts-voice", defaults.TTS.Voice, "Voice name or .safetensors file path")
	fs.String("tts-cli-path", defaults.TTS.CLIPath, "Path to pocket-tts executable")
	fs.String("tts-cli-config-path", defaults.TTS.CLIConfigPath, "Path to pocket-tts config file")
	fs.Int("tts-concurrency", defaults.TTS.Concurrency, "Max concurrent pocket-tts subprocesses")
	fs.Bool("tts-quiet", defaults.TTS.Quiet, "Pass --quiet to pocket-tts generate")
	fs.Float64("temperature", defaults.TTS.Temperature, "Noise temperature for flow sampling")
	fs.Float64("eos-threshold", defaults.TTS.EOSThreshold, "Raw logit threshold for EOS detection")
	fs.Int("max-steps", defaults.TTS.MaxSteps, "Maximum autoregressive generation steps")
	fs.Int("lsd-steps", defaults.TTS.LSDDecodeSteps, "Euler integration steps per latent frame")
	fs.String("paths-asr-manifest", defaults.Paths.ASRManifest, "Path to ASR ONNX model manifest JSON")
	fs.String("paths-asr-vocab", defaults.Paths.ASRVocab, "Path to ASR vocabulary file")
	fs.String("paths-lm-manifest", defaults.Paths.LMManifest, "Path to LM ONNX model manifest JSON")
	fs.String("paths-lm-tokenizer", defaults.Paths.LMTokenizer, "Path to LM tokenizer file")
	fs.String("paths-pose-manifest", defaults.Paths.PoseManifest, "Path to pose detector ONNX model manifest JSON")
	fs.Int("asr-chunk-millis", defaults.ASR.ChunkMillis, "Streaming ASR audio chunk size in milliseconds")
	fs.Int("asr-sample-rate", defaults.ASR.SampleRate, "Expected ASR input sample rate in Hz")
	fs.Float64("asr-blank-threshold", defaults.ASR.BlankThreshold, "Logit margin favoring the blank token during greedy decode")
	fs.Int("asr-max-symbols-per-step", defaults.ASR.MaxSymbolsStep, "Maximum non-blank symbols emitted per encoder frame")
	fs.Float64("pose-conf-threshold", defaults.Pose.ConfThreshold, "Minimum detection confidence")
	fs.Float64("pose-iou-threshold", defaults.Pose.IOUThreshold, "NMS IoU threshold")
	fs.Int("pose-input-size", defaults.Pose.InputSize, "Square input resolution fed to the pose detector")
	fs.Int("pose-max-detections", defaults.Pose.MaxDetections, "Maximum detections kept per frame after NMS")
	fs.String("audio-capture-device", defaults.Audio.CaptureDevice, "Capture device name (empty = system default)")
	fs.String("audio-playback-device", defaults.Audio.PlaybackDevice, "Playback device name (empty = system default)")
	fs.Int("audio-sample-rate", defaults.Audio.SampleRate, "Capture/playback sample rate in Hz")
	fs.Int("audio-channels", defaults.Audio.Channels, "Capture/playback channel count")
	fs.String("lm-chat-template", defaults.LM.ChatTemplate, "Chat template (chatml|llama3|gemma|phi3)")
	fs.Int("lm-max-new-tokens", defaults.LM.MaxNewTokens, "Maximum tokens generated per LM turn")
	fs.Float64("lm-temperature", defaults.LM.Temperature, "LM sampling temperature (not applied: LM decoding always takes the highest-scoring token)")
	fs.Float64("lm-top-p", defaults.LM.TopP, "LM nucleus sampling threshold (not applied: LM decoding always takes the highest-scoring token)")
	fs.String("chat-system-prompt", defaults.Chat.SystemPrompt, "System prompt prepended to every chat session")
	fs.Bool("chat-sentence-chunks", defaults.Chat.SentenceChunks, "Pipeline LM output to TTS one sentence at a time")
	fs.Int("chat-adapter-workers", defaults.Chat.AdapterWorkers, "Worker pool size backing each Sink/Stream adapter")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("VOXRT")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "VOXRT_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("voxrt")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.voice_path", c.Paths.VoicePath)
	v.SetDefault("paths.onnx_manifest", c.Paths.ONNXManifest)
	v.SetDefault("paths.tokenizer_model", c.Paths.TokenizerModel)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.grpc_addr", c.Server.GRPCAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.shutdown_timeout_secs", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout_secs", c.Server.RequestTimeout)
	v.SetDefault("tts.backend", c.TTS.Backend)
	v.SetDefault("tts.voice", c.TTS.Voice)
	v.SetDefault("tts.cli_path", c.TTS.CLIPath)
	v.SetDefault("tts.cli_config_path", c.TTS.CLIConfigPath)
	v.SetDefault("tts.concurrency", c.TTS.Concurrency)
	v.SetDefault("tts.quiet", c.TTS.Quiet)
	v.SetDefault("tts.temperature", c.TTS.Temperature)
	v.SetDefault("tts.eos_threshold", c.TTS.EOSThreshold)
	v.SetDefault("tts.max_steps", c.TTS.MaxSteps)
	v.SetDefault("tts.lsd_decode_steps", c.TTS.LSDDecodeSteps)
	v.SetDefault("paths.asr_manifest", c.Paths.ASRManifest)
	v.SetDefault("paths.asr_vocab", c.Paths.ASRVocab)
	v.SetDefault("paths.lm_manifest", c.Paths.LMManifest)
	v.SetDefault("paths.lm_tokenizer", c.Paths.LMTokenizer)
	v.SetDefault("paths.pose_manifest", c.Paths.PoseManifest)
	v.SetDefault("asr.chunk_millis", c.ASR.ChunkMillis)
	v.SetDefault("asr.sample_rate", c.ASR.SampleRate)
	v.SetDefault("asr.blank_threshold", c.ASR.BlankThreshold)
	v.SetDefault("asr.max_symbols_per_step", c.ASR.MaxSymbolsStep)
	v.SetDefault("pose.conf_threshold", c.Pose.ConfThreshold)
	v.SetDefault("pose.iou_threshold", c.Pose.IOUThreshold)
	v.SetDefault("pose.input_size", c.Pose.InputSize)
	v.SetDefault("pose.max_detections", c.Pose.MaxDetections)
	v.SetDefault("audio.capture_device", c.Audio.CaptureDevice)
	v.SetDefault("audio.playback_device", c.Audio.PlaybackDevice)
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.channels", c.Audio.Channels)
	v.SetDefault("lm.chat_template", c.LM.ChatTemplate)
	v.SetDefault("lm.max_new_tokens", c.LM.MaxNewTokens)
	v.SetDefault("lm.temperature", c.LM.Temperature)
	v.SetDefault("lm.top_p", c.LM.TopP)
	v.SetDefault("chat.system_prompt", c.Chat.SystemPrompt)
	v.SetDefault("chat.sentence_chunks", c.Chat.SentenceChunks)
	v.SetDefault("chat.adapter_workers", c.Chat.AdapterWorkers)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.model_path", "paths-model-path")
	v.RegisterAlias("paths.voice_path", "paths-voice-path")
	v.RegisterAlias("paths.onnx_manifest", "paths-onnx-manifest")
	v.RegisterAlias("paths.tokenizer_model", "paths-tokenizer-model")
	v.RegisterAlias("runtime.threads", "runtime-threads")
	v.RegisterAlias("runtime.inter_op_threads", "runtime-inter-op-threads")
	v.RegisterAlias("runtime.conv_workers", "conv-workers")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("runtime.ort_library_path", "ort-lib")
	v.RegisterAlias("runtime.ort_version", "runtime-ort-version")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.grpc_addr", "server-grpc-addr")
	v.RegisterAlias("server.workers", "workers")
	v.RegisterAlias("server.shutdown_timeout_secs", "shutdown-timeout")
	v.RegisterAlias("server.max_text_bytes", "max-text-bytes")
	v.RegisterAlias("server.request_timeout_secs", "request-timeout")
	v.RegisterAlias("tts.backend", "backend")
	v.RegisterAlias("tts.voice", "tts-voice")
	v.RegisterAlias("tts.cli_path", "tts-cli-path")
	v.RegisterAlias("tts.cli_config_path", "tts-cli-config-path")
	v.RegisterAlias("tts.concurrency", "tts-concurrency")
	v.RegisterAlias("tts.quiet", "tts-quiet")
	v.RegisterAlias("tts.temperature", "temperature")
	v.RegisterAlias("tts.eos_threshold", "eos-threshold")
	v.RegisterAlias("tts.max_steps", "max-steps")
	v.RegisterAlias("tts.lsd_decode_steps", "lsd-steps")
	v.RegisterAlias("paths.asr_manifest", "paths-asr-manifest")
	v.RegisterAlias("paths.asr_vocab", "paths-asr-vocab")
	v.RegisterAlias("paths.lm_manifest", "paths-lm-manifest")
	v.RegisterAlias("paths.lm_tokenizer", "paths-lm-tokenizer")
	v.RegisterAlias("paths.pose_manifest", "paths-pose-manifest")
	v.RegisterAlias("asr.chunk_millis", "asr-chunk-millis")
	v.RegisterAlias("asr.sample_rate", "asr-sample-rate")
	v.RegisterAlias("asr.blank_threshold", "asr-blank-threshold")
	v.RegisterAlias("asr.max_symbols_per_step", "asr-max-symbols-per-step")
	v.RegisterAlias("pose.conf_threshold", "pose-conf-threshold")
	v.RegisterAlias("pose.iou_threshold", "pose-iou-threshold")
	v.RegisterAlias("pose.input_size", "pose-input-size")
	v.RegisterAlias("pose.max_detections", "pose-max-detections")
	v.RegisterAlias("audio.capture_device", "audio-capture-device")
	v.RegisterAlias("audio.playback_device", "audio-playback-device")
	v.RegisterAlias("audio.sample_rate", "audio-sample-rate")
	v.RegisterAlias("audio.channels", "audio-channels")
	v.RegisterAlias("lm.chat_template", "lm-chat-template")
	v.RegisterAlias("lm.max_new_tokens", "lm-max-new-tokens")
	v.RegisterAlias("lm.temperature", "lm-temperature")
	v.RegisterAlias("lm.top_p", "lm-top-p")
	v.RegisterAlias("chat.system_prompt", "chat-system-prompt")
	v.RegisterAlias("chat.sentence_chunks", "chat-sentence-chunks")
	v.RegisterAlias("chat.adapter_workers", "chat-adapter-workers")
	v.RegisterAlias("log_level", "log-level")
}
