package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

// ValidBackendNames lists the engine backends that ship with xdecoder.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = []string{"energy", "whisper"}

// Default returns a Config populated with the stock engine and runtime
// settings. Values read from a file override these field by field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Runtime: RuntimeConfig{
			ThreadPoolSize:   8,
			Port:             10086,
			Admission:        AdmissionReject,
			AdmissionTimeout: 5 * time.Second,
			IdleTimeout:      60 * time.Second,
			ByteOrder:        ByteOrderBig,
			MaxFrameBytes:    1 << 20,
			MaxFeedFrames:    100,
		},
		Engine: EngineConfig{
			Backend:         "energy",
			Language:        "en",
			EnergyThreshold: 500,
		},
		Decoder: DecoderConfig{
			Beam:          13.0,
			MaxActive:     7000,
			AcousticScale: 0.1,
			Skip:          0,
			MaxBatchSize:  16,
		},
		AM: AMConfig{
			NumBins:      40,
			LeftContext:  5,
			RightContext: 5,
		},
		VAD: VADConfig{
			NumBins:               40,
			LeftContext:           5,
			RightContext:          5,
			SilenceThresh:         0.5,
			SilenceToSpeechThresh: 3,
			SpeechToSilenceThresh: 15,
			EndpointTriggerThresh: 100,
		},
		WavDir:      "wav",
		AudioFormat: AudioWAV,
		DB: DBConfig{
			ReadyRetries: 10,
			ReadyBackoff: time.Second,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w: %w", engine.ErrConfig, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found; the
// result wraps [engine.ErrConfig].
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Runtime
	rt := cfg.Runtime
	if rt.ThreadPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("runtime.thread_pool_size must be positive, got %d", rt.ThreadPoolSize))
	}
	if cfg.Server.ListenAddr == "" && (rt.Port <= 0 || rt.Port > 65535) {
		errs = append(errs, fmt.Errorf("runtime.port %d is out of range [1, 65535]", rt.Port))
	}
	if !rt.Admission.IsValid() {
		errs = append(errs, fmt.Errorf("runtime.admission %q is invalid; valid values: reject, block", rt.Admission))
	}
	if rt.Admission == AdmissionBlock && rt.AdmissionTimeout <= 0 {
		errs = append(errs, errors.New("runtime.admission_timeout must be positive when admission is block"))
	}
	if rt.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("runtime.idle_timeout must not be negative, got %s", rt.IdleTimeout))
	}
	if !rt.ByteOrder.IsValid() {
		errs = append(errs, fmt.Errorf("runtime.byte_order %q is invalid; valid values: big, little", rt.ByteOrder))
	}
	if rt.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_frame_bytes must be positive, got %d", rt.MaxFrameBytes))
	}
	if rt.MaxFeedFrames <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_feed_frames must be positive, got %d", rt.MaxFeedFrames))
	}

	// Engine
	if cfg.Engine.Backend == "" {
		errs = append(errs, errors.New("engine.backend is required"))
	} else if !slices.Contains(ValidBackendNames, cfg.Engine.Backend) {
		slog.Warn("unknown engine backend, may be a typo or third-party backend",
			"name", cfg.Engine.Backend,
			"known", ValidBackendNames,
		)
	}
	if cfg.Engine.Backend == "whisper" && cfg.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model is required for the whisper backend"))
	}
	if cfg.Engine.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("engine.energy_threshold must not be negative, got %g", cfg.Engine.EnergyThreshold))
	}

	// Decoder
	d := cfg.Decoder
	if d.Beam <= 0 {
		errs = append(errs, fmt.Errorf("decoder.beam must be positive, got %g", d.Beam))
	}
	if d.MaxActive <= 0 {
		errs = append(errs, fmt.Errorf("decoder.max_active must be positive, got %d", d.MaxActive))
	}
	if d.AcousticScale <= 0 {
		errs = append(errs, fmt.Errorf("decoder.acoustic_scale must be positive, got %g", d.AcousticScale))
	}
	if d.Skip < 0 {
		errs = append(errs, fmt.Errorf("decoder.skip must not be negative, got %d", d.Skip))
	}
	if d.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("decoder.max_batch_size must be positive, got %d", d.MaxBatchSize))
	}

	// Networks
	errs = append(errs, validateNet("am", cfg.AM.NumBins, cfg.AM.LeftContext, cfg.AM.RightContext)...)
	errs = append(errs, validateNet("vad", cfg.VAD.NumBins, cfg.VAD.LeftContext, cfg.VAD.RightContext)...)

	v := cfg.VAD
	if v.SilenceThresh < 0 || v.SilenceThresh > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_thresh %.2f is out of range [0, 1]", v.SilenceThresh))
	}
	if v.SilenceToSpeechThresh <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_to_speech_thresh must be positive, got %d", v.SilenceToSpeechThresh))
	}
	if v.SpeechToSilenceThresh <= 0 {
		errs = append(errs, fmt.Errorf("vad.speech_to_silence_thresh must be positive, got %d", v.SpeechToSilenceThresh))
	}
	if v.EndpointTriggerThresh <= 0 {
		errs = append(errs, fmt.Errorf("vad.endpoint_trigger_thresh must be positive, got %d", v.EndpointTriggerThresh))
	}

	// Storage
	if cfg.WavDir == "" {
		errs = append(errs, errors.New("wav_dir is required"))
	}
	if !cfg.AudioFormat.IsValid() {
		errs = append(errs, fmt.Errorf("audio_format %q is invalid; valid values: wav, flac", cfg.AudioFormat))
	}
	if cfg.UseDB && cfg.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required when use_db is true"))
	}
	if cfg.DB.ReadyRetries < 0 {
		errs = append(errs, fmt.Errorf("db.ready_retries must not be negative, got %d", cfg.DB.ReadyRetries))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", engine.ErrConfig, errors.Join(errs...))
}

func validateNet(prefix string, bins, left, right int) []error {
	var errs []error
	if bins <= 0 {
		errs = append(errs, fmt.Errorf("%s.num_bins must be positive, got %d", prefix, bins))
	}
	if left < 0 {
		errs = append(errs, fmt.Errorf("%s.left_context must not be negative, got %d", prefix, left))
	}
	if right < 0 {
		errs = append(errs, fmt.Errorf("%s.right_context must not be negative, got %d", prefix, right))
	}
	return errs
}

// ModelFiles returns every model file referenced by cfg, keyed by its
// configuration path. Empty references are omitted.
func (c *Config) ModelFiles() map[string]string {
	files := map[string]string{
		"engine.model":      c.Engine.Model,
		"decoder.hclg":      c.Decoder.HCLG,
		"decoder.tree":      c.Decoder.Tree,
		"decoder.pdf_prior": c.Decoder.PdfPrior,
		"decoder.lexicon":   c.Decoder.Lexicon,
		"am.net":            c.AM.Net,
		"am.cmvn":           c.AM.CMVN,
		"vad.net":           c.VAD.Net,
		"vad.cmvn":          c.VAD.CMVN,
	}
	for k, v := range files {
		if v == "" {
			delete(files, k)
		}
	}
	return files
}

// CheckModelFiles verifies that every referenced model file exists and is a
// regular file. The returned error wraps [engine.ErrConfig].
func CheckModelFiles(cfg *Config) error {
	files := cfg.ModelFiles()
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var errs []error
	for _, k := range keys {
		info, err := os.Stat(files[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		if !info.Mode().IsRegular() {
			errs = append(errs, fmt.Errorf("%s: %q is not a regular file", k, files[k]))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: model files: %w: %w", engine.ErrConfig, errors.Join(errs...))
}
