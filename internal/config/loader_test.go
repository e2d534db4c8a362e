package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Runtime.ThreadPoolSize != 8 {
		t.Errorf("thread_pool_size = %d, want 8", cfg.Runtime.ThreadPoolSize)
	}
	if cfg.Runtime.Port != 10086 {
		t.Errorf("port = %d, want 10086", cfg.Runtime.Port)
	}
	if cfg.Decoder.Beam != 13.0 {
		t.Errorf("beam = %g, want 13", cfg.Decoder.Beam)
	}
	if cfg.Decoder.MaxActive != 7000 {
		t.Errorf("max_active = %d, want 7000", cfg.Decoder.MaxActive)
	}
	if cfg.Decoder.MaxBatchSize != 16 {
		t.Errorf("max_batch_size = %d, want 16", cfg.Decoder.MaxBatchSize)
	}
	if cfg.VAD.EndpointTriggerThresh != 100 {
		t.Errorf("endpoint_trigger_thresh = %d, want 100", cfg.VAD.EndpointTriggerThresh)
	}
	if cfg.Runtime.ByteOrder != config.ByteOrderBig {
		t.Errorf("byte_order = %q, want big", cfg.Runtime.ByteOrder)
	}
	if cfg.Runtime.Admission != config.AdmissionReject {
		t.Errorf("admission = %q, want reject", cfg.Runtime.Admission)
	}
	if got := cfg.Addr(); got != ":10086" {
		t.Errorf("Addr() = %q, want :10086", got)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug
  metrics: true
runtime:
  thread_pool_size: 4
  admission: block
  admission_timeout: 250ms
  idle_timeout: 30s
  byte_order: little
decoder:
  beam: 10
  max_active: 5000
  acoustic_scale: 0.2
  skip: 1
  max_batch_size: 2
  hclg: /models/HCLG.fst
am:
  net: /models/am.net
  num_bins: 80
vad:
  silence_thresh: 0.6
  endpoint_trigger_thresh: 50
wav_dir: /var/lib/xdecoder
audio_format: flac
use_db: true
db:
  dsn: postgres://localhost/xdecoder
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.Runtime.Admission != config.AdmissionBlock {
		t.Errorf("admission = %q, want block", cfg.Runtime.Admission)
	}
	if cfg.Runtime.AdmissionTimeout != 250*time.Millisecond {
		t.Errorf("admission_timeout = %s, want 250ms", cfg.Runtime.AdmissionTimeout)
	}
	if cfg.Runtime.IdleTimeout != 30*time.Second {
		t.Errorf("idle_timeout = %s, want 30s", cfg.Runtime.IdleTimeout)
	}
	if cfg.Decoder.MaxBatchSize != 2 {
		t.Errorf("max_batch_size = %d, want 2", cfg.Decoder.MaxBatchSize)
	}
	if cfg.AM.NumBins != 80 || cfg.AM.LeftContext != 5 {
		t.Errorf("am = %+v, want num_bins 80 and default contexts", cfg.AM)
	}
	if cfg.VAD.SpeechToSilenceThresh != 15 {
		t.Errorf("speech_to_silence_thresh = %d, want default 15", cfg.VAD.SpeechToSilenceThresh)
	}
	if cfg.AudioFormat != config.AudioFLAC {
		t.Errorf("audio_format = %q, want flac", cfg.AudioFormat)
	}
	if !cfg.UseDB || cfg.DB.DSN == "" {
		t.Errorf("db = %+v, use_db = %v", cfg.DB, cfg.UseDB)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("decoder:\n  bream: 3\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !errors.Is(err, engine.ErrConfig) {
		t.Errorf("error should wrap ErrConfig, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		yaml   string
		substr string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"thread pool", "runtime:\n  thread_pool_size: 0\n", "thread_pool_size"},
		{"port", "runtime:\n  port: 70000\n", "runtime.port"},
		{"admission", "runtime:\n  admission: maybe\n", "runtime.admission"},
		{"block timeout", "runtime:\n  admission: block\n  admission_timeout: 0s\n", "admission_timeout"},
		{"byte order", "runtime:\n  byte_order: middle\n", "byte_order"},
		{"batch size", "decoder:\n  max_batch_size: 0\n", "max_batch_size"},
		{"beam", "decoder:\n  beam: -1\n", "decoder.beam"},
		{"silence thresh", "vad:\n  silence_thresh: 1.5\n", "silence_thresh"},
		{"endpoint", "vad:\n  endpoint_trigger_thresh: 0\n", "endpoint_trigger_thresh"},
		{"am bins", "am:\n  num_bins: 0\n", "am.num_bins"},
		{"wav dir", "wav_dir: \"\"\n", "wav_dir"},
		{"audio format", "audio_format: mp3\n", "audio_format"},
		{"db dsn", "use_db: true\n", "db.dsn"},
		{"whisper model", "engine:\n  backend: whisper\n", "engine.model"},
		{"backend", "engine:\n  backend: \"\"\n", "engine.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.substr)
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error should mention %q, got: %v", tt.substr, err)
			}
			if !errors.Is(err, engine.ErrConfig) {
				t.Errorf("error should wrap ErrConfig, got: %v", err)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Runtime.ThreadPoolSize = 0
	cfg.Decoder.MaxBatchSize = 0

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"thread_pool_size", "max_batch_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestCheckModelFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	present := filepath.Join(dir, "HCLG.fst")
	writeFile(t, present, "fst")

	cfg := config.Default()
	cfg.Decoder.HCLG = present
	if err := config.CheckModelFiles(cfg); err != nil {
		t.Fatalf("CheckModelFiles() with present file: %v", err)
	}

	cfg.AM.Net = filepath.Join(dir, "missing.net")
	cfg.VAD.Net = dir
	err := config.CheckModelFiles(cfg)
	if err == nil {
		t.Fatal("expected error for missing model files, got nil")
	}
	if !errors.Is(err, engine.ErrConfig) {
		t.Errorf("error should wrap ErrConfig, got: %v", err)
	}
	if !strings.Contains(err.Error(), "am.net") || !strings.Contains(err.Error(), "vad.net") {
		t.Errorf("error should name both references, got: %v", err)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load(example.yaml): %v", err)
	}
	def := config.Default()
	if cfg.Runtime != def.Runtime || cfg.Decoder != def.Decoder || cfg.VAD != def.VAD {
		t.Error("example.yaml drifted from the defaults")
	}
	if !cfg.Server.Metrics {
		t.Error("example.yaml should enable metrics")
	}
}
