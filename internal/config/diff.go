package config

// ConfigDiff describes what changed between two configs.
//
// Only the log level can be applied to a running server. Every other change
// is listed in Frozen so the caller can report it as rejected.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Frozen lists the top-level sections whose values changed but cannot
	// be applied without a restart (e.g. "runtime", "decoder", "wav_dir").
	Frozen []string
}

// Empty reports whether the two configs were equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.Frozen) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	frozen := func(name string, changed bool) {
		if changed {
			d.Frozen = append(d.Frozen, name)
		}
	}
	frozen("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	frozen("server.metrics", old.Server.Metrics != new.Server.Metrics)
	frozen("runtime", old.Runtime != new.Runtime)
	frozen("engine", old.Engine != new.Engine)
	frozen("decoder", old.Decoder != new.Decoder)
	frozen("am", old.AM != new.AM)
	frozen("vad", old.VAD != new.VAD)
	frozen("wav_dir", old.WavDir != new.WavDir)
	frozen("audio_format", old.AudioFormat != new.AudioFormat)
	frozen("use_db", old.UseDB != new.UseDB)
	frozen("db", old.DB != new.DB)

	return d
}
