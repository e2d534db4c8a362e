// Package whisper provides a decoding backend backed by the whisper.cpp CGO
// bindings.
//
// Utterances are segmented with the voice activity smoother from package vad;
// each finished utterance is transcribed by whisper.cpp in one pass. Partial
// results carry no text.
//
// The native implementation is only compiled with the whispercpp build tag:
//
//	go build -tags whispercpp ./...
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// then be available via LIBRARY_PATH and C_INCLUDE_PATH. Without the tag,
// [New] fails with [ErrUnavailable].
package whisper

import (
	"errors"

	"github.com/ASLP-AI/xdecoder/pkg/vad"
)

// ErrUnavailable is returned by [New] in builds without whisper.cpp.
var ErrUnavailable = errors.New("whisper: native backend not compiled in (build with -tags whispercpp)")

const defaultLanguage = "en"

// options holds the settings shared by the native and stub builds.
type options struct {
	language  string
	vad       vad.Config
	threshold float64
	threads   uint
}

// Option is a functional option for [New].
type Option func(*options)

// WithLanguage sets the spoken language (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(o *options) {
		if lang != "" {
			o.language = lang
		}
	}
}

// WithVAD sets the utterance segmentation thresholds.
func WithVAD(cfg vad.Config) Option {
	return func(o *options) { o.vad = cfg }
}

// WithThreshold sets the RMS level at which a frame counts as voiced.
func WithThreshold(rms float64) Option {
	return func(o *options) {
		if rms > 0 {
			o.threshold = rms
		}
	}
}

// WithThreads sets the number of CPU threads whisper.cpp uses per inference.
// Zero keeps the library default.
func WithThreads(n uint) Option {
	return func(o *options) { o.threads = n }
}

func buildOptions(opts []Option) options {
	o := options{
		language:  defaultLanguage,
		vad:       vad.DefaultConfig(),
		threshold: 500,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Available reports whether the native backend is compiled in.
func Available() bool { return available }
