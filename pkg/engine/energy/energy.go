// Package energy provides a deterministic decoding backend driven purely by
// signal energy.
//
// The backend does not recognise words. It segments the stream with the
// voice activity smoother from package vad and reports each utterance as a
// bracketed summary of its speech duration, e.g. "[speech 1.23s]". It needs
// no model files, which makes it the default for development, load tests and
// the test suite.
package energy

import (
	"fmt"
	"sync"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
	"github.com/ASLP-AI/xdecoder/pkg/vad"
)

// Compile-time interface checks.
var (
	_ engine.Backend = (*Backend)(nil)
	_ engine.Decoder = (*Decoder)(nil)
)

// Backend creates energy-based decoders. It is safe for concurrent use.
type Backend struct {
	vad       vad.Config
	threshold float64
}

// Option is a functional option for [New].
type Option func(*Backend)

// WithVAD sets the smoothing thresholds. Defaults to [vad.DefaultConfig].
func WithVAD(cfg vad.Config) Option {
	return func(b *Backend) { b.vad = cfg }
}

// WithThreshold sets the RMS level at which a frame counts as voiced.
// Defaults to 500.
func WithThreshold(rms float64) Option {
	return func(b *Backend) {
		if rms > 0 {
			b.threshold = rms
		}
	}
}

// New returns an energy Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		vad:       vad.DefaultConfig(),
		threshold: 500,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns "energy".
func (b *Backend) Name() string { return "energy" }

// NewDecoder returns a fresh decoder.
func (b *Backend) NewDecoder() (engine.Decoder, error) {
	return &Decoder{
		seg: vad.NewSegmenter(b.vad, vad.EnergyScorer(b.threshold)),
	}, nil
}

// Close is a no-op; the backend holds no resources.
func (b *Backend) Close() error { return nil }

// Decoder is the per-stream state of the energy backend.
type Decoder struct {
	mu     sync.Mutex
	seg    *vad.Segmenter
	final  *engine.Result
	closed bool
}

// Feed runs samples through the segmenter. An utterance that ends during
// the feed is held until the next Poll.
func (d *Decoder) Feed(samples []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("energy: feed: decoder closed")
	}
	if d.final != nil {
		// The previous utterance has not been polled yet; keep it and let
		// the new audio start the next one.
		d.seg.Push(samples)
		return nil
	}
	if d.seg.Push(samples) {
		d.endUtterance()
	}
	return nil
}

// Finalize ends the pending utterance if it contains speech.
func (d *Decoder) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("energy: finalize: decoder closed")
	}
	if d.final == nil && d.seg.HadSpeech() {
		d.endUtterance()
	}
	return nil
}

// endUtterance records the final result and starts the next utterance.
// Must be called with d.mu held.
func (d *Decoder) endUtterance() {
	text := fmt.Sprintf("[speech %.2fs]", d.seg.SpeechDuration().Seconds())
	d.final = &engine.Result{Status: engine.StatusFinal, Text: text}
	d.seg.Next()
}

// Poll returns a pending final result once, otherwise partial while an
// utterance holds speech and none in silence.
func (d *Decoder) Poll() engine.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.final != nil {
		r := *d.final
		d.final = nil
		return r
	}
	if d.seg.HadSpeech() {
		return engine.Result{Status: engine.StatusPartial}
	}
	return engine.Result{Status: engine.StatusNone}
}

// Reset discards all utterance state.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seg.Reset()
	d.final = nil
}

// Close marks the decoder unusable.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
