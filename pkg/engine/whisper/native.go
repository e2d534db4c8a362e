//go:build whispercpp

package whisper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
	"github.com/ASLP-AI/xdecoder/pkg/vad"
)

const available = true

// Compile-time interface checks.
var (
	_ engine.Backend = (*Backend)(nil)
	_ engine.Decoder = (*Decoder)(nil)
)

// Backend owns a whisper.cpp model. The model is loaded once and shared;
// each [Decoder] gets its own whisper context since contexts are not
// thread-safe.
type Backend struct {
	model whisperlib.Model
	opts  options
}

// New loads the whisper.cpp model at modelPath.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whisper: %w: model path must not be empty", engine.ErrConfig)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w: %w", modelPath, engine.ErrConfig, err)
	}
	return &Backend{model: model, opts: buildOptions(opts)}, nil
}

// Name returns "whisper".
func (b *Backend) Name() string { return "whisper" }

// NewDecoder creates a whisper context for one stream.
func (b *Backend) NewDecoder() (engine.Decoder, error) {
	wctx, err := b.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(b.opts.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", b.opts.language, "err", err)
	}
	if b.opts.threads > 0 {
		wctx.SetThreads(b.opts.threads)
	}
	return &Decoder{
		wctx: wctx,
		seg:  vad.NewSegmenter(b.opts.vad, vad.EnergyScorer(b.opts.threshold)),
	}, nil
}

// Close releases the model.
func (b *Backend) Close() error {
	if b.model != nil {
		return b.model.Close()
	}
	return nil
}

// Decoder transcribes utterances of one stream.
type Decoder struct {
	mu     sync.Mutex
	wctx   whisperlib.Context
	seg    *vad.Segmenter
	final  *engine.Result
	closed bool
}

// Feed segments samples and transcribes an utterance as soon as it ends.
func (d *Decoder) Feed(samples []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("whisper: feed: decoder closed")
	}
	if d.seg.Push(samples) && d.final == nil {
		return d.endUtterance()
	}
	return nil
}

// Finalize transcribes the pending utterance if it contains speech.
func (d *Decoder) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("whisper: finalize: decoder closed")
	}
	if d.final == nil && d.seg.HadSpeech() {
		return d.endUtterance()
	}
	return nil
}

// endUtterance runs inference on the current utterance. Must be called
// with d.mu held.
func (d *Decoder) endUtterance() error {
	pcm := d.seg.Utterance()
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	d.seg.Next()

	text, err := d.infer(samples)
	if err != nil {
		return err
	}
	d.final = &engine.Result{Status: engine.StatusFinal, Text: text}
	return nil
}

func (d *Decoder) infer(samples []float32) (string, error) {
	if err := d.wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}
	var parts []string
	for {
		segment, err := d.wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Poll returns a pending final once, partial while speech is buffered and
// none otherwise.
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
	return engine.Result{}
}

// Reset discards the buffered utterance.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seg.Reset()
	d.final = nil
}

// Close marks the decoder unusable. The context is owned by the model and
// released with it.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
