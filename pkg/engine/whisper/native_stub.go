//go:build !whispercpp

package whisper

import (
	"fmt"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

const available = false

// Backend is a placeholder that satisfies engine.Backend when the native
// backend is not compiled in. It cannot be constructed through [New].
type Backend struct{}

// New always fails in builds without the whispercpp tag.
func New(modelPath string, opts ...Option) (*Backend, error) {
	_ = buildOptions(opts)
	return nil, fmt.Errorf("%w: %w", engine.ErrConfig, ErrUnavailable)
}

// Name returns "whisper".
func (b *Backend) Name() string { return "whisper" }

// NewDecoder returns [ErrUnavailable].
func (b *Backend) NewDecoder() (engine.Decoder, error) { return nil, ErrUnavailable }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

var _ engine.Backend = (*Backend)(nil)
