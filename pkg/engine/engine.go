// Package engine defines the capability interface of a streaming decoding
// engine and the error taxonomy shared by every layer of xdecoder.
//
// A [Backend] holds the loaded models and hands out [Decoder] contexts. A
// Decoder is the per-stream state of the engine: it accepts 16 kHz mono
// 16-bit samples via Feed, is polled for its current [Result], and is told
// about end-of-stream via Finalize. Decoders are not safe for concurrent use;
// the engine pool leases each one to exactly one session at a time.
//
// Backends must be safe for concurrent use: NewDecoder may be called from
// several goroutines.
package engine

import "errors"

// SampleRate is the sample rate every backend expects, in Hz.
const SampleRate = 16000

// FrameSamples is the number of samples in one 10 ms analysis frame.
const FrameSamples = SampleRate / 100

// Error taxonomy. Every error produced by xdecoder wraps one of these so that
// callers can classify failures with errors.Is.
var (
	// ErrConfig reports invalid or missing configuration or model files.
	// It is fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrProtocol reports a malformed inbound frame or an operation on a
	// session that no longer accepts it. It is surfaced to the client.
	ErrProtocol = errors.New("protocol error")

	// ErrResourceExhausted reports that no decoding context is available
	// under the configured admission policy.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPersistence reports a failure to record a finished session. It is
	// logged and never propagated to the client.
	ErrPersistence = errors.New("persistence error")
)

// Status classifies a [Result].
type Status int

const (
	// StatusNone means the engine has nothing new to report.
	StatusNone Status = iota

	// StatusPartial means an utterance is in progress.
	StatusPartial

	// StatusFinal means an utterance ended; Text holds its transcript.
	StatusFinal
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPartial:
		return "partial"
	case StatusFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Result is the engine's answer to a poll.
type Result struct {
	Status Status

	// Text is the recognised text. Only final results are guaranteed to
	// carry text.
	Text string
}

// Decoder is one decoding context.
type Decoder interface {
	// Feed appends samples to the current utterance.
	Feed(samples []int16) error

	// Finalize marks the end of the stream. The next Poll returns the final
	// result of the pending utterance, if any.
	Finalize() error

	// Poll returns the current result. A final result is returned once; the
	// decoder then starts a new utterance.
	Poll() Result

	// Reset discards all utterance state so the context can be reused.
	Reset()

	// Close releases the context. Calling Close more than once is safe.
	Close() error
}

// Backend is the factory for decoding contexts.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// NewDecoder allocates a decoding context.
	NewDecoder() (Decoder, error)

	// Close releases the models. Decoders must be closed first.
	Close() error
}
