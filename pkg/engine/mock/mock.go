// Package mock provides test doubles for the engine package interfaces.
//
// Use Backend to count decoder allocations and inject allocation failures.
// Use Decoder to script the results returned by Poll and inspect the samples
// that were fed.
//
// Example:
//
//	dec := &mock.Decoder{Results: []engine.Result{
//	    {Status: engine.StatusPartial},
//	    {Status: engine.StatusFinal, Text: "hello"},
//	}}
//	b := &mock.Backend{Decoders: []*mock.Decoder{dec}}
package mock

import (
	"sync"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

// Backend is a mock implementation of engine.Backend.
type Backend struct {
	mu sync.Mutex

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string

	// Decoders are handed out by NewDecoder in order. When exhausted, fresh
	// zero-value Decoders are created.
	Decoders []*Decoder

	// NewDecoderErr, if non-nil, is returned by every NewDecoder call.
	NewDecoderErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Created records every decoder returned by NewDecoder.
	Created []*Decoder

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Name returns BackendName or "mock".
func (b *Backend) Name() string {
	if b.BackendName == "" {
		return "mock"
	}
	return b.BackendName
}

// NewDecoder returns the next scripted Decoder.
func (b *Backend) NewDecoder() (engine.Decoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewDecoderErr != nil {
		return nil, b.NewDecoderErr
	}
	var d *Decoder
	if len(b.Created) < len(b.Decoders) {
		d = b.Decoders[len(b.Created)]
	} else {
		d = &Decoder{}
	}
	b.Created = append(b.Created, d)
	return d, nil
}

// Close records the call and returns CloseErr.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCallCount++
	return b.CloseErr
}

// CreatedCount returns the number of decoders created. Thread-safe.
func (b *Backend) CreatedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Created)
}

// Ensure Backend implements engine.Backend at compile time.
var _ engine.Backend = (*Backend)(nil)

// Decoder is a mock implementation of engine.Decoder.
//
// Poll pops the next entry of Results; once Results is empty it returns
// FinalizeResult after Finalize was called and a none result otherwise.
type Decoder struct {
	mu sync.Mutex

	// Results is the queue of results returned by successive Poll calls.
	Results []engine.Result

	// FinalizeResult is returned by the first Poll after Finalize when
	// Results is empty. A zero value means none.
	FinalizeResult engine.Result

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	// --- Call records ---

	// Fed holds a copy of every chunk passed to Feed, in order.
	Fed [][]int16

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int

	// PollCallCount is the number of times Poll was called.
	PollCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	finalized bool
}

// Feed records a copy of samples and returns FeedErr.
func (d *Decoder) Feed(samples []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FeedErr != nil {
		return d.FeedErr
	}
	cp := make([]int16, len(samples))
	copy(cp, samples)
	d.Fed = append(d.Fed, cp)
	return nil
}

// Finalize records the call and returns FinalizeErr.
func (d *Decoder) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FinalizeCallCount++
	if d.FinalizeErr != nil {
		return d.FinalizeErr
	}
	d.finalized = true
	return nil
}

// Poll returns the next scripted result.
func (d *Decoder) Poll() engine.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PollCallCount++
	if len(d.Results) > 0 {
		r := d.Results[0]
		d.Results = d.Results[1:]
		return r
	}
	if d.finalized {
		d.finalized = false
		return d.FinalizeResult
	}
	return engine.Result{}
}

// Reset records the call.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCallCount++
	d.finalized = false
}

// Close records the call.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return nil
}

// FedSamples returns all fed samples concatenated. Thread-safe.
func (d *Decoder) FedSamples() []int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int16
	for _, c := range d.Fed {
		out = append(out, c...)
	}
	return out
}

// Counts returns the Reset and Close call counts. Thread-safe.
func (d *Decoder) Counts() (resets, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ResetCallCount, d.CloseCallCount
}

// Ensure Decoder implements engine.Decoder at compile time.
var _ engine.Decoder = (*Decoder)(nil)
