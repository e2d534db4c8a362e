// Package session drives one client stream through its lifecycle.
//
// A [Session] owns one leased decoding context, the audio received so far
// and the ordered log of final results. It moves through
//
//	Open → Streaming → Draining → Closed
//
// Audio is accepted in Open and Streaming. [Session.SetDone] finalises the
// engine and moves to Draining; [Session.Close] releases the context exactly
// once and hands a [Summary] to the [Sink]. A final result ends the current
// utterance, not the session: a stream may contain any number of
// utterances.
//
// Engine calls run on an [Executor] (the engine pool's workers). A Session
// is safe for concurrent use, but the protocol handler drives it from a
// single goroutine.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateOpen State = iota
	StateStreaming
	StateDraining
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lease is exclusive use of a decoding context. [pool.Lease] satisfies it.
type Lease interface {
	Decoder() engine.Decoder
	Release()
}

// Executor runs engine work off the caller's goroutine. [pool.Pool]
// satisfies it.
type Executor interface {
	Exec(ctx context.Context, op string, fn func() error) error
}

// Summary is what a closed session leaves behind.
type Summary struct {
	ID         string
	ClientInfo string

	// Audio is every sample received, in arrival order.
	Audio []int16

	// Finals are the final results in emission order.
	Finals []string

	// Transcript is Finals joined by "\n".
	Transcript string

	Started time.Time
	Ended   time.Time
}

// Sink receives the summary of every closed session. Persist must not
// return before it is done with the summary, and it reports failures
// itself.
type Sink interface {
	Persist(ctx context.Context, s Summary)
}

// Option is a functional option for [New].
type Option func(*Session)

// WithMaxFeedSamples caps the samples fed to the engine per executor job.
// Larger chunks are split. Zero means no cap.
func WithMaxFeedSamples(n int) Option {
	return func(s *Session) { s.maxFeed = n }
}

// WithSink sets the receiver of the session summary.
func WithSink(sink Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is one client stream. See the package documentation.
type Session struct {
	id         string
	clientInfo string
	lease      Lease
	exec       Executor
	sink       Sink
	maxFeed    int
	now        func() time.Time

	mu      sync.Mutex
	state   State
	audio   []int16
	finals  []string
	started time.Time

	closeOnce sync.Once
}

// New creates a session in state Open that owns lease.
func New(id, clientInfo string, lease Lease, exec Executor, opts ...Option) *Session {
	s := &Session{
		id:         id,
		clientInfo: clientInfo,
		lease:      lease,
		exec:       exec,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.now()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ClientInfo returns the client metadata.
func (s *Session) ClientInfo() string { return s.clientInfo }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Finals returns a copy of the final results so far.
func (s *Session) Finals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.finals))
	copy(out, s.finals)
	return out
}

// AudioLen returns the number of samples received.
func (s *Session) AudioLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// AddAudio appends samples to the session audio, feeds them to the engine
// and returns the engine's current result. It fails with
// [engine.ErrProtocol] once the stream has ended.
//
// When one call ends more than one utterance, the returned final carries
// all of their texts joined by "\n"; each is still logged separately. Only
// sub-chunks the engine accepted are kept in the session audio, so an engine
// failure midway leaves the archive in step with what was decoded.
func (s *Session) AddAudio(ctx context.Context, samples []int16) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateDraining, StateClosed:
		return engine.Result{}, fmt.Errorf("session %s: add audio in state %s: %w", s.id, s.state, engine.ErrProtocol)
	}
	s.state = StateStreaming

	dec := s.lease.Decoder()
	var (
		last      engine.Result
		newFinals []string
	)
	for _, chunk := range s.split(samples) {
		err := s.exec.Exec(ctx, "feed", func() error {
			if err := dec.Feed(chunk); err != nil {
				return err
			}
			last = dec.Poll()
			return nil
		})
		if err != nil {
			return engine.Result{}, fmt.Errorf("session %s: feed: %w", s.id, err)
		}
		s.audio = append(s.audio, chunk...)
		if last.Status == engine.StatusFinal {
			s.finals = append(s.finals, last.Text)
			newFinals = append(newFinals, last.Text)
		}
	}

	if len(newFinals) > 0 {
		return engine.Result{Status: engine.StatusFinal, Text: strings.Join(newFinals, "\n")}, nil
	}
	return last, nil
}

// split cuts samples into chunks of at most maxFeed samples. An empty
// input yields one empty chunk so that the engine is still polled.
func (s *Session) split(samples []int16) [][]int16 {
	if s.maxFeed <= 0 || len(samples) <= s.maxFeed {
		return [][]int16{samples}
	}
	chunks := make([][]int16, 0, (len(samples)+s.maxFeed-1)/s.maxFeed)
	for len(samples) > s.maxFeed {
		chunks = append(chunks, samples[:s.maxFeed])
		samples = samples[s.maxFeed:]
	}
	return append(chunks, samples)
}

// SetDone marks the end of the stream: the engine is finalised and polled
// for the last result, and the session moves to Draining. Calling SetDone
// again returns a none result.
func (s *Session) SetDone(ctx context.Context) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining || s.state == StateClosed {
		return engine.Result{}, nil
	}
	s.state = StateDraining

	dec := s.lease.Decoder()
	var r engine.Result
	err := s.exec.Exec(ctx, "finalize", func() error {
		if err := dec.Finalize(); err != nil {
			return err
		}
		r = dec.Poll()
		return nil
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("session %s: finalize: %w", s.id, err)
	}
	if r.Status == engine.StatusFinal {
		s.finals = append(s.finals, r.Text)
	}
	return r, nil
}

// Poll returns the engine's current result without feeding audio.
func (s *Session) Poll(ctx context.Context) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return engine.Result{}, fmt.Errorf("session %s: poll: %w", s.id, engine.ErrProtocol)
	}

	dec := s.lease.Decoder()
	var r engine.Result
	if err := s.exec.Exec(ctx, "poll", func() error {
		r = dec.Poll()
		return nil
	}); err != nil {
		return engine.Result{}, fmt.Errorf("session %s: poll: %w", s.id, err)
	}
	if r.Status == engine.StatusFinal {
		s.finals = append(s.finals, r.Text)
	}
	return r, nil
}

// Close moves the session to Closed, releases the decoding context and
// hands the summary to the sink. Only the first call has an effect.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.lease.Release()
		sum := Summary{
			ID:         s.id,
			ClientInfo: s.clientInfo,
			Audio:      s.audio,
			Finals:     s.finals,
			Transcript: strings.Join(s.finals, "\n"),
			Started:    s.started,
			Ended:      s.now(),
		}
		s.audio = nil
		s.mu.Unlock()

		observe.Logger(ctx).Info("session closed",
			"session_id", s.id,
			"client_info", s.clientInfo,
			"samples", len(sum.Audio),
			"finals", len(sum.Finals),
			"duration", sum.Ended.Sub(sum.Started),
		)

		if s.sink != nil {
			s.sink.Persist(ctx, sum)
		}
	})
}
