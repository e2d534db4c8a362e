// Package vad implements frame-level voice activity smoothing and utterance
// segmentation for 16 kHz mono PCM streams.
//
// A [Smoother] turns a per-frame silence probability into a stable
// speech/silence decision with hysteresis and reports an endpoint after a
// long enough run of silence. A [Segmenter] cuts a sample stream into 10 ms
// frames, scores each frame (by RMS energy unless a [Scorer] is supplied),
// runs the smoother, and accumulates the audio of the current utterance.
//
// Neither type is safe for concurrent use; each belongs to one decoding
// context.
package vad

import (
	"math"
	"time"
)

// FrameSamples is the number of samples in one 10 ms frame at 16 kHz.
const FrameSamples = 160

// frameDuration is the wall-clock length of one frame.
const frameDuration = 10 * time.Millisecond

// MaxUtteranceSamples caps an utterance at ten minutes of audio. A segmenter
// that reaches the cap forces an endpoint.
const MaxUtteranceSamples = 10 * 60 * 16000

// State is the smoothed voice activity state.
type State int

const (
	StateSilence State = iota
	StateSpeech
)

// String returns the human-readable name of the state.
func (s State) String() string {
	if s == StateSpeech {
		return "speech"
	}
	return "silence"
}

// Config holds the smoothing thresholds. Counts are in frames.
type Config struct {
	// SilenceThresh is the silence probability above which a frame is silent.
	SilenceThresh float64

	// SilenceToSpeech is the run of voiced frames that switches to speech.
	SilenceToSpeech int

	// SpeechToSilence is the run of silent frames that switches to silence.
	SpeechToSilence int

	// EndpointTrigger is the run of silent frames that signals an endpoint.
	EndpointTrigger int
}

// DefaultConfig returns the stock thresholds: 3 frames to enter speech,
// 15 to leave it and 100 (one second) to end an utterance.
func DefaultConfig() Config {
	return Config{
		SilenceThresh:   0.5,
		SilenceToSpeech: 3,
		SpeechToSilence: 15,
		EndpointTrigger: 100,
	}
}

// Smoother is the two-state voice activity state machine.
type Smoother struct {
	cfg          Config
	state        State
	speechCount  int
	silenceCount int
	endpoint     bool
}

// NewSmoother returns a Smoother in the silence state.
func NewSmoother(cfg Config) *Smoother {
	return &Smoother{cfg: cfg}
}

// Smooth consumes one frame's silence probability and reports whether the
// smoothed state is speech.
func (s *Smoother) Smooth(pSilence float64) bool {
	voiced := !(pSilence > s.cfg.SilenceThresh)

	switch s.state {
	case StateSilence:
		if voiced {
			s.speechCount++
			if s.speechCount >= s.cfg.SilenceToSpeech {
				s.state = StateSpeech
				s.silenceCount = 0
				s.endpoint = false
			}
		} else {
			s.speechCount = 0
			s.silenceCount++
			if s.silenceCount >= s.cfg.EndpointTrigger {
				s.endpoint = true
			}
		}
	case StateSpeech:
		if !voiced {
			s.silenceCount++
			if s.silenceCount >= s.cfg.SpeechToSilence {
				s.state = StateSilence
				s.speechCount = 0
			}
		} else {
			s.silenceCount = 0
			s.speechCount++
		}
	}
	return s.state == StateSpeech
}

// State returns the current smoothed state.
func (s *Smoother) State() State { return s.state }

// Endpoint reports whether a run of EndpointTrigger silent frames was seen
// since the last Reset or the last entry into speech.
func (s *Smoother) Endpoint() bool { return s.endpoint }

// Reset returns the smoother to the silence state and clears the endpoint.
func (s *Smoother) Reset() {
	s.state = StateSilence
	s.speechCount = 0
	s.silenceCount = 0
	s.endpoint = false
}

// Scorer maps one frame of samples to a silence probability in [0, 1].
type Scorer func(frame []int16) float64

// EnergyScorer returns a Scorer based on RMS energy. A frame whose RMS equals
// threshold scores 0.5; louder frames approach 0 and quieter ones approach 1.
func EnergyScorer(threshold float64) Scorer {
	if threshold <= 0 {
		threshold = 1
	}
	return func(frame []int16) float64 {
		p := RMS(frame) / (2 * threshold)
		if p > 1 {
			p = 1
		}
		return 1 - p
	}
}

// RMS returns the root mean square of frame.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Segmenter accumulates the audio of the current utterance and reports when
// it ends.
type Segmenter struct {
	smoother *Smoother
	score    Scorer

	// pending holds samples not scored yet: a partial frame, or everything
	// that arrived after the endpoint until Next.
	pending   []int16
	utterance []int16

	speechFrames int
	hadSpeech    bool
	endpoint     bool
}

// NewSegmenter returns a Segmenter. A nil score uses [EnergyScorer] with a
// threshold of 500.
func NewSegmenter(cfg Config, score Scorer) *Segmenter {
	if score == nil {
		score = EnergyScorer(500)
	}
	return &Segmenter{
		smoother: NewSmoother(cfg),
		score:    score,
	}
}

// Push runs samples through the smoother frame by frame and reports whether
// the utterance has ended: speech was seen and either the endpoint trigger
// fired or the utterance reached [MaxUtteranceSamples]. Scoring stops at the
// endpoint frame; later samples are held for the next utterance. Once
// ended, the caller should collect the utterance and call [Segmenter.Next].
func (g *Segmenter) Push(samples []int16) bool {
	g.pending = append(g.pending, samples...)
	if !g.endpoint {
		g.scan()
	}
	return g.endpoint
}

// scan scores complete pending frames until the utterance ends.
func (g *Segmenter) scan() {
	i := 0
	for ; i+FrameSamples <= len(g.pending) && !g.endpoint; i += FrameSamples {
		frame := g.pending[i : i+FrameSamples]
		g.utterance = append(g.utterance, frame...)
		if g.smoother.Smooth(g.score(frame)) {
			g.speechFrames++
			g.hadSpeech = true
		}
		switch {
		case g.hadSpeech && g.smoother.Endpoint():
			g.endpoint = true
		case g.hadSpeech && len(g.utterance) >= MaxUtteranceSamples:
			g.endpoint = true
		case g.smoother.Endpoint():
			// A long run of silence before any speech is not an utterance;
			// drop it so the buffer does not grow without bound.
			g.utterance = g.utterance[:0]
			g.smoother.Reset()
		}
	}
	g.pending = append(g.pending[:0], g.pending[i:]...)
}

// Utterance returns the audio of the current utterance. Before the endpoint
// it includes a trailing partial frame. The slice is only valid until the
// next call to Push, Next or Reset.
func (g *Segmenter) Utterance() []int16 {
	if g.endpoint || len(g.pending) == 0 {
		return g.utterance
	}
	out := make([]int16, 0, len(g.utterance)+len(g.pending))
	return append(append(out, g.utterance...), g.pending...)
}

// InSpeech reports whether the smoothed state is currently speech.
func (g *Segmenter) InSpeech() bool { return g.smoother.State() == StateSpeech }

// HadSpeech reports whether the current utterance contains speech.
func (g *Segmenter) HadSpeech() bool { return g.hadSpeech }

// Ended reports whether the current utterance has ended.
func (g *Segmenter) Ended() bool { return g.endpoint }

// SpeechDuration returns the duration of smoothed speech in the current
// utterance.
func (g *Segmenter) SpeechDuration() time.Duration {
	return time.Duration(g.speechFrames) * frameDuration
}

// Next starts a new utterance and scores the audio held back from the
// previous one. It reports whether that audio already ended the new
// utterance.
func (g *Segmenter) Next() bool {
	g.clear()
	g.scan()
	return g.endpoint
}

// Reset discards all state, including held back audio.
func (g *Segmenter) Reset() {
	g.clear()
	g.pending = g.pending[:0]
}

func (g *Segmenter) clear() {
	g.utterance = g.utterance[:0]
	g.speechFrames = 0
	g.hadSpeech = false
	g.endpoint = false
	g.smoother.Reset()
}
