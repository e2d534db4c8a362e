// Package persist archives finished sessions.
//
// A [Pipeline] receives the [session.Summary] of every closed session,
// writes its audio into the archive directory and, when a history store is
// configured, appends one [history.Record] for it. Both steps are
// best-effort: failures are wrapped in [engine.ErrPersistence], logged and
// counted, and never reach the caller. Nothing is retried.
package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/internal/session"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
	"github.com/ASLP-AI/xdecoder/pkg/history"
)

// Pipeline implements [session.Sink].
var _ session.Sink = (*Pipeline)(nil)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithStore enables history records. A nil store disables them.
func WithStore(s history.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithFormat selects the archive container. Defaults to WAV.
func WithFormat(f config.AudioFormat) Option {
	return func(p *Pipeline) {
		if f != "" {
			p.format = f
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLocation sets the time zone of the timestamp in file names.
// Defaults to [time.Local].
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) { p.loc = loc }
}

// Saved describes what [Pipeline.Save] wrote.
type Saved struct {
	// Path is the archived audio file; empty when the write failed.
	Path string

	// RecordID is the history record id; zero when no record was written.
	RecordID int64
}

// Pipeline writes session audio and history records.
type Pipeline struct {
	dir     string
	format  config.AudioFormat
	store   history.Store
	metrics *observe.Metrics
	loc     *time.Location
}

// New returns a pipeline that archives audio into dir. The directory is
// created on first use.
func New(dir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		dir:    dir,
		format: config.AudioWAV,
		loc:    time.Local,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Persist saves sum and logs the outcome. It implements [session.Sink].
func (p *Pipeline) Persist(ctx context.Context, sum session.Summary) {
	saved, err := p.Save(ctx, sum)
	log := observe.Logger(ctx).With("component", "persist", "session_id", sum.ID)
	if err != nil {
		log.Error("persist session", "err", err, "path", saved.Path)
		return
	}
	log.Info("session persisted", "path", saved.Path, "record_id", saved.RecordID)
}

// Save writes the audio of sum and, if a store is configured, a history
// record pointing at it. The record is written only when the audio was.
// Every returned error wraps [engine.ErrPersistence].
func (p *Pipeline) Save(ctx context.Context, sum session.Summary) (Saved, error) {
	var saved Saved

	ended := sum.Ended
	if ended.IsZero() {
		ended = time.Now()
	}
	name := Name(ended.In(p.loc), sum.ID, sum.Audio) + Ext(p.format)

	path, err := p.writeAudio(name, sum.Audio)
	if err != nil {
		p.metrics.RecordPersistError(ctx, "audio")
		return saved, fmt.Errorf("persist: write audio: %w: %w", engine.ErrPersistence, err)
	}
	saved.Path = path

	if p.store == nil {
		return saved, nil
	}
	id, err := p.store.Insert(ctx, history.Record{
		Time:        ended,
		AudioPath:   path,
		Recognition: sum.Transcript,
		ClientInfo:  sum.ClientInfo,
	})
	if err != nil {
		p.metrics.RecordPersistError(ctx, "history")
		return saved, fmt.Errorf("persist: insert history record: %w: %w", engine.ErrPersistence, err)
	}
	saved.RecordID = id
	return saved, nil
}

// writeAudio encodes samples and renames them into dir/name from a
// temporary file: the archive path either holds a complete file or none.
func (p *Pipeline) writeAudio(name string, samples []int16) (string, error) {
	data, err := Encode(p.format, samples)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", p.dir, err)
	}

	tmp, err := os.CreateTemp(p.dir, ".partial-*")
	if err != nil {
		return "", err
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}

	path := filepath.Join(p.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
