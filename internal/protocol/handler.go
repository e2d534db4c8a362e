// Package protocol terminates the WebSocket connections of the decoding
// service.
//
// # Decode stream (/ws/decode)
//
// On upgrade the handler leases a decoding context from the engine pool and
// opens a [session.Session]. Each binary frame carries 16-bit signed PCM
// samples (network byte order unless runtime.byte_order says otherwise) and
// is answered with exactly one JSON [Message]:
//
//	{"status":"none|partial|final","result":"<text of a final>"}
//
// The text frame "<EOS>" ends the stream: the session is drained, the last
// result is sent, and the connection is closed normally. Malformed frames
// are answered with {"status":"error","result":"","error":"..."} and the
// stream continues. When no decoding context is available the client gets
// an error message and a try-again-later close.
//
// However the connection ends, the session is closed exactly once, which
// releases its context and hands it to persistence.
//
// # Echo (/ws/echo)
//
// Every message is sent back prefixed with "echo: ".
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/internal/pool"
	"github.com/ASLP-AI/xdecoder/internal/session"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

// writeTimeout bounds a single outbound message.
const writeTimeout = 10 * time.Second

// Option is a functional option for [New].
type Option func(*Handler)

// WithSink sets the receiver of closed sessions.
func WithSink(s session.Sink) Option {
	return func(h *Handler) { h.sink = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithIDGenerator overrides the session id source. Defaults to random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// WithOriginPatterns restricts browser origins allowed to connect. Without
// it any origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.accept = &websocket.AcceptOptions{OriginPatterns: patterns}
	}
}

// Handler serves the WebSocket endpoints.
type Handler struct {
	pool    *pool.Pool
	sink    session.Sink
	metrics *observe.Metrics
	newID   func() string
	accept  *websocket.AcceptOptions

	order       binary.ByteOrder
	idleTimeout time.Duration
	maxFrame    int64
	maxFeed     int

	// base is cancelled to abort every stream at shutdown.
	base  context.Context
	abort context.CancelFunc

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// New returns a handler that leases decoding contexts from p and applies
// the runtime settings in rt.
func New(p *pool.Pool, rt config.RuntimeConfig, opts ...Option) *Handler {
	h := &Handler{
		pool:        p,
		newID:       uuid.NewString,
		accept:      &websocket.AcceptOptions{InsecureSkipVerify: true},
		order:       byteOrder(rt.ByteOrder),
		idleTimeout: rt.IdleTimeout,
		maxFrame:    rt.MaxFrameBytes,
		maxFeed:     rt.MaxFeedFrames * engine.FrameSamples,
	}
	h.base, h.abort = context.WithCancel(context.Background())
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/decode", h.Decode)
	mux.HandleFunc("GET /ws/echo", h.Echo)
}

// Shutdown stops accepting streams and waits for the open ones to end.
// When ctx expires first, the remaining streams are aborted (their sessions
// are still closed and persisted) and ctx.Err() is returned once they are
// gone.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.abort()
		return nil
	case <-ctx.Done():
	}
	h.abort()
	<-done
	return ctx.Err()
}

// enter registers a stream. It fails once Shutdown has begun.
func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

// Decode serves one decoding stream.
func (h *Handler) Decode(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Done()

	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		observe.Logger(r.Context()).Warn("protocol: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	if h.maxFrame > 0 {
		conn.SetReadLimit(h.maxFrame)
	}

	clientInfo := r.Header.Get(ClientInfoHeader)
	if clientInfo == "" {
		clientInfo = DefaultClientInfo
	}
	id := h.newID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(h.base, cancel)()

	ctx, span, log := observe.StartSession(ctx, id, clientInfo)
	defer span.End()

	lease, err := h.pool.Lease(ctx)
	if err != nil {
		observe.Fail(span, "lease", err)
		log.Warn("protocol: no decoding context", "err", err)
		h.write(ctx, conn, ErrorMessage(err))
		if errors.Is(err, engine.ErrResourceExhausted) {
			conn.Close(websocket.StatusTryAgainLater, "no decoding context available")
		} else {
			conn.Close(websocket.StatusInternalError, "decoding unavailable")
		}
		return
	}

	sess := session.New(id, clientInfo, lease, h.pool,
		session.WithSink(h.sink),
		session.WithMaxFeedSamples(h.maxFeed),
	)
	// Persistence outlives the request.
	closeCtx := context.WithoutCancel(ctx)
	defer sess.Close(closeCtx)

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(closeCtx, -1)
	log.Info("session opened")

	for {
		typ, data, err := h.read(ctx, conn)
		if err != nil {
			h.logReadError(log, conn, err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			samples, err := DecodeSamples(data, h.order)
			if err != nil {
				h.protocolError(ctx, conn, log, "odd_length", err)
				continue
			}
			res, err := sess.AddAudio(ctx, samples)
			if errors.Is(err, engine.ErrProtocol) {
				h.protocolError(ctx, conn, log, "closed_stream", err)
				continue
			}
			if err != nil {
				h.fail(ctx, conn, log, span, err)
				return
			}
			h.writeResult(ctx, conn, res)

		case websocket.MessageText:
			if string(data) != EndOfStream {
				h.protocolError(ctx, conn, log, "unknown_text",
					fmt.Errorf("protocol: unexpected text frame, want %q: %w", EndOfStream, engine.ErrProtocol))
				continue
			}
			res, err := sess.SetDone(ctx)
			if err != nil {
				h.fail(ctx, conn, log, span, err)
				return
			}
			h.writeResult(ctx, conn, res)
			sess.Close(closeCtx)
			conn.Close(websocket.StatusNormalClosure, "end of stream")
			log.Debug("stream ended by client")
			return
		}
	}
}

// Echo sends every message back prefixed with "echo: ".
func (h *Handler) Echo(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		observe.Logger(r.Context()).Warn("protocol: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	if h.maxFrame > 0 {
		conn.SetReadLimit(h.maxFrame)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(h.base, cancel)()

	for {
		typ, data, err := h.read(ctx, conn)
		if err != nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, typ, append([]byte("echo: "), data...))
		cancel()
		if err != nil {
			return
		}
	}
}

// errIdle reports that the client sent nothing within the idle timeout.
var errIdle = errors.New("protocol: idle timeout")

// read waits for the next message, bounded by the idle timeout.
func (h *Handler) read(ctx context.Context, conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	if h.idleTimeout <= 0 {
		return conn.Read(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, h.idleTimeout)
	defer cancel()
	typ, data, err := conn.Read(rctx)
	if err != nil && rctx.Err() != nil && ctx.Err() == nil {
		return typ, data, fmt.Errorf("%w: %w", errIdle, err)
	}
	return typ, data, err
}

func (h *Handler) logReadError(log *slog.Logger, conn *websocket.Conn, err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Debug("client closed connection", "status", status)
	case errors.Is(err, errIdle):
		log.Info("closing idle session", "idle_timeout", h.idleTimeout)
		conn.Close(websocket.StatusPolicyViolation, "idle timeout")
	case h.base.Err() != nil:
		log.Info("aborting session for shutdown")
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Warn("connection lost", "err", err)
	}
}

func (h *Handler) protocolError(ctx context.Context, conn *websocket.Conn, log *slog.Logger, kind string, err error) {
	h.metrics.RecordProtocolError(ctx, kind)
	log.Debug("protocol error", "kind", kind, "err", err)
	h.write(ctx, conn, ErrorMessage(err))
}

// fail reports an unrecoverable engine error and closes the connection.
func (h *Handler) fail(ctx context.Context, conn *websocket.Conn, log *slog.Logger, span trace.Span, err error) {
	observe.Fail(span, "engine", err)
	log.Error("protocol: engine failure", "err", err)
	h.write(ctx, conn, ErrorMessage(err))
	conn.Close(websocket.StatusInternalError, "engine failure")
}

func (h *Handler) writeResult(ctx context.Context, conn *websocket.Conn, r engine.Result) {
	h.metrics.RecordResult(ctx, r.Status.String())
	h.write(ctx, conn, ResultMessage(r))
}

// write sends m. A failed write surfaces as an error on the next read.
func (h *Handler) write(ctx context.Context, conn *websocket.Conn, m Message) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(wctx, conn, m)
}
