// Package stream drives one agent execution stream per query: it opens the
// transport, decodes node events, dispatches them in order and guarantees a
// single terminal notification.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/sse"
)

// Transport opens the server-pushed stream for one request. The returned body
// is owned by the session, which closes it exactly once.
type Transport interface {
	Open(ctx context.Context, req domain.StreamRequest) (io.ReadCloser, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req domain.StreamRequest) (io.ReadCloser, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, req domain.StreamRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

// Handlers are the caller's callbacks. Each is awaited before the session reads
// the next message; nil callbacks are skipped. Errors returned by a callback
// are logged and never change the session state.
type Handlers struct {
	// OnEvent receives every decoded event in server-send order.
	OnEvent func(ctx context.Context, evt domain.NodeEvent) error
	// OnError fires at most once, when the session fails.
	OnError func(ctx context.Context, err error) error
	// OnComplete fires at most once, when the server signals completion.
	OnComplete func(ctx context.Context) error
	// OnDecodeError receives each malformed message. It is not terminal.
	OnDecodeError func(ctx context.Context, err *domain.DecodeError) error
}

// Handle controls a running session.
type Handle struct {
	req      domain.StreamRequest
	handlers Handlers
	opts     options
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	done   chan struct{}

	mu       sync.Mutex
	state    domain.SessionState
	err      error
	body     io.ReadCloser
	threadID string
	events   int
}

// Start validates req and begins a session on transport. It returns as soon as
// the connection attempt has been started; all further progress is reported
// through handlers. Cancelling ctx is equivalent to calling Handle.Cancel. A
// ctx deadline is not a cancel: the session fails with a TransportError of op
// "timeout" wrapping context.DeadlineExceeded and OnError fires.
func Start(ctx context.Context, transport Transport, req domain.StreamRequest, handlers Handlers, opts ...Option) (*Handle, error) {
	if transport == nil {
		return nil, errors.New("stream: transport is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)
	sessCtx, cancel := context.WithCancel(ctx)
	sessCtx, span := o.tracer.Start(sessCtx, "stream.session",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("thread.id", req.ThreadID),
			attribute.Bool("nl2sql_only", req.NL2SQLOnly),
			attribute.Bool("human_feedback", req.HumanFeedback),
		))

	h := &Handle{
		req:      req,
		handlers: handlers,
		opts:     o,
		logger:   o.logger.With().Str("agent_id", req.AgentID).Logger(),
		ctx:      sessCtx,
		cancel:   cancel,
		span:     span,
		done:     make(chan struct{}),
		state:    domain.SessionStateConnecting,
		threadID: req.ThreadID,
	}

	go h.run(transport)
	return h, nil
}

// Cancel stops the session and releases the transport before returning. It is
// idempotent and a no-op once the session reached a terminal state. No
// completion or error callback fires after Cancel. It is safe to call from any
// goroutine, including from inside a callback.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = domain.SessionStateCancelled
	h.err = domain.ErrCancelled
	body := h.body
	h.body = nil
	h.mu.Unlock()

	h.cancel()
	if body != nil {
		body.Close()
	}
	h.logger.Info().Str("thread_id", h.ThreadID()).Msg("Stream cancelled by caller")
}

// Done is closed once the session goroutine has exited and the transport has
// been released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the session is done or ctx ends, and returns the session's
// terminal error (nil on completion).
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current session state.
func (h *Handle) State() domain.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns nil while running or after completion, the failure after Failed,
// and domain.ErrCancelled after Cancelled.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ThreadID returns the thread id supplied in the request or, for a new
// thread, the first one the server reported.
func (h *Handle) ThreadID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadID
}

// Events returns the number of events dispatched so far.
func (h *Handle) Events() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events
}

func (h *Handle) run(transport Transport) {
	// Parent cancellation behaves exactly like Cancel, even for transports
	// that ignore the context.
	stop := context.AfterFunc(h.ctx, h.contextDone)

	defer close(h.done)
	defer h.endSpan()
	defer h.release()
	defer h.cancel()
	defer stop()

	body, err := transport.Open(h.ctx, h.req)
	if err != nil {
		h.fail(asTransportError("open", err))
		return
	}
	if !h.attach(body) {
		body.Close()
		if err := h.ctx.Err(); err != nil {
			h.fail(err)
		}
		return
	}
	h.logger.Debug().Msg("Stream opened")

	reader := sse.NewReader(body)
	consecutiveDecodeErrors := 0

	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = &domain.TransportError{Op: "eof", Message: "stream closed before completion", Err: io.ErrUnexpectedEOF}
			}
			h.fail(asTransportError("read", err))
			return
		}

		switch frame.Name() {
		case domain.StreamEventComplete:
			h.complete()
			return

		case domain.StreamEventError:
			h.fail(&domain.TransportError{Op: "server", Message: frame.Data})
			return

		case domain.StreamEventMessage:
			evt, err := domain.DecodeNodeEvent([]byte(frame.Data))
			if err != nil {
				var decodeErr *domain.DecodeError
				errors.As(err, &decodeErr)
				consecutiveDecodeErrors++
				if !h.reportDecodeError(decodeErr) {
					return
				}
				if h.opts.maxDecodeErrors > 0 && consecutiveDecodeErrors > h.opts.maxDecodeErrors {
					h.fail(fmt.Errorf("%d consecutive malformed messages: %w", consecutiveDecodeErrors, decodeErr))
					return
				}
				continue
			}
			consecutiveDecodeErrors = 0
			if !h.dispatch(evt) {
				return
			}

		default:
			h.logger.Debug().Str("event", frame.Name()).Msg("Ignoring unknown stream event")
		}
	}
}

// contextDone runs when the session context ends. A deadline only unblocks
// the reader; the session goroutine then reports the timeout so OnError stays
// serialized with OnEvent.
func (h *Handle) contextDone() {
	if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
		h.release()
		return
	}
	h.Cancel()
}

// attach records the opened body and moves Connecting to Open. It reports
// false if the session was cancelled or timed out while connecting.
func (h *Handle) attach(body io.ReadCloser) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() || h.ctx.Err() != nil {
		return false
	}
	h.body = body
	h.state = domain.SessionStateOpen
	return true
}

// release closes the body if it is still held.
func (h *Handle) release() {
	h.mu.Lock()
	body := h.body
	h.body = nil
	h.mu.Unlock()
	if body != nil {
		body.Close()
	}
}

// transition is the single check-and-set for terminal states.
func (h *Handle) transition(to domain.SessionState, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = to
	h.err = err
	return true
}

func (h *Handle) open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == domain.SessionStateOpen
}

func (h *Handle) dispatch(evt domain.NodeEvent) bool {
	h.mu.Lock()
	if h.state != domain.SessionStateOpen {
		h.mu.Unlock()
		return false
	}
	h.events++
	if h.threadID == "" {
		h.threadID = evt.ThreadID
	} else if evt.ThreadID != "" && evt.ThreadID != h.threadID {
		h.logger.Warn().Str("thread_id", h.threadID).Str("event_thread_id", evt.ThreadID).Msg("Server reported a different thread id; keeping the first")
	}
	h.mu.Unlock()

	h.logger.Debug().
		Str("node", evt.NodeName).
		Str("text_type", string(evt.TextType)).
		Bool("complete", evt.Complete).
		Bool("error", evt.Error).
		Msg("Node event")

	if h.handlers.OnEvent != nil {
		if err := h.handlers.OnEvent(h.ctx, evt); err != nil {
			h.logger.Warn().Err(err).Str("node", evt.NodeName).Msg("Event handler failed")
		}
	}
	return true
}

func (h *Handle) reportDecodeError(err *domain.DecodeError) bool {
	if !h.open() {
		return false
	}
	h.logger.Warn().Err(err).Msg("Failed to parse stream message")
	if h.handlers.OnDecodeError != nil {
		if cbErr := h.handlers.OnDecodeError(h.ctx, err); cbErr != nil {
			h.logger.Warn().Err(cbErr).Msg("Decode error handler failed")
		}
	}
	return true
}

func (h *Handle) complete() {
	if !h.transition(domain.SessionStateCompleted, nil) {
		return
	}
	h.logger.Info().Str("thread_id", h.ThreadID()).Int("events", h.Events()).Msg("Stream completed")
	if h.handlers.OnComplete != nil {
		if err := h.handlers.OnComplete(h.ctx); err != nil {
			h.logger.Warn().Err(err).Msg("Completion handler failed")
		}
	}
}

// fail moves to Failed unless the session already reached a terminal state.
// This is what hides a benign close that follows completion or cancellation.
func (h *Handle) fail(err error) {
	if ctxErr := h.ctx.Err(); ctxErr != nil {
		if !errors.Is(ctxErr, context.DeadlineExceeded) {
			// Our own context ended: the caller cancelled, not the transport.
			h.Cancel()
			return
		}
		err = &domain.TransportError{Op: "timeout", Message: "session deadline exceeded", Err: context.DeadlineExceeded}
	}
	if !h.transition(domain.SessionStateFailed, err) {
		return
	}
	h.logger.Error().Err(err).Str("thread_id", h.ThreadID()).Msg("Stream failed")
	if h.handlers.OnError != nil {
		if cbErr := h.handlers.OnError(h.ctx, err); cbErr != nil {
			h.logger.Warn().Err(cbErr).Msg("Error handler failed")
		}
	}
}

func (h *Handle) endSpan() {
	h.mu.Lock()
	state, err, threadID, events := h.state, h.err, h.threadID, h.events
	h.mu.Unlock()

	h.span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int("events.count", events),
		attribute.String("session.state", string(state)),
	)
	if state == domain.SessionStateFailed {
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, err.Error())
	}
	h.span.End()
}

func asTransportError(op string, err error) error {
	var tErr *domain.TransportError
	if errors.As(err, &tErr) {
		return err
	}
	return &domain.TransportError{Op: op, Err: err}
}
