package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/stream"
)

// Observer receives a run's progress. All callbacks are optional. OnEvent and
// OnDecodeError run on the session goroutine, so a slow observer slows the
// stream down rather than buffering it. OnFinish fires once, after the
// session has released its transport.
type Observer struct {
	OnEvent       func(ctx context.Context, rec *domain.RecordedEvent) error
	OnDecodeError func(ctx context.Context, runID string, err *domain.DecodeError) error
	OnFinish      func(run *domain.Run)
}

type activeRun struct {
	runID  string
	handle *stream.Handle
}

// StartRun validates and admits req, records a new run and starts its
// session. The session outlives ctx; use CancelRun or Shutdown to stop it.
func (s *Service) StartRun(ctx context.Context, req domain.StreamRequest, observer Observer) (*domain.Run, error) {
	if err := s.Admit(ctx, req); err != nil {
		return nil, err
	}

	runID := "run_" + uuid.New().String()[:8]
	run := &domain.Run{
		RunID:     runID,
		AgentID:   req.AgentID,
		ThreadID:  req.ThreadID,
		Request:   req,
		State:     domain.SessionStateConnecting,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if req.ThreadID != "" {
		s.touchThread(ctx, req.ThreadID, req)
	}

	logger := s.logger.With().Str("run_id", runID).Logger()
	rec := &recorder{service: s, runID: runID, req: req, threadID: req.ThreadID, observer: observer}
	opts := append([]stream.Option{stream.WithLogger(logger)}, s.streamOpts...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.finishWithoutSession(runID, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	handle, err := s.streamer.StreamSearch(s.baseCtx, req, rec.handlers(), opts...)
	if err != nil {
		s.mu.Unlock()
		s.finishWithoutSession(runID, err)
		return nil, err
	}
	ar := &activeRun{runID: runID, handle: handle}
	s.active[runID] = ar
	s.wg.Add(1)
	s.mu.Unlock()

	logger.Info().Str("agent_id", req.AgentID).Str("thread_id", req.ThreadID).Msg("Run started")
	go s.watch(ar, observer)

	return run, nil
}

// Admit validates req and checks it against the query policy without
// starting anything.
func (s *Service) Admit(ctx context.Context, req domain.StreamRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if s.policyEngine == nil {
		return nil
	}
	decision, err := s.policyEngine.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		s.logger.Info().Str("agent_id", req.AgentID).Str("reason", decision.Reason).Msg("Request denied by policy")
		return &PolicyDeniedError{Reason: decision.Reason}
	}
	return nil
}

// CancelRun cancels an active run. Cancelling a run that already finished
// returns ErrRunNotActive.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		ar.handle.Cancel()
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	return ErrRunNotActive
}

// GetRun returns a run with its live state while it is active.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	s.overlayLive(run)
	return run, nil
}

// ListRunEvents pages through the recorded events of a run.
func (s *Service) ListRunEvents(ctx context.Context, runID string, afterSeq, limit int) ([]domain.RecordedEvent, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return s.store.ListNodeEvents(ctx, runID, afterSeq, limit)
}

// ListThreadRuns returns the runs recorded for a thread, oldest first.
func (s *Service) ListThreadRuns(ctx context.Context, threadID string, limit int) ([]domain.Run, error) {
	runs, err := s.store.ListRunsByThread(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		s.overlayLive(&runs[i])
	}
	return runs, nil
}

func (s *Service) overlayLive(run *domain.Run) {
	s.mu.Lock()
	ar, ok := s.active[run.RunID]
	s.mu.Unlock()
	if !ok {
		return
	}
	run.State = ar.handle.State()
	if threadID := ar.handle.ThreadID(); threadID != "" {
		run.ThreadID = threadID
	}
}

// watch records the terminal state once the session is done.
func (s *Service) watch(ar *activeRun, observer Observer) {
	defer s.wg.Done()
	<-ar.handle.Done()

	state := ar.handle.State()
	errText := ""
	if err := ar.handle.Err(); err != nil && !errors.Is(err, domain.ErrCancelled) {
		errText = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.UpdateRunState(ctx, ar.runID, state, errText); err != nil {
		s.logger.Error().Err(err).Str("run_id", ar.runID).Msg("Failed to record run state")
	}

	s.mu.Lock()
	delete(s.active, ar.runID)
	s.mu.Unlock()

	s.logger.Info().
		Str("run_id", ar.runID).
		Str("state", string(state)).
		Str("thread_id", ar.handle.ThreadID()).
		Int("events", ar.handle.Events()).
		Msg("Run finished")

	if observer.OnFinish == nil {
		return
	}
	run, err := s.store.GetRun(ctx, ar.runID)
	if err != nil || run == nil {
		run = &domain.Run{RunID: ar.runID, State: state, ThreadID: ar.handle.ThreadID(), Error: errText}
	}
	observer.OnFinish(run)
}

func (s *Service) finishWithoutSession(runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateRunState(ctx, runID, domain.SessionStateFailed, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to record run state")
	}
}

func (s *Service) touchThread(ctx context.Context, threadID string, req domain.StreamRequest) {
	if err := s.store.UpsertThread(ctx, &domain.Thread{ThreadID: threadID, AgentID: req.AgentID, LastQuery: req.Query}); err != nil {
		s.logger.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to record thread")
	}
}

// recorder persists a session's events. Its callbacks run serially on the
// session goroutine, so seq and threadID need no locking.
type recorder struct {
	service  *Service
	runID    string
	req      domain.StreamRequest
	threadID string
	seq      int
	observer Observer
}

func (r *recorder) handlers() stream.Handlers {
	return stream.Handlers{
		OnEvent:       r.onEvent,
		OnDecodeError: r.onDecodeError,
	}
}

func (r *recorder) onEvent(ctx context.Context, evt domain.NodeEvent) error {
	// Writes must survive the session context being cancelled mid-event.
	storeCtx := context.WithoutCancel(ctx)
	s := r.service

	if r.threadID == "" && evt.ThreadID != "" {
		r.threadID = evt.ThreadID
		if err := s.store.SetRunThread(storeCtx, r.runID, r.threadID); err != nil {
			s.logger.Warn().Err(err).Str("run_id", r.runID).Msg("Failed to record thread id")
		}
		s.touchThread(storeCtx, r.threadID, r.req)
	}

	r.seq++
	rec, err := s.store.AppendNodeEvent(storeCtx, r.runID, r.seq, evt)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", r.runID).Int("seq", r.seq).Msg("Failed to record node event")
		rec = &domain.RecordedEvent{RunID: r.runID, Seq: r.seq, Event: evt, ReceivedAt: time.Now().UTC()}
	}

	if r.observer.OnEvent != nil {
		return r.observer.OnEvent(ctx, rec)
	}
	return nil
}

func (r *recorder) onDecodeError(ctx context.Context, decodeErr *domain.DecodeError) error {
	if r.observer.OnDecodeError != nil {
		return r.observer.OnDecodeError(ctx, r.runID, decodeErr)
	}
	return nil
}
