// Package service runs stream sessions on behalf of relay clients, records
// their transcripts and tracks the sessions that are still active.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/policy"
	"github.com/xiaot623/dataagent/internal/repository"
	"github.com/xiaot623/dataagent/internal/stream"
)

var (
	// ErrRunNotFound means no run has the given id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotActive means the run exists but has already finished.
	ErrRunNotActive = errors.New("run is not active")
	// ErrPolicyDenied means the query policy rejected the request.
	ErrPolicyDenied = errors.New("request denied by policy")
	// ErrShuttingDown means the service no longer accepts runs.
	ErrShuttingDown = errors.New("service is shutting down")
)

// PolicyDeniedError carries the policy's reason.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	if e.Reason == "" {
		return ErrPolicyDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPolicyDenied, e.Reason)
}

// Is lets errors.Is(err, ErrPolicyDenied) match.
func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrPolicyDenied
}

// Streamer starts sessions against the agent server.
type Streamer interface {
	StreamSearch(ctx context.Context, req domain.StreamRequest, handlers stream.Handlers, opts ...stream.Option) (*stream.Handle, error)
}

type Service struct {
	store        repository.Store
	streamer     Streamer
	policyEngine *policy.Engine
	logger       zerolog.Logger
	streamOpts   []stream.Option

	// baseCtx parents every session; Shutdown cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

// New creates the relay service. policyEngine may be nil to admit every valid
// request. streamOpts apply to every session the service starts.
func New(store repository.Store, streamer Streamer, policyEngine *policy.Engine, logger zerolog.Logger, streamOpts ...stream.Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        store,
		streamer:     streamer,
		policyEngine: policyEngine,
		logger:       logger,
		streamOpts:   streamOpts,
		baseCtx:      ctx,
		baseCancel:   cancel,
		active:       make(map[string]*activeRun),
	}
}

// ActiveRuns returns the number of sessions still running.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every active run and waits for their sessions to finish
// or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
