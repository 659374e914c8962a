// Package repository persists run transcripts: threads, runs and the node
// events each run received.
package repository

import (
	"context"

	"github.com/xiaot623/dataagent/internal/domain"
)

// Store defines the interface for transcript persistence. Getters return
// (nil, nil) when the record does not exist.
type Store interface {
	// Thread operations
	UpsertThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunState(ctx context.Context, runID string, state domain.SessionState, errText string) error
	SetRunThread(ctx context.Context, runID, threadID string) error
	ListRunsByThread(ctx context.Context, threadID string, limit int) ([]domain.Run, error)

	// Event operations
	AppendNodeEvent(ctx context.Context, runID string, seq int, evt domain.NodeEvent) (*domain.RecordedEvent, error)
	ListNodeEvents(ctx context.Context, runID string, afterSeq int, limit int) ([]domain.RecordedEvent, error)

	// Lifecycle
	Close() error
}
