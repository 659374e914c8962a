package repository

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/dataagent/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStoreThreads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.UpsertThread(ctx, &domain.Thread{ThreadID: "t1", AgentID: "a1", LastQuery: "first"}); err != nil {
		t.Fatalf("UpsertThread failed: %v", err)
	}
	if err := store.UpsertThread(ctx, &domain.Thread{ThreadID: "t1", AgentID: "a1", LastQuery: "second"}); err != nil {
		t.Fatalf("UpsertThread (update) failed: %v", err)
	}

	thread, err := store.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if thread == nil || thread.LastQuery != "second" || thread.AgentID != "a1" {
		t.Fatalf("unexpected thread: %+v", thread)
	}

	missing, err := store.GetThread(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil thread, got %+v, %v", missing, err)
	}
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run := &domain.Run{
		RunID:     "run_1",
		AgentID:   "a1",
		Request:   domain.StreamRequest{AgentID: "a1", Query: "top regions", NL2SQLOnly: true},
		State:     domain.SessionStateConnecting,
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := store.UpdateRunState(ctx, "run_1", domain.SessionStateOpen, ""); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}
	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != domain.SessionStateOpen || got.EndedAt != nil {
		t.Fatalf("unexpected open run: %+v", got)
	}
	if !got.Request.NL2SQLOnly || got.Request.Query != "top regions" {
		t.Fatalf("request not preserved: %+v", got.Request)
	}

	if err := store.SetRunThread(ctx, "run_1", "t1"); err != nil {
		t.Fatalf("SetRunThread failed: %v", err)
	}
	if err := store.UpdateRunState(ctx, "run_1", domain.SessionStateFailed, "stream connection failed"); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}

	got, err = store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != domain.SessionStateFailed || got.Error != "stream connection failed" {
		t.Fatalf("unexpected failed run: %+v", got)
	}
	if got.EndedAt == nil {
		t.Fatalf("terminal run must have ended_at")
	}
	if got.ThreadID != "t1" {
		t.Fatalf("expected thread t1, got %q", got.ThreadID)
	}

	missing, err := store.GetRun(ctx, "run_missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil run, got %+v, %v", missing, err)
	}
}

func TestSQLiteStoreNodeEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run := &domain.Run{RunID: "run_1", AgentID: "a1", Request: domain.StreamRequest{AgentID: "a1", Query: "q"}, State: domain.SessionStateOpen}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	nodes := []domain.NodeEvent{
		{AgentID: "a1", ThreadID: "t1", NodeName: "plan", TextType: domain.TextTypeJSON, Text: "{}", Complete: true},
		{AgentID: "a1", ThreadID: "t1", NodeName: "sql", TextType: domain.TextTypeSQL, Text: "SELECT 1", Complete: true},
		{AgentID: "a1", ThreadID: "t1", NodeName: "result", TextType: domain.TextTypeResultSet, Text: "table missing", Error: true, Complete: true},
	}
	for i, evt := range nodes {
		rec, err := store.AppendNodeEvent(ctx, "run_1", i+1, evt)
		if err != nil {
			t.Fatalf("AppendNodeEvent %d failed: %v", i, err)
		}
		if rec.EventID == "" || rec.Seq != i+1 {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}

	if _, err := store.AppendNodeEvent(ctx, "run_1", 1, nodes[0]); err == nil {
		t.Fatalf("expected duplicate seq to fail")
	}

	events, err := store.ListNodeEvents(ctx, "run_1", 0, 10)
	if err != nil {
		t.Fatalf("ListNodeEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Event.NodeName != "sql" || events[1].Event.TextType != domain.TextTypeSQL {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if !events[2].Event.Error || !events[2].Event.Complete || events[2].Event.ThreadID != "t1" {
		t.Fatalf("flags not preserved: %+v", events[2].Event)
	}

	after, err := store.ListNodeEvents(ctx, "run_1", 2, 10)
	if err != nil {
		t.Fatalf("ListNodeEvents failed: %v", err)
	}
	if len(after) != 1 || after[0].Seq != 3 {
		t.Fatalf("unexpected page: %+v", after)
	}

	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Events != 3 {
		t.Fatalf("expected event count 3, got %d", got.Events)
	}
}

func TestSQLiteStoreListRunsByThread(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		run := &domain.Run{
			RunID:     id,
			AgentID:   "a1",
			ThreadID:  "t1",
			Request:   domain.StreamRequest{AgentID: "a1", Query: "q"},
			State:     domain.SessionStateCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if id == "run_c" {
			run.ThreadID = "t2"
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := store.ListRunsByThread(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("ListRunsByThread failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run_a" || runs[1].RunID != "run_b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}
