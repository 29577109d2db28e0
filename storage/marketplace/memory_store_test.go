package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	core "taskmarket-backend/core/marketplace"
)

func TestMemoryStoreConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetConfig(ctx); !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	has, err := s.HasConfig(ctx)
	if err != nil || has {
		t.Fatalf("expected no config, got has=%v err=%v", has, err)
	}

	cfg := core.Config{TokenAddress: "token", PlatformFeeBps: 250, Admin: "admin", TaskCounter: 3}
	if err := s.Apply(ctx, core.ChangeSet{Config: &cfg}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got != cfg {
		t.Fatalf("config mismatch: got %+v, want %+v", got, cfg)
	}

	// The store keeps its own copy of the config.
	cfg.TaskCounter = 99
	got, _ = s.GetConfig(ctx)
	if got.TaskCounter != 3 {
		t.Fatalf("store aliases caller config: counter %d", got.TaskCounter)
	}
}

func TestMemoryStoreTaskAndBids(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetTask(ctx, 1); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	task := core.Task{ID: 1, Employer: "emp", Title: "t", Budget: 500, Status: core.StatusOpen, CreatedAt: time.Now()}
	bids := []core.Bid{
		{Freelancer: "alice", Amount: 400, Proposal: "p1", DeliveryTimeDays: 5},
		{Freelancer: "bob", Amount: 350, Proposal: "p2", DeliveryTimeDays: 3},
	}
	cs := core.ChangeSet{
		Task: &task,
		Bids: &core.BidList{TaskID: 1, Bids: bids},
	}
	if err := s.Apply(ctx, cs); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := s.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Employer != "emp" || got.Status != core.StatusOpen {
		t.Fatalf("unexpected task: %+v", got)
	}

	gotBids, err := s.GetBids(ctx, 1)
	if err != nil {
		t.Fatalf("get bids: %v", err)
	}
	if len(gotBids) != 2 || gotBids[0].Freelancer != "alice" || gotBids[1].Freelancer != "bob" {
		t.Fatalf("unexpected bids: %+v", gotBids)
	}

	// Mutating the returned slice must not touch stored state.
	gotBids[0].Freelancer = "mallory"
	fresh, _ := s.GetBids(ctx, 1)
	if fresh[0].Freelancer != "alice" {
		t.Fatalf("stored bids aliased by caller slice: %+v", fresh)
	}

	// Bids for an unknown task are simply empty.
	empty, err := s.GetBids(ctx, 42)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty bids for unknown task, got %v, %v", empty, err)
	}
}

func TestMemoryStoreDispute(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetDispute(ctx, 1); !errors.Is(err, core.ErrDisputeNotFound) {
		t.Fatalf("expected ErrDisputeNotFound, got %v", err)
	}
	has, err := s.HasDispute(ctx, 1)
	if err != nil || has {
		t.Fatalf("expected no dispute, got has=%v err=%v", has, err)
	}

	d := core.Dispute{TaskID: 1, RaisedBy: "emp", Reason: "late", CreatedAt: time.Now()}
	if err := s.Apply(ctx, core.ChangeSet{Dispute: &d}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := s.GetDispute(ctx, 1)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if got.RaisedBy != "emp" || got.Resolved {
		t.Fatalf("unexpected dispute: %+v", got)
	}

	// A later Apply overwrites the record, which is how resolution lands.
	d.Resolved = true
	if err := s.Apply(ctx, core.ChangeSet{Dispute: &d}); err != nil {
		t.Fatalf("apply resolved: %v", err)
	}
	got, _ = s.GetDispute(ctx, 1)
	if !got.Resolved {
		t.Fatal("dispute resolution not persisted")
	}
}

func TestMemoryStoreListTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	statuses := []core.TaskStatus{core.StatusCompleted, core.StatusOpen, core.StatusOpen}
	for i, st := range statuses {
		task := core.Task{ID: uint64(i + 1), Employer: "emp", Status: st}
		if err := s.Apply(ctx, core.ChangeSet{Task: &task}); err != nil {
			t.Fatalf("apply task %d: %v", i+1, err)
		}
	}

	all, err := s.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	for i, task := range all {
		if task.ID != uint64(i+1) {
			t.Fatalf("tasks not ordered by id: %+v", all)
		}
	}

	open, err := s.ListTasks(ctx, core.StatusOpen)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 || open[0].ID != 2 || open[1].ID != 3 {
		t.Fatalf("unexpected open tasks: %+v", open)
	}
}
