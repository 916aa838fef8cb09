package store

import (
	"context"
	"testing"
)

func TestRepository_ObjectiveSingleton(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Never set: empty, not an error.
	o, err := repo.GetObjective(ctx)
	if err != nil {
		t.Fatalf("failed to get empty objective: %v", err)
	}
	if o.Text != "" {
		t.Errorf("expected empty objective, got %q", o.Text)
	}

	if _, err := repo.SetObjective(ctx, "ship the beta"); err != nil {
		t.Fatalf("failed to set objective: %v", err)
	}
	o, _ = repo.GetObjective(ctx)
	if o.Text != "ship the beta" {
		t.Errorf("expected objective text, got %q", o.Text)
	}

	// First set leaves no history behind.
	history, err := repo.ListObjectiveHistory(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d rows", len(history))
	}
}

func TestRepository_ObjectiveHistoryAppend(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.SetObjective(ctx, "first"); err != nil {
		t.Fatalf("failed to set objective: %v", err)
	}
	if _, err := repo.SetObjective(ctx, "second"); err != nil {
		t.Fatalf("failed to replace objective: %v", err)
	}
	if _, err := repo.SetObjective(ctx, "third"); err != nil {
		t.Fatalf("failed to replace objective: %v", err)
	}

	o, _ := repo.GetObjective(ctx)
	if o.Text != "third" {
		t.Errorf("expected current objective third, got %q", o.Text)
	}

	history, err := repo.ListObjectiveHistory(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	// Newest first.
	if history[0].Text != "second" || history[1].Text != "first" {
		t.Errorf("unexpected history order: %q, %q", history[0].Text, history[1].Text)
	}
}

func TestRepository_ObjectiveIdenticalTextNoop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.SetObjective(ctx, "keep going")
	if err != nil {
		t.Fatalf("failed to set objective: %v", err)
	}
	second, err := repo.SetObjective(ctx, "keep going")
	if err != nil {
		t.Fatalf("failed on identical set: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("expected identical text to keep the original timestamp")
	}

	history, _ := repo.ListObjectiveHistory(ctx, 10)
	if len(history) != 0 {
		t.Errorf("expected no history for identical set, got %d rows", len(history))
	}
}
