package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/models"
)

func createTestTask(t *testing.T, repo *Repository, sessionID string, state models.TaskState) *models.Task {
	t.Helper()
	task := &models.Task{SessionID: sessionID, State: state}
	err := repo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.CreateTaskTx(context.Background(), tx, task)
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestRepository_OneOpenTaskPerSession(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	project := createTestProject(t, repo)
	session := createTestSession(t, repo, project.ID)

	first := createTestTask(t, repo, session.ID, models.TaskStateProcessing)

	err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.CreateTaskTx(ctx, tx, &models.Task{SessionID: session.ID, State: models.TaskStateCommanded})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for second open task, got %v", err)
	}

	// Closing the first task frees the slot.
	completedAt := time.Now().UTC()
	err = repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.UpdateTaskStateTx(ctx, tx, first.ID, models.TaskStateComplete, &completedAt)
	})
	if err != nil {
		t.Fatalf("failed to complete task: %v", err)
	}

	second := createTestTask(t, repo, session.ID, models.TaskStateCommanded)
	if second.ID == first.ID {
		t.Error("expected a fresh task row")
	}

	open, err := repo.GetOpenTask(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get open task: %v", err)
	}
	if open.ID != second.ID {
		t.Errorf("expected open task %s, got %s", second.ID, open.ID)
	}
}

func TestRepository_GetOpenTaskNone(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	project := createTestProject(t, repo)
	session := createTestSession(t, repo, project.ID)

	if _, err := repo.GetOpenTask(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound without open task, got %v", err)
	}
}

func TestRepository_TaskStateAndDerivedSessionState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	project := createTestProject(t, repo)
	session := createTestSession(t, repo, project.ID)
	task := createTestTask(t, repo, session.ID, models.TaskStateCommanded)

	err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.UpdateTaskStateTx(ctx, tx, task.ID, models.TaskStateAwaitingInput, nil)
	})
	if err != nil {
		t.Fatalf("failed to update state: %v", err)
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if got.State != models.TaskStateAwaitingInput {
		t.Errorf("expected awaiting_input, got %s", got.State)
	}
	if got.CompletedAt != nil {
		t.Error("expected completed_at to remain null")
	}

	s, _ := repo.GetSession(ctx, session.ID)
	if s.State != models.TaskStateAwaitingInput {
		t.Errorf("expected derived session state awaiting_input, got %s", s.State)
	}
}

func TestRepository_GetCurrentTaskPrefersOpen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	project := createTestProject(t, repo)
	session := createTestSession(t, repo, project.ID)

	done := createTestTask(t, repo, session.ID, models.TaskStateProcessing)
	completedAt := time.Now().UTC()
	err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.UpdateTaskStateTx(ctx, tx, done.ID, models.TaskStateComplete, &completedAt)
	})
	if err != nil {
		t.Fatalf("failed to complete task: %v", err)
	}

	current, err := repo.GetCurrentTask(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get current task: %v", err)
	}
	if current.ID != done.ID {
		t.Errorf("expected latest complete task, got %s", current.ID)
	}

	open := createTestTask(t, repo, session.ID, models.TaskStateProcessing)
	current, err = repo.GetCurrentTask(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get current task: %v", err)
	}
	if current.ID != open.ID {
		t.Errorf("expected open task to win, got %s", current.ID)
	}
}

func TestRepository_TaskSummaries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	project := createTestProject(t, repo)
	session := createTestSession(t, repo, project.ID)
	task := createTestTask(t, repo, session.ID, models.TaskStateProcessing)

	if err := repo.SetTaskInstruction(ctx, task.ID, "Fix flaky auth test"); err != nil {
		t.Fatalf("failed to set instruction: %v", err)
	}
	if err := repo.SetTaskCompletionSummary(ctx, task.ID, "Stabilised the auth suite"); err != nil {
		t.Fatalf("failed to set completion summary: %v", err)
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if got.Instruction != "Fix flaky auth test" {
		t.Errorf("unexpected instruction %q", got.Instruction)
	}
	if got.CompletionSummary != "Stabilised the auth suite" {
		t.Errorf("unexpected completion summary %q", got.CompletionSummary)
	}

	if err := repo.SetTaskInstruction(ctx, "nonexistent", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing task, got %v", err)
	}
}
