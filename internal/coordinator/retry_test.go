package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaywire/dispatchd/internal/persistence"
)

func TestRetryWithError_CreatesNewTaskWithErrorContext(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dispatchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})
	failed := persistence.Task{
		ID: "t1", ProjectID: "p1", ParentTaskID: "parent",
		Command: "fix", Prompt: "Build the project",
		Status: persistence.TaskFailed,
	}
	if err := store.CreateTask(ctx, failed); err != nil {
		t.Fatalf("create failed task: %v", err)
	}

	retryID, err := RetryWithError(ctx, store, failed, "compilation failed: syntax error on line 42", 2)
	if err != nil {
		t.Fatalf("retry with error: %v", err)
	}
	if retryID == "" {
		t.Fatal("expected non-empty retry task id")
	}
	if retryID == failed.ID {
		t.Fatal("expected a distinct task id for the retry")
	}

	retry, err := store.GetTask(ctx, retryID)
	if err != nil {
		t.Fatalf("get retry task: %v", err)
	}
	if retry.ParentTaskID != "parent" {
		t.Fatalf("expected parent_task_id preserved, got %q", retry.ParentTaskID)
	}
	if retry.Status != persistence.TaskQueued {
		t.Fatalf("expected retry queued, got %s", retry.Status)
	}
	if !strings.Contains(retry.Prompt, "Build the project") {
		t.Error("retry prompt should include original task")
	}
	if !strings.Contains(retry.Prompt, "syntax error") {
		t.Error("retry prompt should include error message")
	}
}

func TestBuildRetryPrompt(t *testing.T) {
	t.Run("includes_original_prompt", func(t *testing.T) {
		prompt := buildRetryPrompt("Build the application", "failed", 2)
		if !strings.Contains(prompt, "Build the application") {
			t.Errorf("retry prompt missing original prompt")
		}
	})

	t.Run("includes_error_message", func(t *testing.T) {
		prompt := buildRetryPrompt("Do something", "out of memory", 2)
		if !strings.Contains(prompt, "out of memory") {
			t.Errorf("retry prompt missing error message")
		}
	})

	t.Run("includes_attempt_info", func(t *testing.T) {
		prompt := buildRetryPrompt("task", "error", 3)
		if !strings.Contains(prompt, "attempt") {
			t.Errorf("retry prompt should reference attempt")
		}
	})

	t.Run("indicates_failure", func(t *testing.T) {
		prompt := buildRetryPrompt("task", "error", 2)
		if !strings.Contains(prompt, "failed") {
			t.Errorf("retry prompt should indicate failure")
		}
	})

	t.Run("requests_adjustment", func(t *testing.T) {
		prompt := buildRetryPrompt("task", "error", 2)
		if !strings.Contains(prompt, "adjust") && !strings.Contains(prompt, "fix") {
			t.Errorf("retry prompt should request adjustment or fix")
		}
	})
}
