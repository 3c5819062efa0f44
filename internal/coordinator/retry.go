package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/relaywire/dispatchd/internal/persistence"
)

// RetryWithError creates a fresh task cloned from a failed subtask, with the
// previous error folded into the prompt so the worker can adjust its
// approach instead of repeating the same mistake.
func RetryWithError(ctx context.Context, store *persistence.Store, failed persistence.Task, previousError string, attempt int) (string, error) {
	retryID := uuid.NewString()
	retry := failed
	retry.ID = retryID
	retry.ParentTaskID = failed.ParentTaskID
	retry.Prompt = buildRetryPrompt(failed.Prompt, previousError, attempt)
	retry.Status = persistence.TaskQueued
	retry.Result = ""
	retry.InputTokens, retry.OutputTokens, retry.EstimatedCost = 0, 0, 0
	retry.ContinuationCount = 0

	if err := store.CreateTask(ctx, retry); err != nil {
		return "", fmt.Errorf("create retry task: %w", err)
	}
	return retryID, nil
}

// buildRetryPrompt constructs a new prompt that includes error context.
func buildRetryPrompt(originalPrompt, errorMsg string, attempt int) string {
	var sb strings.Builder
	sb.WriteString("Your previous attempt at this task failed.\n\n")
	sb.WriteString(fmt.Sprintf("Original task: %s\n\n", originalPrompt))
	sb.WriteString(fmt.Sprintf("Error from attempt %d:\n%s\n\n", attempt-1, errorMsg))
	sb.WriteString("Please analyze the error, adjust your approach, and try again.\n")
	sb.WriteString("Be explicit about what you're changing and why.")
	return sb.String()
}
