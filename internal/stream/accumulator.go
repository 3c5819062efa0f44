// Package stream is the stream accumulator (C6): it coalesces a task's
// progress and text-delta events into one or two chat messages instead of
// one message per event, throttling edits to respect upstream chat rate
// limits.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ChatPoster is the out-of-scope chat-platform collaborator contract: post a
// new message, edit an existing one by id.
type ChatPoster interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID, text string) error
}

// Defaults for edit throttling.
const (
	DefaultEditEveryNDeltas = 10
	DefaultEditInterval     = 1500 * time.Millisecond
)

// taskState is the per-task accumulator record.
type taskState struct {
	mu              sync.Mutex
	prompt          string
	channelID       string
	threadTS        string
	steps           []string
	textBuffer      strings.Builder
	anchorMessageID string
	lastEditAt      time.Time
	deltasSinceEdit int
}

// Accumulator owns one taskState per in-flight task.
type Accumulator struct {
	mu     sync.Mutex
	tasks  map[string]*taskState
	poster ChatPoster
	logger *slog.Logger

	editEveryNDeltas int
	editInterval     time.Duration
}

// New constructs an accumulator that posts/edits through poster.
func New(poster ChatPoster, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		tasks:            make(map[string]*taskState),
		poster:           poster,
		logger:           logger,
		editEveryNDeltas: DefaultEditEveryNDeltas,
		editInterval:     DefaultEditInterval,
	}
}

func (a *Accumulator) stateFor(taskID, prompt, channelID, threadTS string) *taskState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[taskID]
	if !ok {
		st = &taskState{prompt: prompt, channelID: channelID, threadTS: threadTS}
		a.tasks[taskID] = st
	}
	return st
}

// OnProgress appends a tool-progress step and renders the full message,
// creating the anchor on first call or editing it thereafter.
func (a *Accumulator) OnProgress(ctx context.Context, taskID, prompt, channelID, threadTS, step string, percent int) error {
	st := a.stateFor(taskID, prompt, channelID, threadTS)
	st.mu.Lock()
	st.steps = append(st.steps, step)
	text := renderProgress(st.prompt, st.steps, percent)
	anchor := st.anchorMessageID
	st.mu.Unlock()

	if anchor == "" {
		id, err := a.poster.PostMessage(ctx, channelID, threadTS, text)
		if err != nil {
			return fmt.Errorf("post anchor message: %w", err)
		}
		st.mu.Lock()
		st.anchorMessageID = id
		st.mu.Unlock()
		return nil
	}
	return a.poster.EditMessage(ctx, channelID, anchor, text)
}

// OnStream appends a text delta to the task's buffer, editing the anchor
// only when throttling allows it (every editEveryNDeltas deltas or every
// editInterval, whichever comes first).
func (a *Accumulator) OnStream(ctx context.Context, taskID, prompt, channelID, threadTS, delta string) error {
	st := a.stateFor(taskID, prompt, channelID, threadTS)
	st.mu.Lock()
	st.textBuffer.WriteString(delta)
	st.deltasSinceEdit++
	due := st.deltasSinceEdit >= a.editEveryNDeltas || time.Since(st.lastEditAt) >= a.editInterval
	anchor := st.anchorMessageID
	text := st.textBuffer.String()
	st.mu.Unlock()

	if !due {
		return nil
	}

	if anchor == "" {
		id, err := a.poster.PostMessage(ctx, channelID, threadTS, text)
		if err != nil {
			return fmt.Errorf("post anchor message: %w", err)
		}
		anchor = id
		st.mu.Lock()
		st.anchorMessageID = id
		st.mu.Unlock()
	} else if err := a.poster.EditMessage(ctx, channelID, anchor, text); err != nil {
		return fmt.Errorf("edit stream message: %w", err)
	}

	st.mu.Lock()
	st.lastEditAt = time.Now()
	st.deltasSinceEdit = 0
	st.mu.Unlock()
	return nil
}

// Finish performs the final edit with the complete buffer (or steps list if
// no text was ever streamed) and destroys the accumulator's state for taskID.
func (a *Accumulator) Finish(ctx context.Context, taskID string) error {
	a.mu.Lock()
	st, ok := a.tasks[taskID]
	if ok {
		delete(a.tasks, taskID)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	anchor := st.anchorMessageID
	text := st.textBuffer.String()
	if text == "" {
		text = renderProgress(st.prompt, st.steps, 100)
	}
	channelID := st.channelID
	threadTS := st.threadTS
	st.mu.Unlock()

	if anchor == "" {
		_, err := a.poster.PostMessage(ctx, channelID, threadTS, text)
		return err
	}
	return a.poster.EditMessage(ctx, channelID, anchor, text)
}

// AnchorMessageID returns the anchor message id for taskID, if one exists.
func (a *Accumulator) AnchorMessageID(taskID string) (string, bool) {
	a.mu.Lock()
	st, ok := a.tasks[taskID]
	a.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.anchorMessageID, st.anchorMessageID != ""
}

func renderProgress(prompt string, steps []string, percent int) string {
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n")
	for _, s := range steps {
		sb.WriteString("- ")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	if percent > 0 {
		fmt.Fprintf(&sb, "(%d%%)\n", percent)
	}
	return sb.String()
}
