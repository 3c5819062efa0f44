// Package channels holds the out-of-scope chat-platform adapters: concrete
// implementations of C6's ChatPoster and C8's Notifier for a specific chat
// surface. Telegram is the only wired adapter; others follow the same
// pattern.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaywire/dispatchd/internal/persistence"
)

// statusPrefix maps an anchor status to the glyph prepended to edited
// messages, standing in for a reaction since the library's polling mode
// doesn't expose message reactions.
var statusPrefix = map[string]string{
	"queued":      "\U0001F4E5", // inbox tray
	"in-progress": "⌛",     // hourglass
	"success":     "✅",     // check mark
	"failure":     "❌",     // cross mark
	"cancelled":   "\U0001F6AB", // no entry
}

// Telegram implements stream.ChatPoster and lifecycle.Notifier against the
// Telegram Bot API. Channel ids are decimal chat ids; thread ids are
// Telegram message-thread ids (empty for non-topic chats).
type Telegram struct {
	bot    *tgbotapi.BotAPI
	store  *persistence.Store
	logger *slog.Logger
}

// NewTelegram constructs a Telegram adapter from a bot token. store is used
// to resolve a task's anchor/channel when notified by task id alone (the
// offline queue's drain-delivered hook).
func NewTelegram(token string, store *persistence.Store, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{bot: bot, store: store, logger: logger}, nil
}

// PostMessage implements stream.ChatPoster.
func (t *Telegram) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if threadID, ok := parseThreadID(threadTS); ok {
		msg.MessageThreadID = threadID
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage implements stream.ChatPoster.
func (t *Telegram) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: parse message id %q: %w", messageID, err)
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}

// PostCompletion implements lifecycle.Notifier.
func (t *Telegram) PostCompletion(ctx context.Context, task persistence.Task) error {
	_, err := t.PostMessage(ctx, task.ChannelID, task.ThreadTS, fmt.Sprintf("Done: %s\n\n%s", task.Command, truncateForChat(task.Result)))
	return err
}

// PostError implements lifecycle.Notifier. When recoverable is true, the
// message offers a resubmit affordance rather than presenting the failure
// as final.
func (t *Telegram) PostError(ctx context.Context, task persistence.Task, reason string, recoverable bool) error {
	text := fmt.Sprintf("Failed: %s\n\n%s", task.Command, reason)
	if recoverable {
		text += fmt.Sprintf("\n\nThis looks recoverable — resubmit task %s to retry.", task.ID)
	}
	_, err := t.PostMessage(ctx, task.ChannelID, task.ThreadTS, text)
	return err
}

// PostCancelled implements lifecycle.Notifier.
func (t *Telegram) PostCancelled(ctx context.Context, task persistence.Task) error {
	_, err := t.PostMessage(ctx, task.ChannelID, task.ThreadTS, fmt.Sprintf("Cancelled: %s", task.Command))
	return err
}

// SetAnchorStatus implements lifecycle.Notifier: since this bot API build
// has no reaction endpoint, the status glyph is prepended to the anchor
// message body instead.
func (t *Telegram) SetAnchorStatus(ctx context.Context, task persistence.Task, status string) error {
	if task.AnchorMessageID == "" {
		return nil
	}
	glyph, ok := statusPrefix[status]
	if !ok {
		glyph = status
	}
	return t.EditMessage(ctx, task.ChannelID, task.AnchorMessageID, fmt.Sprintf("%s %s", glyph, task.Prompt))
}

// UploadFile implements lifecycle.Notifier.
func (t *Telegram) UploadFile(ctx context.Context, task persistence.Task, path, caption string) error {
	chatID, err := parseChatID(task.ChannelID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open upload %s: %w", path, err)
	}
	defer f.Close()

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: fileName(path), Reader: f})
	doc.Caption = caption
	if threadID, ok := parseThreadID(task.ThreadTS); ok {
		doc.MessageThreadID = threadID
	}
	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

// NotifyDispatched implements offlinequeue.AnchorNotifier: flips a queued
// task's anchor to "in-progress" once the offline queue delivers it.
func (t *Telegram) NotifyDispatched(ctx context.Context, taskID string) error {
	if t.store == nil {
		return nil
	}
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("telegram: resolve task %s: %w", taskID, err)
	}
	return t.SetAnchorStatus(ctx, task, "in-progress")
}

func parseChatID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: parse chat id %q: %w", channelID, err)
	}
	return id, nil
}

func parseThreadID(threadTS string) (int, bool) {
	if threadTS == "" {
		return 0, false
	}
	id, err := strconv.Atoi(threadTS)
	if err != nil {
		return 0, false
	}
	return id, true
}

func fileName(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

const maxChatMessageLen = 3500

func truncateForChat(s string) string {
	if len(s) <= maxChatMessageLen {
		return s
	}
	return s[:maxChatMessageLen] + "\n...(truncated)"
}
