// Package ai keeps a per-user chat session on top of the completion client:
// a persona system prompt plus a size-capped rolling history.
package ai

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quailyquaily/anonchat/llm"
)

const (
	// maxHistoryBytes caps the serialized size of one user's history; the
	// oldest exchanges are dropped once it is exceeded.
	maxHistoryBytes = 1024 * 1024

	defaultPersona = "You are Bella, a casual, friendly chat buddy inside an anonymous " +
		"chat bot. Keep replies short and conversational. Never ask for or reveal " +
		"personal details."
)

type Assistant struct {
	client  llm.Client
	model   string
	persona string
	logger  *slog.Logger

	mu        sync.Mutex
	histories map[int64][]llm.Message
}

func NewAssistant(client llm.Client, model string, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		client:    client,
		model:     model,
		persona:   defaultPersona,
		logger:    logger,
		histories: make(map[int64][]llm.Message),
	}
}

// Ask sends the user's message with their rolling history and records the
// exchange. trimmed reports that old messages were dropped to stay under the
// size cap, so the caller can tell the user.
func (a *Assistant) Ask(ctx context.Context, userID int64, text string) (reply string, trimmed bool, err error) {
	a.mu.Lock()
	history := append([]llm.Message(nil), a.histories[userID]...)
	a.mu.Unlock()

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: a.persona})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: text})

	res, err := a.client.Chat(ctx, llm.Request{Model: a.model, Messages: messages})
	if err != nil {
		return "", false, err
	}

	a.mu.Lock()
	cur := append(a.histories[userID],
		llm.Message{Role: "user", Content: text},
		llm.Message{Role: "assistant", Content: res.Text},
	)
	cur, trimmed = capHistory(cur, maxHistoryBytes)
	a.histories[userID] = cur
	a.mu.Unlock()

	a.logger.Info("ai_exchange",
		"user_id", userID,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
	)
	return res.Text, trimmed, nil
}

// Reset drops a user's history, e.g. when they leave the AI chat.
func (a *Assistant) Reset(userID int64) {
	a.mu.Lock()
	delete(a.histories, userID)
	a.mu.Unlock()
}

// capHistory drops the oldest messages, two at a time to keep user/assistant
// pairs together, until the history fits the byte budget.
func capHistory(history []llm.Message, maxBytes int) ([]llm.Message, bool) {
	trimmed := false
	for len(history) > 2 && historySize(history) > maxBytes {
		history = history[2:]
		trimmed = true
	}
	return history, trimmed
}

func historySize(history []llm.Message) int {
	n := 0
	for _, m := range history {
		n += len(m.Role) + len(m.Content)
	}
	return n
}
