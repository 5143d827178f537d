// Package telegram is the transport layer: it turns Bot API updates into
// session operations and relays chat traffic between anonymized peers.
package telegram

import (
	"context"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quailyquaily/anonchat/ai"
	"github.com/quailyquaily/anonchat/relay"
	"github.com/quailyquaily/anonchat/session"
	"github.com/quailyquaily/anonchat/store"
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	MaxConcurrency int
	AdminIDs       []int64
	Debug          bool

	// DumpConfig renders the running configuration for the admin console,
	// secrets already redacted. Optional.
	DumpConfig func() string

	// SetLogLevel changes the process log verbosity at runtime for the
	// admin console. Optional.
	SetLogLevel func(level string) error
}

// chatJob is one update scoped to a single chat. Per-chat workers keep a
// user's updates strictly ordered while different chats run concurrently.
type chatJob struct {
	update tgbotapi.Update
}

type chatWorker struct {
	jobs chan chatJob
}

// Bot drives the long-poll loop and owns the per-user prompt state (for
// flows that wait on the next free-text message, like entering a channel
// id).
type Bot struct {
	api       *tgbotapi.BotAPI
	messenger *Messenger
	engine    *session.Engine
	router    *relay.Router
	store     *store.Store
	assistant *ai.Assistant
	logger    *slog.Logger

	admins      map[int64]bool
	dumpConfig  func() string
	setLogLevel func(string) error
	pollTimeout time.Duration
	sem         chan struct{}

	mu       sync.Mutex
	workers  map[int64]*chatWorker
	awaiting map[int64]string
}

const awaitChannelID = "channel_id"

// New connects to the Bot API and assembles the transport. assistant may be
// nil when the AI feature is not configured.
func New(cfg Config, engine *session.Engine, st *store.Store, assistant *ai.Assistant, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	api.Debug = cfg.Debug

	if logger == nil {
		logger = slog.Default()
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 8
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}

	messenger := NewMessenger(api)
	b := &Bot{
		api:         api,
		messenger:   messenger,
		engine:      engine,
		router:      relay.NewRouter(st, messenger, assistant, logger),
		store:       st,
		assistant:   assistant,
		logger:      logger,
		admins:      admins,
		dumpConfig:  cfg.DumpConfig,
		setLogLevel: cfg.SetLogLevel,
		pollTimeout: pollTimeout,
		sem:         make(chan struct{}, maxConc),
		workers:     make(map[int64]*chatWorker),
		awaiting:    make(map[int64]string),
	}
	return b, nil
}

// Run polls for updates until ctx is cancelled. Each chat's updates are
// handled in order by a dedicated worker goroutine; a shared semaphore caps
// total concurrency.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("telegram_start",
		"bot_username", b.api.Self.UserName,
		"bot_id", b.api.Self.ID,
		"poll_timeout", b.pollTimeout.String(),
		"max_concurrency", cap(b.sem),
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout.Seconds())
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.stopWorkers()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				b.stopWorkers()
				return nil
			}
			chatID, ok := updateChatID(update)
			if !ok {
				continue
			}
			b.workerFor(chatID).jobs <- chatJob{update: update}
		}
	}
}

func updateChatID(u tgbotapi.Update) (int64, bool) {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID, true
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.Chat.ID, true
	}
	return 0, false
}

func (b *Bot) workerFor(chatID int64) *chatWorker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workers[chatID]; ok {
		return w
	}
	w := &chatWorker{jobs: make(chan chatJob, 16)}
	b.workers[chatID] = w

	go func() {
		for job := range w.jobs {
			b.sem <- struct{}{}
			b.handleUpdate(job.update)
			<-b.sem
		}
	}()
	return w
}

func (b *Bot) stopWorkers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		close(w.jobs)
	}
	b.workers = make(map[int64]*chatWorker)
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("telegram_handler_panic", "panic", r)
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) setAwaiting(userID int64, what string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if what == "" {
		delete(b.awaiting, userID)
		return
	}
	b.awaiting[userID] = what
}

func (b *Bot) takeAwaiting(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	what := b.awaiting[userID]
	delete(b.awaiting, userID)
	return what
}
