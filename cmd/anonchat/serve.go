package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quailyquaily/anonchat/ai"
	"github.com/quailyquaily/anonchat/providers/openai"
	"github.com/quailyquaily/anonchat/session"
	"github.com/quailyquaily/anonchat/store"
	"github.com/quailyquaily/anonchat/telegram"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or %s_TELEGRAM_BOT_TOKEN)", envPrefix)
			}

			logger, logLevel, err := loggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			storeCfg := store.DefaultConfig()
			storeCfg.DSN, err = store.ResolveDSN(flagOrViperString(cmd, "db-dsn", "db.dsn"))
			if err != nil {
				return err
			}
			st, err := store.Open(storeCfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			engine := session.NewEngine(st, logger, session.Config{
				OTPCleanupDelay: flagOrViperDuration(cmd, "otp-cleanup-delay", "otp.cleanup_delay"),
			})

			assistant, err := assistantFromViper(logger)
			if err != nil {
				return err
			}

			adminIDs, err := adminIDsFromViper()
			if err != nil {
				return err
			}

			bot, err := telegram.New(telegram.Config{
				Token:          token,
				PollTimeout:    flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout"),
				MaxConcurrency: flagOrViperInt(cmd, "telegram-max-concurrency", "telegram.max_concurrency"),
				AdminIDs:       adminIDs,
				Debug:          flagOrViperBool(cmd, "telegram-debug", "telegram.debug"),
				DumpConfig:     dumpConfig,
				SetLogLevel: func(level string) error {
					parsed, err := parseSlogLevel(level)
					if err != nil {
						return err
					}
					logLevel.Set(parsed)
					return nil
				},
			}, engine, st, assistant, logger)
			if err != nil {
				return fmt.Errorf("telegram: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("serve_start", "dsn", storeCfg.DSN, "admins", len(adminIDs))
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("serve_stopped")
			return nil
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long-poll timeout.")
	cmd.Flags().Int("telegram-max-concurrency", 8, "Max concurrent update handlers.")
	cmd.Flags().Bool("telegram-debug", false, "Log Bot API traffic.")
	cmd.Flags().String("db-dsn", "", "SQLite database path.")
	cmd.Flags().Duration("otp-cleanup-delay", 0, "Delay before unclaimed private-link OTPs are cleared.")

	return cmd
}

// assistantFromViper builds the AI companion when llm.api_key is set. The
// bot runs fine without it; the AI menu entry then reports unavailable.
func assistantFromViper(logger *slog.Logger) (*ai.Assistant, error) {
	apiKey := strings.TrimSpace(viper.GetString("llm.api_key"))
	if apiKey == "" {
		logger.Info("ai_disabled", "reason", "llm.api_key not set")
		return nil, nil
	}
	model := strings.TrimSpace(viper.GetString("llm.model"))
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := openai.New(viper.GetString("llm.endpoint"), apiKey)
	return ai.NewAssistant(client, model, logger), nil
}

func adminIDsFromViper() ([]int64, error) {
	raw := viper.GetStringSlice("admin.user_ids")
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin.user_ids entry %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var redactedKeys = []string{"bot_token", "api_key"}

// dumpConfig renders the effective configuration as YAML with credentials
// masked, for the in-chat admin console.
func dumpConfig() string {
	settings := viper.AllSettings()
	redact(settings)
	out, err := yaml.Marshal(settings)
	if err != nil {
		return "error rendering config: " + err.Error()
	}
	return string(out)
}

func redact(m map[string]any) {
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			redact(nested)
			continue
		}
		for _, secret := range redactedKeys {
			if k == secret {
				m[k] = "[redacted]"
			}
		}
	}
}
