package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quailyquaily/anonchat/session"
)

var overridableStatuses = []string{
	string(session.StatusOpen),
	string(session.StatusIdle),
	string(session.StatusClosed),
}

const opsUsage = "Operations console:\n\n" +
	"/ops — this summary\n" +
	"/ops stats — user counts by status\n" +
	"/ops config — running configuration\n" +
	"/ops status <user_id> — force a user's status\n" +
	"/ops log <debug|info|warn|error> — change log verbosity"

// handleOps is the admin console behind /ops. Non-admins get the same
// response as an unknown command so the console stays invisible.
func (b *Bot) handleOps(ctx context.Context, userID int64, args string) {
	if !b.admins[userID] {
		b.sendMenu(userID)
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.reply(userID, opsUsage)
		return
	}

	switch fields[0] {
	case "stats":
		b.opsStats(ctx, userID)
	case "config":
		if b.dumpConfig == nil {
			b.reply(userID, "No configuration dump available.")
			return
		}
		b.reply(userID, b.dumpConfig())
	case "status":
		if len(fields) < 2 {
			b.reply(userID, "Usage: /ops status <user_id>")
			return
		}
		targetID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			b.reply(userID, "Invalid user id: "+fields[1])
			return
		}
		_ = b.messenger.sendWithMarkup(userID,
			fmt.Sprintf("Select the new status for user %d:", targetID),
			opsStatusKeyboard(targetID, overridableStatuses))
	case "log":
		if b.setLogLevel == nil {
			b.reply(userID, "Log level is fixed for this deployment.")
			return
		}
		if len(fields) < 2 {
			b.reply(userID, "Usage: /ops log <debug|info|warn|error>")
			return
		}
		if err := b.setLogLevel(fields[1]); err != nil {
			b.reply(userID, "Could not change log level: "+err.Error())
			return
		}
		b.logger.Info("log_level_changed", "level", fields[1], "admin_id", userID)
		b.reply(userID, "Log level set to "+fields[1])
	default:
		b.reply(userID, opsUsage)
	}
}

func (b *Bot) opsStats(ctx context.Context, userID int64) {
	counts, err := b.store.CountByStatus(ctx)
	if err != nil {
		b.reply(userID, "Error retrieving database statistics: "+err.Error())
		return
	}
	statuses := make([]string, 0, len(counts))
	var total int64
	for s, n := range counts {
		statuses = append(statuses, s)
		total += n
	}
	sort.Strings(statuses)

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Users: %d\n\n", total)
	for _, s := range statuses {
		fmt.Fprintf(&sb, "- %s: %d\n", s, counts[s])
	}
	b.reply(userID, sb.String())
}

// handleOpsStatusSelection resolves an ops_status_<uid>_<STATUS> callback.
func (b *Bot) handleOpsStatusSelection(ctx context.Context, userID, chatID int64, messageID int, payload string) {
	if !b.admins[userID] {
		return
	}
	sep := strings.LastIndex(payload, "_")
	if sep <= 0 {
		return
	}
	targetID, err := strconv.ParseInt(payload[:sep], 10, 64)
	if err != nil {
		return
	}
	status := session.Status(payload[sep+1:])

	if err := b.engine.OverrideStatus(ctx, targetID, status); err != nil {
		_ = b.messenger.editText(chatID, messageID,
			fmt.Sprintf("Could not update user %d: %s", targetID, engineErrorText(err)))
		return
	}
	_ = b.messenger.editText(chatID, messageID,
		fmt.Sprintf("User %d status updated to %s", targetID, status))
}
