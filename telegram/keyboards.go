package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback data prefixes. Suffixed variants carry an id after the prefix.
const (
	cbPrivateConnection = "private_connection"
	cbRandomConnection  = "random_connection"
	cbEject             = "eject"
	cbStop              = "stop"
	cbForward           = "forward"
	cbAnonyNumber       = "anony_number"
	cbBroadcasting      = "broadcasting"
	cbAIChatBot         = "ai_chat_bot"
	cbAbout             = "about"
	cbPrivacy           = "privacy"
	cbMore              = "more"
	cbBack              = "back"
	cbMembership        = "membership"
	cbSettings          = "settings"
	cbHelpContact       = "help_contact"

	cbBroadcaster = "bcst_broadcaster"
	cbListener    = "bcst_listener"

	cbConfirmPrefix = "pl_confirm_"
	cbRejectPrefix  = "pl_reject_"
	cbAcceptPrefix  = "an_accept_"
	cbDeclinePrefix = "an_decline_"
	cbShareYes      = "share_yes"
	cbShareNo       = "share_no"
	cbOpsStatusPref = "ops_status_"
)

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔐 Private Connection", cbPrivateConnection),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔀 Random Connection", cbRandomConnection),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏏️", cbEject),
			tgbotapi.NewInlineKeyboardButtonData("⏹️", cbStop),
			tgbotapi.NewInlineKeyboardButtonData("⏩️", cbForward),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📲 Anony Number", cbAnonyNumber),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔊 Broadcasting", cbBroadcasting),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✨AI Chat bot", cbAIChatBot),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚹 About", cbAbout),
			tgbotapi.NewInlineKeyboardButtonData("📝 Privacy", cbPrivacy),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("More >>", cbMore),
		),
	)
}

func moreMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Membership", cbMembership),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Settings", cbSettings),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Help", cbHelpContact),
			tgbotapi.NewInlineKeyboardButtonData("Contact Us", cbHelpContact),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("<< Back", cbBack),
		),
	)
}

func broadcastingKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎙️ Broadcaster", cbBroadcaster),
			tgbotapi.NewInlineKeyboardButtonData("🎧 Listener", cbListener),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("<< Back", cbBack),
		),
	)
}

func confirmKeyboard(handshakeID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Accept", cbConfirmPrefix+handshakeID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", cbRejectPrefix+handshakeID),
		),
	)
}

func connectRequestKeyboard(requestID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Accept", cbAcceptPrefix+requestID),
			tgbotapi.NewInlineKeyboardButtonData("Decline", cbDeclinePrefix+requestID),
		),
	)
}

func shareKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes", cbShareYes),
			tgbotapi.NewInlineKeyboardButtonData("No", cbShareNo),
		),
	)
}

func opsStatusKeyboard(targetID int64, statuses []string) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(statuses))
	for _, s := range statuses {
		data := fmt.Sprintf("%s%d_%s", cbOpsStatusPref, targetID, s)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(s, data),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
