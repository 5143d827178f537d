package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quailyquaily/anonchat/relay"
)

// endpoint and file-id parameter per media kind. Spoiler rendering only
// exists for photo, video and animation; other kinds ignore the flag.
var mediaEndpoints = map[string]struct {
	method   string
	param    string
	spoiler  bool
	captions bool
}{
	"photo":     {"sendPhoto", "photo", true, true},
	"video":     {"sendVideo", "video", true, true},
	"animation": {"sendAnimation", "animation", true, true},
	"voice":     {"sendVoice", "voice", false, true},
	"audio":     {"sendAudio", "audio", false, true},
	"document":  {"sendDocument", "document", false, true},
	"sticker":   {"sendSticker", "sticker", false, false},
}

// Messenger delivers outbound messages through the Bot API. It satisfies
// relay.Messenger.
type Messenger struct {
	api *tgbotapi.BotAPI
}

func NewMessenger(api *tgbotapi.BotAPI) *Messenger {
	return &Messenger{api: api}
}

func (m *Messenger) SendText(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.api.Send(tgbotapi.NewMessage(userID, text))
	return err
}

// SendMedia re-sends media by file id. The typed v5 config structs have no
// spoiler field, so the request is assembled by hand.
func (m *Messenger) SendMedia(ctx context.Context, userID int64, media relay.Media, spoiler bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep, ok := mediaEndpoints[media.Kind]
	if !ok {
		return fmt.Errorf("unsupported media kind %q", media.Kind)
	}
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(userID, 10),
		ep.param:  media.FileID,
	}
	if ep.captions && media.Caption != "" {
		params["caption"] = media.Caption
	}
	if ep.spoiler && spoiler {
		params["has_spoiler"] = "true"
	}
	_, err := m.api.MakeRequest(ep.method, params)
	return err
}

func (m *Messenger) sendWithMarkup(userID int64, text string, markup tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(userID, text)
	msg.ReplyMarkup = markup
	_, err := m.api.Send(msg)
	return err
}

func (m *Messenger) editText(chatID int64, messageID int, text string) error {
	_, err := m.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (m *Messenger) deleteMessage(chatID int64, messageID int) error {
	_, err := m.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}
