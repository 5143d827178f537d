package telegram

import (
	"fmt"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quailyquaily/anonchat/session"
)

func TestContentFromMessagePhoto(t *testing.T) {
	msg := &tgbotapi.Message{
		Caption: "look at this",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small"},
			{FileID: "large"},
		},
	}
	c := contentFromMessage(msg)
	if c.Media == nil || c.Media.Kind != "photo" {
		t.Fatalf("got %+v", c)
	}
	if c.Media.FileID != "large" {
		t.Fatalf("file id %q, want the largest size", c.Media.FileID)
	}
	if c.Media.Caption != "look at this" {
		t.Fatalf("caption %q", c.Media.Caption)
	}
}

func TestContentFromMessageReplyQuote(t *testing.T) {
	msg := &tgbotapi.Message{
		Text:           "yes",
		ReplyToMessage: &tgbotapi.Message{Text: "coming tonight?"},
	}
	c := contentFromMessage(msg)
	if c.ReplyQuote != "coming tonight?" {
		t.Fatalf("quote %q", c.ReplyQuote)
	}

	msg = &tgbotapi.Message{
		Text:           "nice",
		ReplyToMessage: &tgbotapi.Message{Caption: "a photo caption"},
	}
	if c := contentFromMessage(msg); c.ReplyQuote != "a photo caption" {
		t.Fatalf("caption quote %q", c.ReplyQuote)
	}
}

func TestContentFromMessageVoice(t *testing.T) {
	msg := &tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "v1"}}
	c := contentFromMessage(msg)
	if c.Media == nil || c.Media.Kind != "voice" || c.Media.FileID != "v1" {
		t.Fatalf("got %+v", c)
	}
}

func TestEngineErrorText(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{session.ErrMalformedToken, "⛔️Invalid private link format. Please check and try again."},
		{session.ErrSelfConnect, "⛔️You cannot connect to yourself. Please use a different private link."},
		{session.ErrPeerNotFound, "⛔️Peer not found. Please check the private link and try again."},
		{session.ErrOtpMismatch, "⛔️The private link may have expired or is incorrect."},
		{session.ErrNameNotFound, "This Anonymous Number does not exist or is no longer valid."},
		{fmt.Errorf("wrapped: %w", session.ErrStoreUnavailable), "Sorry, there was a database error. Please try again later."},
		{fmt.Errorf("something else"), msgGenericError},
	}
	for _, c := range cases {
		if got := engineErrorText(c.err); got != c.want {
			t.Errorf("engineErrorText(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestOpsStatusKeyboardData(t *testing.T) {
	kb := opsStatusKeyboard(42, []string{"OPEN", "CLOSED"})
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("got %d rows", len(kb.InlineKeyboard))
	}
	got := *kb.InlineKeyboard[0][0].CallbackData
	if got != "ops_status_42_OPEN" {
		t.Fatalf("callback data %q", got)
	}
}
