// Package relay decides where inbound content goes: direct to a bilateral
// peer, fanned out to a channel's listeners, to the AI assistant, or
// nowhere.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/quailyquaily/anonchat/ai"
	"github.com/quailyquaily/anonchat/session"
	"github.com/quailyquaily/anonchat/store"
)

const replyQuoteMax = 50

// Media identifies transport-held media by its file reference.
type Media struct {
	Kind    string // photo|video|animation|sticker|voice|document
	FileID  string
	Caption string
}

// Content is one inbound message to route. ReplyQuote carries the text of
// the message the sender replied to, when any.
type Content struct {
	Text       string
	Media      *Media
	ReplyQuote string
}

// Messenger is the outbound transport the router delivers through. Spoiler
// is a presentation hint; the transport decides how to render it.
type Messenger interface {
	SendText(ctx context.Context, userID int64, text string) error
	SendMedia(ctx context.Context, userID int64, m Media, spoiler bool) error
}

// Delivery reports what Route did with the message.
type Delivery struct {
	Handled    bool
	Recipients int
	AIReply    bool
}

type Router struct {
	store     *store.Store
	messenger Messenger
	assistant *ai.Assistant
	logger    *slog.Logger
}

// NewRouter wires the router. assistant may be nil; AI-status messages are
// then dropped with a log line.
func NewRouter(st *store.Store, m Messenger, assistant *ai.Assistant, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, messenger: m, assistant: assistant, logger: logger}
}

// Route loads the sender's session role and delivers the content. It fails
// closed: unknown senders and non-messaging statuses are reported as not
// handled, never delivered.
func (r *Router) Route(ctx context.Context, senderID int64, c Content) (Delivery, error) {
	sender, err := r.store.Get(ctx, senderID)
	if err != nil {
		return Delivery{}, err
	}
	status := session.Status(sender.Status)
	if !status.Messaging() {
		return Delivery{}, nil
	}

	switch status {
	case session.StatusListener:
		// Listeners are read-only; their messages vanish silently.
		r.logger.Debug("relay_listener_dropped", "user_id", senderID)
		return Delivery{Handled: true}, nil

	case session.StatusBroadcaster:
		return r.fanOut(ctx, sender, c)

	case session.StatusAI:
		return r.askAssistant(ctx, senderID, c)

	default:
		return r.direct(ctx, sender, c)
	}
}

func (r *Router) direct(ctx context.Context, sender *store.User, c Content) (Delivery, error) {
	if sender.PeerID == "" {
		return Delivery{}, nil
	}
	peerID, err := strconv.ParseInt(sender.PeerID, 10, 64)
	if err != nil {
		return Delivery{}, fmt.Errorf("peer id %q: not a user id", sender.PeerID)
	}
	if err := r.deliver(ctx, peerID, session.Status(sender.Status), c); err != nil {
		return Delivery{Handled: true}, err
	}
	return Delivery{Handled: true, Recipients: 1}, nil
}

func (r *Router) fanOut(ctx context.Context, sender *store.User, c Content) (Delivery, error) {
	listeners, err := r.store.FindListenersByChannel(ctx, sender.PeerID)
	if err != nil {
		return Delivery{Handled: true}, err
	}
	delivered := 0
	for _, l := range listeners {
		if l.UserID == sender.UserID {
			continue
		}
		if err := r.deliver(ctx, l.UserID, session.Status(sender.Status), c); err != nil {
			// Partial failure never aborts the rest of the fan-out.
			r.logger.Warn("relay_fanout_send_failed",
				"broadcaster_id", sender.UserID,
				"listener_id", l.UserID,
				"error", err.Error(),
			)
			continue
		}
		delivered++
	}
	r.logger.Info("relay_fanout",
		"broadcaster_id", sender.UserID, "code", sender.PeerID, "delivered", delivered)
	return Delivery{Handled: true, Recipients: delivered}, nil
}

func (r *Router) askAssistant(ctx context.Context, senderID int64, c Content) (Delivery, error) {
	if r.assistant == nil || c.Text == "" {
		r.logger.Debug("relay_ai_dropped", "user_id", senderID)
		return Delivery{Handled: true}, nil
	}
	reply, trimmed, err := r.assistant.Ask(ctx, senderID, c.Text)
	if err != nil {
		return Delivery{Handled: true}, err
	}
	if trimmed {
		_ = r.messenger.SendText(ctx, senderID,
			"Memory is full! I've cleared some old messages to make space. 🧹")
	}
	if err := r.messenger.SendText(ctx, senderID, reply); err != nil {
		return Delivery{Handled: true}, err
	}
	return Delivery{Handled: true, Recipients: 1, AIReply: true}, nil
}

func (r *Router) deliver(ctx context.Context, to int64, senderStatus session.Status, c Content) error {
	if c.Media != nil {
		m := *c.Media
		m.Caption = withReplyQuote(m.Caption, c.ReplyQuote)
		return r.messenger.SendMedia(ctx, to, m, senderStatus.Sensitive())
	}
	return r.messenger.SendText(ctx, to, withReplyQuote(c.Text, c.ReplyQuote))
}

// withReplyQuote prefixes relayed content with the quoted original so the
// receiver keeps the thread, since Telegram reply references do not survive
// the relay.
func withReplyQuote(text, quote string) string {
	if quote == "" {
		return text
	}
	// Truncation counts runes: chat quotes are full of emoji and CJK, and a
	// byte cut could split one mid-sequence.
	if runes := []rune(quote); len(runes) > replyQuoteMax {
		quote = string(runes[:replyQuoteMax-3]) + "..."
	}
	prefix := fmt.Sprintf("↩️ Reply to: %q", quote)
	if text == "" {
		return prefix
	}
	return prefix + "\n\n" + text
}
