package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quailyquaily/anonchat/identity"
	"github.com/quailyquaily/anonchat/internal/retryutil"
	"github.com/quailyquaily/anonchat/relay"
	"github.com/quailyquaily/anonchat/session"
	"github.com/quailyquaily/anonchat/store"
)

const (
	msgWelcome = "||             𝓐𝓷𝓸𝓷𝔂𝓶𝓸𝓾𝓼 𝓒𝓱𝓪𝓽𝓼."

	msgRandomConnected = "🔀 You have been randomly connected with another user! Say hello! 👋\n\n" +
		"Use /end to end this conversation when you're done."
	msgRandomWaiting = "🔍 Looking for a random connection...\n\n" +
		"You'll be notified when someone connects with you. " +
		"You can continue using other features while you wait."

	msgPeerDisconnected = "Your peer disconnected with you. Your status is closed now."
	msgConnectionClosed = "⚠️\n\nConnection Closed"
	msgAlreadyClosed    = "⚠️\n\nYour connection is already closed!!"
	msgStatusOpen       = "⏩️ Your status has been changed to OPEN"
	msgNotValid         = "⚠️\n\nNot valid for current service"

	msgAlreadyPrivate = "You are in private connection already!! , Please stop this before request for new one"
	msgLinkStillValid = "Current link still valid"

	msgEnterChannelID = "Please enter the broadcasting channel ID starting with '/BCST'."
	msgBadChannelID   = "Invalid broadcasting channel ID. It must start with '/BCST'."

	msgAIWelcome = "✨ You are now chatting with Bella, your AI companion. Say hi!\n\n" +
		"Use /end to leave the chat."

	msgGenericError = "Sorry, there was an error processing your request. Please try again later."
)

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || !msg.Chat.IsPrivate() || msg.From == nil {
		return
	}
	userID := msg.From.ID

	if _, err := b.engine.Register(ctx, userID); err != nil {
		b.logger.Error("register_failed", "user_id", userID, "error", err.Error())
		b.reply(userID, msgGenericError)
		return
	}

	text := strings.TrimSpace(msg.Text)
	awaiting := b.takeAwaiting(userID)

	// Wire-format prefixes come before command dispatch: Telegram marks
	// "/92..." and friends as bot commands too.
	switch {
	case identity.IsConnectionToken(text):
		b.claimPrivateLink(ctx, userID, text)
		return
	case identity.IsAnonyNumber(text):
		b.requestAnonyConnect(ctx, userID, text)
		return
	case identity.IsChannelID(text):
		b.joinBroadcast(ctx, userID, text)
		return
	}

	if awaiting == awaitChannelID && text != "" {
		b.reply(userID, msgBadChannelID)
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			b.sendMenu(userID)
		case "end":
			b.disconnect(ctx, userID)
		case "ops":
			b.handleOps(ctx, userID, msg.CommandArguments())
		default:
			b.sendMenu(userID)
		}
		return
	}

	b.relayMessage(ctx, userID, msg)
}

func (b *Bot) relayMessage(ctx context.Context, userID int64, msg *tgbotapi.Message) {
	content := contentFromMessage(msg)
	if content.Text == "" && content.Media == nil {
		return
	}
	d, err := b.router.Route(ctx, userID, content)
	if err != nil {
		b.logger.Warn("relay_failed", "user_id", userID, "error", err.Error())
		b.reply(userID, msgGenericError)
		return
	}
	if !d.Handled {
		b.reply(userID, msgNotValid)
	}
}

func contentFromMessage(msg *tgbotapi.Message) relay.Content {
	c := relay.Content{Text: msg.Text}
	if r := msg.ReplyToMessage; r != nil {
		if r.Text != "" {
			c.ReplyQuote = r.Text
		} else if r.Caption != "" {
			c.ReplyQuote = r.Caption
		}
	}
	switch {
	case len(msg.Photo) > 0:
		// Telegram lists photo sizes ascending; relay the largest.
		c.Media = &relay.Media{Kind: "photo", FileID: msg.Photo[len(msg.Photo)-1].FileID, Caption: msg.Caption}
	case msg.Video != nil:
		c.Media = &relay.Media{Kind: "video", FileID: msg.Video.FileID, Caption: msg.Caption}
	case msg.Animation != nil:
		c.Media = &relay.Media{Kind: "animation", FileID: msg.Animation.FileID, Caption: msg.Caption}
	case msg.Sticker != nil:
		c.Media = &relay.Media{Kind: "sticker", FileID: msg.Sticker.FileID}
	case msg.Voice != nil:
		c.Media = &relay.Media{Kind: "voice", FileID: msg.Voice.FileID, Caption: msg.Caption}
	case msg.Audio != nil:
		c.Media = &relay.Media{Kind: "audio", FileID: msg.Audio.FileID, Caption: msg.Caption}
	case msg.Document != nil:
		c.Media = &relay.Media{Kind: "document", FileID: msg.Document.FileID, Caption: msg.Caption}
	}
	return c
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// The eject button has always been dead; it only ever shows this alert.
	if cb.Data == cbEject {
		_, _ = b.api.Request(tgbotapi.NewCallbackWithAlert(cb.ID, "❌\n\nService Error"))
		return
	}
	_, _ = b.api.Request(tgbotapi.NewCallback(cb.ID, ""))
	if cb.From == nil || cb.Message == nil {
		return
	}
	userID := cb.From.ID
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	if _, err := b.engine.Register(ctx, userID); err != nil {
		b.reply(userID, msgGenericError)
		return
	}

	data := cb.Data
	switch {
	case strings.HasPrefix(data, cbConfirmPrefix):
		b.confirmPrivateLink(ctx, userID, chatID, messageID, strings.TrimPrefix(data, cbConfirmPrefix))
		return
	case strings.HasPrefix(data, cbRejectPrefix):
		b.rejectPrivateLink(userID, chatID, messageID, strings.TrimPrefix(data, cbRejectPrefix))
		return
	case strings.HasPrefix(data, cbAcceptPrefix):
		b.acceptAnonyConnect(ctx, userID, chatID, messageID, strings.TrimPrefix(data, cbAcceptPrefix))
		return
	case strings.HasPrefix(data, cbDeclinePrefix):
		b.declineAnonyConnect(userID, chatID, messageID, strings.TrimPrefix(data, cbDeclinePrefix))
		return
	case strings.HasPrefix(data, cbOpsStatusPref):
		b.handleOpsStatusSelection(ctx, userID, chatID, messageID, strings.TrimPrefix(data, cbOpsStatusPref))
		return
	}

	switch data {
	case cbPrivateConnection:
		b.issuePrivateLink(ctx, userID)
	case cbRandomConnection:
		b.requestRandomMatch(ctx, userID)
	case cbStop:
		b.disconnect(ctx, userID)
	case cbForward:
		b.resume(ctx, userID)
	case cbAnonyNumber:
		b.showAnonyNumber(ctx, userID)
	case cbShareYes:
		b.shareAnonyNumber(ctx, userID, chatID, messageID)
	case cbShareNo:
		_ = b.messenger.deleteMessage(chatID, messageID)
	case cbBroadcasting:
		_ = b.messenger.sendWithMarkup(userID, "Choose your broadcasting role:", broadcastingKeyboard())
	case cbBroadcaster:
		b.startBroadcasting(ctx, userID)
	case cbListener:
		b.setAwaiting(userID, awaitChannelID)
		b.reply(userID, msgEnterChannelID)
	case cbAIChatBot:
		b.startAIChat(ctx, userID)
	case cbMore:
		_ = b.messenger.sendWithMarkup(userID, msgWelcome, moreMenuKeyboard())
	case cbBack:
		b.sendMenu(userID)
	case cbMembership:
		b.showMembership(ctx, userID)
	case cbAbout:
		b.reply(userID, "Hey")
	case cbPrivacy:
		b.reply(userID, "Messages are relayed, never stored. Your identity is only ever shown as your Anony Number.")
	case cbHelpContact:
		b.reply(userID, "Questions or trouble? Write to the channel admin.")
	case cbSettings:
		b.reply(userID, msgNotValid)
	}
}

func (b *Bot) sendMenu(userID int64) {
	_ = b.messenger.sendWithMarkup(userID, msgWelcome, mainMenuKeyboard())
}

func (b *Bot) issuePrivateLink(ctx context.Context, userID int64) {
	res, err := b.engine.IssuePrivateLink(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyConnected) {
			b.reply(userID, msgAlreadyPrivate)
			return
		}
		b.reply(userID, engineErrorText(err))
		return
	}
	if res.Reused {
		b.reply(userID, msgLinkStillValid)
		b.reply(userID, res.Token)
		return
	}
	b.reply(userID, "To connect to the peer as private connection pass below text to peer\n\n"+res.Token)
	b.notify(res.OrphanedPeer, msgPeerDisconnected)
}

func (b *Bot) claimPrivateLink(ctx context.Context, userID int64, token string) {
	res, err := b.engine.VerifyPrivateLink(ctx, userID, token)
	if err != nil {
		b.reply(userID, engineErrorText(err))
		return
	}
	b.reply(userID, "Private Link Verified...\n\nWaiting for your peer to confirm the connection.")
	err = b.messenger.sendWithMarkup(res.IssuerID,
		"Someone used your private link and wants to connect with you. Do you accept?",
		confirmKeyboard(res.HandshakeID))
	if err != nil {
		b.logger.Warn("notify_failed", "user_id", res.IssuerID, "error", err.Error())
	}
}

func (b *Bot) confirmPrivateLink(ctx context.Context, issuerID, chatID int64, messageID int, handshakeID string) {
	res, err := b.engine.ConfirmPrivateLink(ctx, issuerID, handshakeID)
	if err != nil {
		_ = b.messenger.editText(chatID, messageID, engineErrorText(err))
		return
	}
	if res.AlreadyConnected {
		_ = b.messenger.editText(chatID, messageID,
			"You are already connected with this peer.")
		return
	}
	_ = b.messenger.editText(chatID, messageID,
		"Private Link Verified...\n\nYou are connected with your Peer privately.")
	b.notify(res.ClaimantID,
		"Private Link Verified...\n\nYou are connected with your Peer privately.")
	b.notify(res.OrphanedPeer, msgPeerDisconnected)
}

func (b *Bot) rejectPrivateLink(issuerID, chatID int64, messageID int, handshakeID string) {
	claimantID, ok := b.engine.RejectPrivateLink(issuerID, handshakeID)
	_ = b.messenger.editText(chatID, messageID, "You declined the connection request.")
	if ok {
		b.notify(claimantID, "Your connection request was declined.")
	}
}

func (b *Bot) requestRandomMatch(ctx context.Context, userID int64) {
	res, err := b.engine.RequestRandomMatch(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidState) {
			b.reply(userID, "❌ Sorry, you are already in a conversation.\nPlease Click ⏹️ and try again later.")
			return
		}
		b.reply(userID, engineErrorText(err))
		return
	}
	if res.Waiting {
		b.reply(userID, msgRandomWaiting)
		return
	}
	b.reply(userID, msgRandomConnected)
	b.notify(res.PartnerID, msgRandomConnected)
}

func (b *Bot) resume(ctx context.Context, userID int64) {
	if err := b.engine.Resume(ctx, userID); err != nil {
		b.reply(userID, msgNotValid)
		return
	}
	b.reply(userID, msgStatusOpen)
}

func (b *Bot) disconnect(ctx context.Context, userID int64) {
	res, err := b.engine.Disconnect(ctx, userID)
	if err != nil {
		b.reply(userID, engineErrorText(err))
		return
	}
	if res.AlreadyClosed {
		b.reply(userID, msgAlreadyClosed)
		return
	}
	if b.assistant != nil {
		b.assistant.Reset(userID)
	}
	b.reply(userID, msgConnectionClosed)
	b.notifyDisconnected(res)
}

// notifyDisconnected fans the teardown out to everyone the engine says was
// affected. Send failures are logged and skipped; the state change already
// committed.
func (b *Bot) notifyDisconnected(res session.DisconnectResult) {
	switch res.Role {
	case session.RoleBilateral:
		b.notify(res.PeerID, msgPeerDisconnected)
	case session.RoleBroadcaster:
		for _, id := range res.ListenerIDs {
			b.notify(id, "The broadcaster ended the channel. Your status is closed now.")
		}
	case session.RoleListener:
		if res.BroadcasterID != 0 {
			b.notify(res.BroadcasterID,
				fmt.Sprintf("1 Listener left you, total listeners are %d", res.Remaining))
		}
	}
}

func (b *Bot) showAnonyNumber(ctx context.Context, userID int64) {
	u, err := b.store.Get(ctx, userID)
	if err != nil {
		b.reply(userID, msgGenericError)
		return
	}
	if u.AnonyName == "" {
		b.reply(userID, "Sorry, your Anonymous Name could not be found. Please try again later.")
		return
	}
	b.reply(userID, "ℹ️ Your Anony Number is: "+identity.FormatAnonyNumber(u.AnonyName))

	status := session.Status(u.Status)
	if (status == session.StatusRandom || status == session.StatusPrivate) && u.PeerID != "" {
		_ = b.messenger.sendWithMarkup(userID,
			"Do you want to share your anonymous number with your connected partner?",
			shareKeyboard())
	}
}

func (b *Bot) shareAnonyNumber(ctx context.Context, userID, chatID int64, messageID int) {
	u, err := b.store.Get(ctx, userID)
	if err != nil || u.PeerID == "" {
		_ = b.messenger.editText(chatID, messageID,
			"Sorry, your partner information could not be found. Please try again later.")
		return
	}
	peerID, err := parseUserID(u.PeerID)
	if err != nil {
		_ = b.messenger.editText(chatID, messageID,
			"Sorry, your partner information could not be found. Please try again later.")
		return
	}
	_ = b.messenger.editText(chatID, messageID,
		"Your anonymous number has been sent to your partner.")
	b.notify(peerID,
		"Your partner shared their Anony Number: "+identity.FormatAnonyNumber(u.AnonyName)+"\n\n"+
			"You can use it to connect with them any time.")
}

func (b *Bot) requestAnonyConnect(ctx context.Context, userID int64, text string) {
	req, err := b.engine.RequestAnonymousNumberConnect(ctx, userID, text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSelfConnect):
			b.reply(userID, "You cannot connect to yourself.")
		case errors.Is(err, session.ErrNameNotFound):
			b.reply(userID, "This Anonymous Number does not exist or is no longer valid.")
		default:
			b.reply(userID, engineErrorText(err))
		}
		return
	}
	err = b.messenger.sendWithMarkup(req.TargetID,
		"Someone with Anony Number "+identity.FormatAnonyNumber(req.RequesterName)+" wants to connect with you. "+
			"You can accept this connection even if you're currently in another chat. "+
			"If you accept, your current connection will be closed. Do you want to accept?",
		connectRequestKeyboard(req.RequestID))
	if err != nil {
		b.logger.Warn("notify_failed", "user_id", req.TargetID, "error", err.Error())
		b.reply(userID, msgGenericError)
		return
	}
	if req.TargetBusy {
		b.reply(userID, "Your connection request has been sent. The user is currently in another chat or activity, "+
			"but they can still choose to accept your connection. Please wait for a response.")
		return
	}
	b.reply(userID, "Your connection request has been sent. Please wait for a response.")
}

func (b *Bot) acceptAnonyConnect(ctx context.Context, userID, chatID int64, messageID int, requestID string) {
	res, err := b.engine.AcceptAnonymousNumberConnect(ctx, userID, requestID)
	if err != nil {
		_ = b.messenger.editText(chatID, messageID, engineErrorText(err))
		return
	}
	_ = b.messenger.editText(chatID, messageID,
		"You are now connected! You can start chatting anonymously.")
	b.notify(res.RequesterID,
		"Your connection request was accepted! You are now connected and can start chatting anonymously.")
	for _, id := range res.OrphanedPeers {
		b.notify(id, msgPeerDisconnected)
	}
}

func (b *Bot) declineAnonyConnect(userID, chatID int64, messageID int, requestID string) {
	requesterID, ok := b.engine.DeclineAnonymousNumberConnect(userID, requestID)
	_ = b.messenger.editText(chatID, messageID, "You declined the connection request.")
	if ok {
		b.notify(requesterID, "Your connection request was declined.")
	}
}

func (b *Bot) startBroadcasting(ctx context.Context, userID int64) {
	res, err := b.engine.IssueBroadcastChannel(ctx, userID)
	if err != nil {
		b.reply(userID, engineErrorText(err))
		return
	}
	b.reply(userID, "Your broadcasting channel ID is unique and can be shared publicly.\n\n"+
		res.ChannelID+"\n\nShare this code with your listeners.")
	if res.OrphanedPeer != 0 {
		b.notify(res.OrphanedPeer, msgPeerDisconnected)
	}
}

func (b *Bot) joinBroadcast(ctx context.Context, userID int64, channelID string) {
	res, err := b.engine.JoinBroadcast(ctx, userID, channelID)
	if err != nil {
		if errors.Is(err, session.ErrMalformedChannel) {
			b.reply(userID, msgBadChannelID)
			return
		}
		b.reply(userID, engineErrorText(err))
		return
	}
	if res.Live {
		b.reply(userID, "Successfully connected to broadcasting channel: "+channelID+
			"\n\nYour broadcaster is 🎙️ live, may send messages anytime.")
		b.notify(res.BroadcasterID,
			fmt.Sprintf("1 Listener joins you, total listeners are %d", res.ListenerCount))
	} else {
		b.reply(userID, "Successfully connected to broadcasting channel: "+channelID+
			"\n\nYour broadcaster is not 🚫 live.")
	}
	if res.OrphanedPeer != 0 {
		b.notify(res.OrphanedPeer, msgPeerDisconnected)
	}
}

func (b *Bot) startAIChat(ctx context.Context, userID int64) {
	if b.assistant == nil {
		b.reply(userID, "The AI companion is not available right now.")
		return
	}
	if err := b.engine.StartAIChat(ctx, userID); err != nil {
		if errors.Is(err, session.ErrAlreadyConnected) {
			b.reply(userID, "Please close your current connection first, then start the AI chat.")
			return
		}
		b.reply(userID, engineErrorText(err))
		return
	}
	b.reply(userID, msgAIWelcome)
}

func (b *Bot) showMembership(ctx context.Context, userID int64) {
	u, err := b.store.Get(ctx, userID)
	if err != nil {
		b.reply(userID, msgGenericError)
		return
	}
	b.reply(userID, fmt.Sprintf("Membership: %s\nID: %s", u.Type, u.MembershipID))
}

func (b *Bot) reply(userID int64, text string) {
	if err := b.messenger.SendText(context.Background(), userID, text); err != nil {
		b.logger.Warn("telegram_send_error", "user_id", userID, "error", err.Error())
	}
}

// notify is reply for third parties: state already committed, delivery is
// best effort. A failed send gets one deferred retry before we give up.
func (b *Bot) notify(userID int64, text string) {
	if userID == 0 {
		return
	}
	if err := b.messenger.SendText(context.Background(), userID, text); err != nil {
		b.logger.Warn("notify_failed", "user_id", userID, "error", err.Error())
		retryutil.AsyncRetry(b.logger, "notify", 0, 0, func(ctx context.Context) error {
			return b.messenger.SendText(ctx, userID, text)
		})
	}
}

func engineErrorText(err error) string {
	switch {
	case errors.Is(err, session.ErrMalformedToken):
		return "⛔️Invalid private link format. Please check and try again."
	case errors.Is(err, session.ErrSelfConnect):
		return "⛔️You cannot connect to yourself. Please use a different private link."
	case errors.Is(err, session.ErrPeerNotFound):
		return "⛔️Peer not found. Please check the private link and try again."
	case errors.Is(err, session.ErrOtpMismatch):
		return "⛔️The private link may have expired or is incorrect."
	case errors.Is(err, session.ErrNameNotFound):
		return "This Anonymous Number does not exist or is no longer valid."
	case errors.Is(err, session.ErrStoreUnavailable), errors.Is(err, store.ErrNotFound):
		return "Sorry, there was a database error. Please try again later."
	default:
		return msgGenericError
	}
}

func parseUserID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
