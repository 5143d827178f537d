// Package session owns the pairing state machine: every transition of a
// user's STATUS/PEER_ID/OTP happens here and nowhere else.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/quailyquaily/anonchat/identity"
	"github.com/quailyquaily/anonchat/store"
)

const (
	defaultTimer     = 120
	privateLinkTimer = 5760

	defaultCleanupDelay = 10 * time.Second

	defaultMembershipType = "SILVER"
)

type Config struct {
	// OTPCleanupDelay is how long after issuance the advisory OTP cleanup
	// re-checks the issuer's state.
	OTPCleanupDelay time.Duration
}

// Engine applies session-state transitions against the store. All multi-row
// transitions run under one mutex plus one store transaction, which keeps
// the symmetric-pairing invariant observable at every point: this process is
// the store's only writer.
type Engine struct {
	mu      sync.Mutex
	store   *store.Store
	logger  *slog.Logger
	pending *pendingRegistry

	cleanupDelay time.Duration

	// pickIndex selects the match candidate; overridable in tests.
	pickIndex func(n int) int
}

func NewEngine(st *store.Store, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.OTPCleanupDelay
	if delay <= 0 {
		delay = defaultCleanupDelay
	}
	return &Engine{
		store:        st,
		logger:       logger,
		pending:      newPendingRegistry(),
		cleanupDelay: delay,
		pickIndex:    rand.Intn,
	}
}

// Register creates the user record on first contact. Existing records are
// returned unchanged; a fresh record gets a unique anony name, a membership
// id and the IDLE status.
func (e *Engine) Register(ctx context.Context, userID int64) (*store.User, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, err := e.store.Get(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, e.storeErr(err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		u = &store.User{
			UserID:       userID,
			Type:         defaultMembershipType,
			Status:       string(StatusIdle),
			Timer:        defaultTimer,
			AnonyName:    identity.GenerateAnonyName(),
			MembershipID: identity.GenerateMembershipID(),
		}
		err = e.store.Create(ctx, u)
		if err == nil {
			e.logger.Info("user_registered", "user_id", userID, "anony_name", u.AnonyName)
			return u, nil
		}
		if !errors.Is(err, store.ErrNameTaken) {
			return nil, e.storeErr(err)
		}
	}
	return nil, fmt.Errorf("register user %d: %w", userID, err)
}

// MatchResult reports the outcome of a random-match request. Waiting means
// no candidate was available and the requester is now discoverable.
type MatchResult struct {
	Waiting   bool
	PartnerID int64
}

// RequestRandomMatch pairs the requester with a uniformly random OPEN user,
// or parks the requester as OPEN when no one is available. Candidate
// selection and both row updates run in one transaction so two concurrent
// requesters can never claim the same partner.
func (e *Engine) RequestRandomMatch(ctx context.Context, userID int64) (MatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res MatchResult
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		status := Status(u.Status)
		if !status.Matchable() {
			return fmt.Errorf("status %s: %w", status, ErrInvalidState)
		}

		candidates, err := tx.FindByStatus(ctx, string(StatusOpen))
		if err != nil {
			return err
		}
		pool := candidates[:0]
		for _, c := range candidates {
			if c.UserID != userID {
				pool = append(pool, c)
			}
		}

		if len(pool) == 0 {
			if status != StatusOpen {
				u.Status = string(StatusOpen)
				if err := tx.Upsert(ctx, u); err != nil {
					return err
				}
			}
			res = MatchResult{Waiting: true}
			return nil
		}

		partner := pool[e.pickIndex(len(pool))]
		u.Status = string(StatusRandom)
		u.PeerID = strconv.FormatInt(partner.UserID, 10)
		partner.Status = string(StatusRandom)
		partner.PeerID = strconv.FormatInt(userID, 10)
		if err := tx.Upsert(ctx, u); err != nil {
			return err
		}
		if err := tx.Upsert(ctx, &partner); err != nil {
			return err
		}
		res = MatchResult{PartnerID: partner.UserID}
		return nil
	})
	if err != nil {
		return MatchResult{}, e.storeErr(err)
	}
	if res.Waiting {
		e.logger.Info("match_waiting", "user_id", userID)
	} else {
		e.logger.Info("match_established", "user_id", userID, "partner_id", res.PartnerID)
	}
	return res, nil
}

// LinkResult carries a private connection token. Reused is set when a live
// OTP already existed; the original link stays valid so copies already
// shared are not invalidated. OrphanedPeer is a prior bilateral peer of the
// issuer closed by the transition to PRIVATE, if any.
type LinkResult struct {
	Token        string
	OTP          string
	Reused       bool
	OrphanedPeer int64
}

// IssuePrivateLink mints (or re-issues) the user's private invite token and
// schedules the advisory OTP cleanup for fresh issues.
func (e *Engine) IssuePrivateLink(ctx context.Context, userID int64) (LinkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res LinkResult
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		if Status(u.Status) == StatusPrivate && u.PeerID != "" {
			return ErrAlreadyConnected
		}
		if u.OTP != "" {
			res = LinkResult{
				Token:  identity.ConnectionToken{OTP: u.OTP, IssuerID: userID}.Encode(),
				OTP:    u.OTP,
				Reused: true,
			}
			return nil
		}
		// A fresh issue from RANDOM or CONNECTED abandons that pairing;
		// the old peer must not be left pointing here.
		orphanID, err := e.teardownOldPeer(ctx, tx, u)
		if err != nil {
			return err
		}
		otp := identity.GenerateOTP()
		u.Status = string(StatusPrivate)
		u.PeerID = ""
		u.Timer = privateLinkTimer
		u.OTP = otp
		if err := tx.Upsert(ctx, u); err != nil {
			return err
		}
		res = LinkResult{
			Token:        identity.ConnectionToken{OTP: otp, IssuerID: userID}.Encode(),
			OTP:          otp,
			OrphanedPeer: orphanID,
		}
		return nil
	})
	if err != nil {
		return LinkResult{}, e.storeErr(err)
	}
	if res.Reused {
		e.logger.Info("private_link_reused", "user_id", userID)
	} else {
		e.logger.Info("private_link_issued", "user_id", userID)
		e.scheduleOTPCleanup(userID)
	}
	return res, nil
}

// HandshakeResult is a verified claim waiting on the issuer: nothing has
// been mutated yet.
type HandshakeResult struct {
	HandshakeID string
	IssuerID    int64
}

// VerifyPrivateLink validates a claimant's token against the issuer's live
// OTP and registers a pending handshake. Pairing only happens once the
// issuer confirms.
func (e *Engine) VerifyPrivateLink(ctx context.Context, claimantID int64, token string) (HandshakeResult, error) {
	parsed, err := identity.ParseConnectionToken(token)
	if err != nil {
		return HandshakeResult{}, err
	}
	if parsed.IssuerID == claimantID {
		return HandshakeResult{}, ErrSelfConnect
	}

	issuer, err := e.store.Get(ctx, parsed.IssuerID)
	if errors.Is(err, store.ErrNotFound) {
		return HandshakeResult{}, ErrPeerNotFound
	}
	if err != nil {
		return HandshakeResult{}, e.storeErr(err)
	}
	if issuer.OTP == "" || issuer.OTP != parsed.OTP {
		return HandshakeResult{}, ErrOtpMismatch
	}

	h := e.pending.addHandshake(parsed.IssuerID, claimantID, parsed.OTP)
	e.logger.Info("private_link_verified",
		"claimant_id", claimantID, "issuer_id", parsed.IssuerID, "handshake_id", h.ID)
	return HandshakeResult{HandshakeID: h.ID, IssuerID: parsed.IssuerID}, nil
}

// ConfirmResult reports the issuer's side of the handshake. AlreadyConnected
// marks an idempotent replay: the OTP was consumed by an earlier confirm.
// OrphanedPeer is a prior bilateral peer of the issuer disconnected by the
// pairing, already CLOSED and awaiting notification.
type ConfirmResult struct {
	ClaimantID       int64
	AlreadyConnected bool
	OrphanedPeer     int64
}

// ConfirmPrivateLink completes the two-step handshake: both sides become
// bilaterally PRIVATE and the issuer's OTP is cleared. A replayed confirm is
// a no-op reported as already connected.
func (e *Engine) ConfirmPrivateLink(ctx context.Context, issuerID int64, handshakeID string) (ConfirmResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.pending.takeHandshake(handshakeID, issuerID)
	if !ok {
		// Unknown or consumed handshake: report idempotently when the
		// issuer is in fact privately paired, otherwise treat as expired.
		u, err := e.store.Get(ctx, issuerID)
		if err == nil && Status(u.Status) == StatusPrivate && u.PeerID != "" {
			peerID, _ := strconv.ParseInt(u.PeerID, 10, 64)
			return ConfirmResult{ClaimantID: peerID, AlreadyConnected: true}, nil
		}
		return ConfirmResult{}, ErrOtpMismatch
	}

	var res ConfirmResult
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		issuer, err := tx.Get(ctx, issuerID)
		if err != nil {
			return err
		}
		if issuer.OTP == "" {
			if Status(issuer.Status) == StatusPrivate && issuer.PeerID != "" {
				peerID, _ := strconv.ParseInt(issuer.PeerID, 10, 64)
				res = ConfirmResult{ClaimantID: peerID, AlreadyConnected: true}
				return nil
			}
			return ErrOtpMismatch
		}
		if issuer.OTP != h.OTP {
			return ErrOtpMismatch
		}

		claimant, err := tx.Get(ctx, h.ClaimantID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrPeerNotFound
		}
		if err != nil {
			return err
		}
		if Status(claimant.Status).Bilateral() && claimant.PeerID != "" {
			return ErrAlreadyConnected
		}

		// An issuer who paired elsewhere while the handshake was pending
		// must not leave that peer pointing at them.
		orphanID, err := e.teardownOldPeer(ctx, tx, issuer)
		if err != nil {
			return err
		}
		res.OrphanedPeer = orphanID

		issuer.Status = string(StatusPrivate)
		issuer.PeerID = strconv.FormatInt(claimant.UserID, 10)
		issuer.OTP = ""
		issuer.Timer = privateLinkTimer
		claimant.Status = string(StatusPrivate)
		claimant.PeerID = strconv.FormatInt(issuerID, 10)
		claimant.Timer = privateLinkTimer
		if err := tx.Upsert(ctx, issuer); err != nil {
			return err
		}
		if err := tx.Upsert(ctx, claimant); err != nil {
			return err
		}
		res.ClaimantID = claimant.UserID
		return nil
	})
	if err != nil {
		return ConfirmResult{}, e.storeErr(err)
	}
	if !res.AlreadyConnected {
		e.logger.Info("private_link_connected", "issuer_id", issuerID, "claimant_id", res.ClaimantID)
	}
	return res, nil
}

// RejectPrivateLink drops a pending handshake without touching any state.
func (e *Engine) RejectPrivateLink(issuerID int64, handshakeID string) (claimantID int64, ok bool) {
	h, ok := e.pending.takeHandshake(handshakeID, issuerID)
	if !ok {
		return 0, false
	}
	e.logger.Info("private_link_rejected", "issuer_id", issuerID, "claimant_id", h.ClaimantID)
	return h.ClaimantID, true
}

// ConnectRequest is an anonymous-number request awaiting the target's
// decision. TargetBusy is informational: the target may accept regardless.
type ConnectRequest struct {
	RequestID     string
	TargetID      int64
	RequesterName string
	TargetBusy    bool
}

// RequestAnonymousNumberConnect resolves "/AN<name>" to its owner and files
// an async connection request. No state is mutated; the accept path carries
// the forced-disconnect semantics.
func (e *Engine) RequestAnonymousNumberConnect(ctx context.Context, requesterID int64, anonyNumber string) (ConnectRequest, error) {
	name, ok := identity.ParseAnonyNumber(anonyNumber)
	if !ok {
		return ConnectRequest{}, fmt.Errorf("bad anony number %q: %w", anonyNumber, ErrNameNotFound)
	}
	target, err := e.store.FindByAnonyName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return ConnectRequest{}, ErrNameNotFound
	}
	if err != nil {
		return ConnectRequest{}, e.storeErr(err)
	}
	if target.UserID == requesterID {
		return ConnectRequest{}, ErrSelfConnect
	}
	requester, err := e.store.Get(ctx, requesterID)
	if err != nil {
		return ConnectRequest{}, e.storeErr(err)
	}

	c := e.pending.addConnect(requesterID, target.UserID)
	e.logger.Info("an_connect_requested",
		"requester_id", requesterID, "target_id", target.UserID, "request_id", c.ID)
	return ConnectRequest{
		RequestID:     c.ID,
		TargetID:      target.UserID,
		RequesterName: requester.AnonyName,
		TargetBusy:    !Status(target.Status).Matchable() && Status(target.Status) != StatusPrivate,
	}, nil
}

// AcceptResult reports the new pairing plus the peers that were forcibly
// disconnected on either side. Orphans have already been transitioned to
// CLOSED; the caller is expected to notify them (failure to do so is
// non-fatal).
type AcceptResult struct {
	RequesterID   int64
	OrphanedPeers []int64
}

// AcceptAnonymousNumberConnect pairs responder and requester as CONNECTED.
// Any live bilateral peer of either party is first transitioned to CLOSED
// with its peer reference cleared; both cleanups and the new pairing commit
// atomically.
func (e *Engine) AcceptAnonymousNumberConnect(ctx context.Context, responderID int64, requestID string) (AcceptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.pending.takeConnect(requestID, responderID)
	if !ok {
		return AcceptResult{}, ErrPeerNotFound
	}

	var res AcceptResult
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		responder, err := tx.Get(ctx, responderID)
		if err != nil {
			return err
		}
		requester, err := tx.Get(ctx, c.RequesterID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrPeerNotFound
		}
		if err != nil {
			return err
		}

		for _, u := range []*store.User{responder, requester} {
			orphanID, err := e.teardownOldPeer(ctx, tx, u)
			if err != nil {
				return err
			}
			if orphanID != 0 {
				res.OrphanedPeers = append(res.OrphanedPeers, orphanID)
			}
		}

		// Leaving the unclaimed-PRIVATE state invalidates any outstanding
		// invite link; a live OTP on a CONNECTED row would still verify.
		responder.Status = string(StatusConnected)
		responder.PeerID = strconv.FormatInt(requester.UserID, 10)
		responder.OTP = ""
		requester.Status = string(StatusConnected)
		requester.PeerID = strconv.FormatInt(responderID, 10)
		requester.OTP = ""
		if err := tx.Upsert(ctx, responder); err != nil {
			return err
		}
		if err := tx.Upsert(ctx, requester); err != nil {
			return err
		}
		res.RequesterID = requester.UserID
		return nil
	})
	if err != nil {
		return AcceptResult{}, e.storeErr(err)
	}
	e.logger.Info("an_connect_accepted",
		"responder_id", responderID, "requester_id", res.RequesterID,
		"orphaned", len(res.OrphanedPeers))
	return res, nil
}

// DeclineAnonymousNumberConnect drops the pending request; no state changes.
func (e *Engine) DeclineAnonymousNumberConnect(responderID int64, requestID string) (requesterID int64, ok bool) {
	c, ok := e.pending.takeConnect(requestID, responderID)
	if !ok {
		return 0, false
	}
	e.logger.Info("an_connect_declined", "responder_id", responderID, "requester_id", c.RequesterID)
	return c.RequesterID, true
}

// BroadcastResult carries a freshly issued channel. OrphanedPeer is the
// prior bilateral peer disconnected by the transition, if any.
type BroadcastResult struct {
	ChannelID    string
	Code         string
	OrphanedPeer int64
}

// IssueBroadcastChannel mints a long-form channel id for the user and flips
// them to BROADCASTER with the derived short code as their lookup key.
func (e *Engine) IssueBroadcastChannel(ctx context.Context, userID int64) (BroadcastResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res BroadcastResult
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		orphanID, err := e.teardownOldPeer(ctx, tx, u)
		if err != nil {
			return err
		}
		channelID := identity.BroadcastChannel{IssuerID: userID, AnonyName: u.AnonyName}.Encode()
		code := identity.ShortCodeForIssuer(userID)
		u.Status = string(StatusBroadcaster)
		u.PeerID = code
		if err := tx.Upsert(ctx, u); err != nil {
			return err
		}
		res = BroadcastResult{ChannelID: channelID, Code: code, OrphanedPeer: orphanID}
		return nil
	})
	if err != nil {
		return BroadcastResult{}, e.storeErr(err)
	}
	e.logger.Info("broadcast_channel_issued", "user_id", userID, "code", res.Code)
	return res, nil
}

// JoinResult describes a listener join. Live reports whether a broadcaster
// currently holds the channel; ListenerCount includes the new listener.
type JoinResult struct {
	Code          string
	Live          bool
	BroadcasterID int64
	ListenerCount int64
	OrphanedPeer  int64
}

// JoinBroadcast subscribes the user to the channel named by a long-form id.
// A prior bilateral peer is disconnected first rather than silently
// orphaned.
func (e *Engine) JoinBroadcast(ctx context.Context, listenerID int64, channelID string) (JoinResult, error) {
	code, err := identity.DeriveShortCode(channelID)
	if err != nil {
		return JoinResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var res JoinResult
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, listenerID)
		if err != nil {
			return err
		}
		orphanID, err := e.teardownOldPeer(ctx, tx, u)
		if err != nil {
			return err
		}
		u.Status = string(StatusListener)
		u.PeerID = code
		if err := tx.Upsert(ctx, u); err != nil {
			return err
		}

		res = JoinResult{Code: code, OrphanedPeer: orphanID}
		broadcaster, err := tx.FindBroadcasterByChannel(ctx, code)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil {
			n, err := tx.CountListeners(ctx, code)
			if err != nil {
				return err
			}
			res.Live = true
			res.BroadcasterID = broadcaster.UserID
			res.ListenerCount = n
		}
		return nil
	})
	if err != nil {
		return JoinResult{}, e.storeErr(err)
	}
	e.logger.Info("broadcast_joined",
		"listener_id", listenerID, "code", res.Code, "live", res.Live)
	return res, nil
}

// DisconnectRole names the branch Disconnect took.
type DisconnectRole string

const (
	RoleBroadcaster DisconnectRole = "broadcaster"
	RoleListener    DisconnectRole = "listener"
	RoleBilateral   DisconnectRole = "bilateral"
	RoleSolo        DisconnectRole = "solo"
)

// DisconnectResult lists everyone the caller should notify after the
// teardown committed.
type DisconnectResult struct {
	AlreadyClosed bool
	Role          DisconnectRole
	PeerID        int64
	ListenerIDs   []int64
	BroadcasterID int64
	Remaining     int64
}

// Disconnect tears down the user's session. Both sides of a bilateral pair
// end CLOSED with empty peer references; broadcast roles resolve their
// counterpart set for notification.
func (e *Engine) Disconnect(ctx context.Context, userID int64) (DisconnectResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res DisconnectResult
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		status := Status(u.Status)
		if status == StatusClosed {
			res = DisconnectResult{AlreadyClosed: true}
			return nil
		}

		switch {
		case status == StatusBroadcaster && u.PeerID != "":
			listeners, err := tx.FindListenersByChannel(ctx, u.PeerID)
			if err != nil {
				return err
			}
			res.Role = RoleBroadcaster
			for _, l := range listeners {
				res.ListenerIDs = append(res.ListenerIDs, l.UserID)
			}
		case status == StatusListener && u.PeerID != "":
			res.Role = RoleListener
			broadcaster, err := tx.FindBroadcasterByChannel(ctx, u.PeerID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err == nil {
				n, err := tx.CountListeners(ctx, u.PeerID)
				if err != nil {
					return err
				}
				res.BroadcasterID = broadcaster.UserID
				res.Remaining = n - 1
			}
		case status.Bilateral() && u.PeerID != "":
			peerID, perr := strconv.ParseInt(u.PeerID, 10, 64)
			if perr == nil {
				peer, err := tx.Get(ctx, peerID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				if err == nil {
					peer.Status = string(StatusClosed)
					peer.PeerID = ""
					if err := tx.Upsert(ctx, peer); err != nil {
						return err
					}
					res.Role = RoleBilateral
					res.PeerID = peerID
				}
			}
		default:
			res.Role = RoleSolo
		}

		u.Status = string(StatusClosed)
		u.PeerID = ""
		return tx.Upsert(ctx, u)
	})
	if err != nil {
		return DisconnectResult{}, e.storeErr(err)
	}
	if !res.AlreadyClosed {
		e.logger.Info("disconnected", "user_id", userID, "role", string(res.Role))
	}
	return res, nil
}

// Resume re-enters the matching pool; legal only from RANDOM.
func (e *Engine) Resume(ctx context.Context, userID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		if Status(u.Status) != StatusRandom {
			return fmt.Errorf("status %s: %w", u.Status, ErrInvalidState)
		}
		u.Status = string(StatusOpen)
		return tx.Upsert(ctx, u)
	})
	if err != nil {
		return e.storeErr(err)
	}
	e.logger.Info("resumed_open", "user_id", userID)
	return nil
}

// StartAIChat flips the user into the AI status. Refused while bilaterally
// paired: leaving a peer dangling is exactly the bug class the engine
// exists to prevent.
func (e *Engine) StartAIChat(ctx context.Context, userID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		if Status(u.Status).Bilateral() && u.PeerID != "" {
			return fmt.Errorf("status %s: %w", u.Status, ErrInvalidState)
		}
		u.Status = string(StatusAI)
		u.PeerID = ""
		return tx.Upsert(ctx, u)
	})
	if err != nil {
		return e.storeErr(err)
	}
	e.logger.Info("ai_chat_started", "user_id", userID)
	return nil
}

// OverrideStatus is the operator backdoor used by the admin console; it
// still refuses to break a live pairing.
func (e *Engine) OverrideStatus(ctx context.Context, userID int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("status %q: %w", status, ErrInvalidState)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		u, err := tx.Get(ctx, userID)
		if err != nil {
			return err
		}
		if Status(u.Status).Bilateral() && u.PeerID != "" {
			return fmt.Errorf("user %d is paired: %w", userID, ErrInvalidState)
		}
		u.Status = string(status)
		if !status.Bilateral() {
			u.PeerID = ""
		}
		return tx.Upsert(ctx, u)
	})
	if err != nil {
		return e.storeErr(err)
	}
	e.logger.Info("status_overridden", "user_id", userID, "status", string(status))
	return nil
}

// teardownOldPeer closes the other side of u's live bilateral connection, if
// any, and returns the orphaned peer's id for post-commit notification.
// u's own status/peer are left for the caller to overwrite.
func (e *Engine) teardownOldPeer(ctx context.Context, tx *store.Store, u *store.User) (int64, error) {
	if !Status(u.Status).Bilateral() || u.PeerID == "" {
		return 0, nil
	}
	peerID, err := strconv.ParseInt(u.PeerID, 10, 64)
	if err != nil {
		return 0, nil
	}
	peer, err := tx.Get(ctx, peerID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	peer.Status = string(StatusClosed)
	peer.PeerID = ""
	peer.OTP = ""
	if err := tx.Upsert(ctx, peer); err != nil {
		return 0, err
	}
	return peerID, nil
}

// storeErr maps raw storage failures onto the error taxonomy. Sentinels pass
// through; record misses become peer-not-found; anything else is a transient
// store failure the user may retry.
func (e *Engine) storeErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyConnected),
		errors.Is(err, ErrSelfConnect),
		errors.Is(err, ErrNameNotFound),
		errors.Is(err, ErrPeerNotFound),
		errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrOtpMismatch):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrPeerNotFound
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
