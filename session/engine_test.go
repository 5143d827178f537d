package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quailyquaily/anonchat/identity"
	"github.com/quailyquaily/anonchat/store"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.Store) {
	t.Helper()
	storeCfg := store.DefaultConfig()
	storeCfg.DSN = filepath.Join(t.TempDir(), "test.sqlite")
	st, err := store.Open(storeCfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if cfg.OTPCleanupDelay == 0 {
		cfg.OTPCleanupDelay = time.Hour
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(st, logger, cfg), st
}

func register(t *testing.T, e *Engine, userID int64) *store.User {
	t.Helper()
	u, err := e.Register(context.Background(), userID)
	if err != nil {
		t.Fatalf("register %d: %v", userID, err)
	}
	return u
}

func mustGet(t *testing.T, st *store.Store, userID int64) *store.User {
	t.Helper()
	u, err := st.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get %d: %v", userID, err)
	}
	return u
}

func assertPaired(t *testing.T, st *store.Store, a, b int64, status Status) {
	t.Helper()
	ua, ub := mustGet(t, st, a), mustGet(t, st, b)
	if Status(ua.Status) != status || Status(ub.Status) != status {
		t.Fatalf("statuses %s/%s, want %s on both", ua.Status, ub.Status, status)
	}
	if ua.PeerID != strconv.FormatInt(b, 10) {
		t.Fatalf("user %d peer %q, want %d", a, ua.PeerID, b)
	}
	if ub.PeerID != strconv.FormatInt(a, 10) {
		t.Fatalf("user %d peer %q, want %d", b, ub.PeerID, a)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	first := register(t, e, 100)
	if Status(first.Status) != StatusIdle {
		t.Fatalf("new user status %s, want IDLE", first.Status)
	}
	if first.Type != "SILVER" {
		t.Fatalf("membership type %s, want SILVER", first.Type)
	}
	if first.AnonyName == "" || !strings.HasPrefix(first.MembershipID, "92") {
		t.Fatalf("incomplete identity: %+v", first)
	}

	second := register(t, e, 100)
	if second.AnonyName != first.AnonyName || second.MembershipID != first.MembershipID {
		t.Fatal("re-registration changed the user's identity")
	}
}

func TestRandomMatchWaitingThenMatched(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)

	res, err := e.RequestRandomMatch(ctx, 100)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !res.Waiting {
		t.Fatal("expected waiting with an empty pool")
	}
	if got := mustGet(t, st, 100); Status(got.Status) != StatusOpen {
		t.Fatalf("waiting user status %s, want OPEN", got.Status)
	}

	res, err = e.RequestRandomMatch(ctx, 200)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if res.Waiting || res.PartnerID != 100 {
		t.Fatalf("got %+v, want partner 100", res)
	}
	assertPaired(t, st, 100, 200, StatusRandom)
}

func TestRandomMatchNeverPairsWithSelf(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)

	if res, err := e.RequestRandomMatch(ctx, 100); err != nil || !res.Waiting {
		t.Fatalf("got %+v, %v; want waiting", res, err)
	}
	// The requester is OPEN now; a retry must not match them to themselves.
	if res, err := e.RequestRandomMatch(ctx, 100); err != nil || !res.Waiting {
		t.Fatalf("retry got %+v, %v; want waiting", res, err)
	}
}

func TestRandomMatchRejectsNonMatchableStatus(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)

	if _, err := e.RequestRandomMatch(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 200); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestIssuePrivateLinkReusesLiveOTP(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)

	first, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if first.Reused {
		t.Fatal("first issue reported reuse")
	}
	u := mustGet(t, st, 300)
	if Status(u.Status) != StatusPrivate || u.OTP != first.OTP || u.Timer != 5760 {
		t.Fatalf("issuer row: %+v", u)
	}

	second, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if !second.Reused || second.OTP != first.OTP {
		t.Fatalf("got %+v, want reused OTP %s", second, first.OTP)
	}
}

func TestPrivateLinkHandshake(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)
	register(t, e, 400)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	h, err := e.VerifyPrivateLink(ctx, 400, link.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if h.IssuerID != 300 {
		t.Fatalf("issuer %d, want 300", h.IssuerID)
	}
	// Verification alone must not mutate either side.
	if got := mustGet(t, st, 400); Status(got.Status) != StatusIdle {
		t.Fatalf("claimant mutated before confirm: %s", got.Status)
	}

	res, err := e.ConfirmPrivateLink(ctx, 300, h.HandshakeID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.ClaimantID != 400 || res.AlreadyConnected {
		t.Fatalf("got %+v", res)
	}
	assertPaired(t, st, 300, 400, StatusPrivate)
	if got := mustGet(t, st, 300); got.OTP != "" {
		t.Fatalf("issuer OTP not consumed: %q", got.OTP)
	}

	// Replayed confirm is idempotent.
	res, err = e.ConfirmPrivateLink(ctx, 300, h.HandshakeID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.AlreadyConnected || res.ClaimantID != 400 {
		t.Fatalf("replay got %+v", res)
	}
}

func TestVerifyPrivateLinkFailures(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := e.VerifyPrivateLink(ctx, 300, link.Token); !errors.Is(err, ErrSelfConnect) {
		t.Fatalf("self claim: got %v, want ErrSelfConnect", err)
	}
	if _, err := e.VerifyPrivateLink(ctx, 400, "/92nonsense"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("garbage: got %v, want ErrMalformedToken", err)
	}

	wrongOTP := identity.ConnectionToken{OTP: "0000", IssuerID: 300}.Encode()
	if _, err := e.VerifyPrivateLink(ctx, 400, wrongOTP); !errors.Is(err, ErrOtpMismatch) {
		t.Fatalf("wrong otp: got %v, want ErrOtpMismatch", err)
	}

	ghost := identity.ConnectionToken{OTP: "1234", IssuerID: 999999}.Encode()
	if _, err := e.VerifyPrivateLink(ctx, 400, ghost); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("unknown issuer: got %v, want ErrPeerNotFound", err)
	}
}

func TestRejectPrivateLink(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)
	register(t, e, 400)

	link, _ := e.IssuePrivateLink(ctx, 300)
	h, err := e.VerifyPrivateLink(ctx, 400, link.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	claimantID, ok := e.RejectPrivateLink(300, h.HandshakeID)
	if !ok || claimantID != 400 {
		t.Fatalf("reject: got %d/%v", claimantID, ok)
	}
	// The handshake is consumed; a late confirm must not pair anyone.
	if _, err := e.ConfirmPrivateLink(ctx, 300, h.HandshakeID); !errors.Is(err, ErrOtpMismatch) {
		t.Fatalf("confirm after reject: got %v, want ErrOtpMismatch", err)
	}
	if got := mustGet(t, st, 400); got.PeerID != "" {
		t.Fatal("claimant paired despite rejection")
	}
}

func TestAnonyNumberConnectFlow(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 1)
	target := register(t, e, 2)

	req, err := e.RequestAnonymousNumberConnect(ctx, 1, identity.FormatAnonyNumber(target.AnonyName))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.TargetID != 2 || req.TargetBusy {
		t.Fatalf("got %+v", req)
	}

	res, err := e.AcceptAnonymousNumberConnect(ctx, 2, req.RequestID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.RequesterID != 1 || len(res.OrphanedPeers) != 0 {
		t.Fatalf("got %+v", res)
	}
	assertPaired(t, st, 1, 2, StatusConnected)
}

// Accepting while both parties are already paired closes both old peers.
func TestAcceptForcedReconnectOrphansOldPeers(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3, 4} {
		register(t, e, id)
	}

	// Pair 1-3 and 2-4 via random matching.
	if _, err := e.RequestRandomMatch(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 2); err != nil {
		t.Fatal(err)
	}
	assertPaired(t, st, 1, 3, StatusRandom)
	assertPaired(t, st, 2, 4, StatusRandom)

	target := mustGet(t, st, 2)
	req, err := e.RequestAnonymousNumberConnect(ctx, 1, identity.FormatAnonyNumber(target.AnonyName))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !req.TargetBusy {
		t.Fatal("target in RANDOM should be reported busy")
	}

	res, err := e.AcceptAnonymousNumberConnect(ctx, 2, req.RequestID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	assertPaired(t, st, 1, 2, StatusConnected)

	orphans := map[int64]bool{}
	for _, id := range res.OrphanedPeers {
		orphans[id] = true
	}
	if !orphans[3] || !orphans[4] || len(orphans) != 2 {
		t.Fatalf("orphans %v, want {3 4}", res.OrphanedPeers)
	}
	for _, id := range []int64{3, 4} {
		got := mustGet(t, st, id)
		if Status(got.Status) != StatusClosed || got.PeerID != "" {
			t.Fatalf("orphan %d not closed: %+v", id, got)
		}
	}
}

// A fresh link issued while randomly paired abandons that conversation; the
// old peer must end CLOSED, not left pointing at the issuer.
func TestIssuePrivateLinkOrphansCurrentPeer(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)
	register(t, e, 500)

	if _, err := e.RequestRandomMatch(ctx, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 500); err != nil {
		t.Fatal(err)
	}
	assertPaired(t, st, 300, 500, StatusRandom)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if link.OrphanedPeer != 500 {
		t.Fatalf("orphaned peer %d, want 500", link.OrphanedPeer)
	}
	issuer := mustGet(t, st, 300)
	if Status(issuer.Status) != StatusPrivate || issuer.PeerID != "" {
		t.Fatalf("issuer row: %+v", issuer)
	}
	orphan := mustGet(t, st, 500)
	if Status(orphan.Status) != StatusClosed || orphan.PeerID != "" {
		t.Fatalf("orphan not closed: %+v", orphan)
	}
}

// Pairing through the anonymous-number flow must invalidate any invite link
// the responder issued earlier; a live OTP on a CONNECTED row would still
// verify against the old token.
func TestAcceptInvalidatesOutstandingPrivateLink(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)
	register(t, e, 400)
	register(t, e, 500)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	issuer := mustGet(t, st, 300)
	req, err := e.RequestAnonymousNumberConnect(ctx, 500, identity.FormatAnonyNumber(issuer.AnonyName))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := e.AcceptAnonymousNumberConnect(ctx, 300, req.RequestID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	assertPaired(t, st, 300, 500, StatusConnected)
	if got := mustGet(t, st, 300); got.OTP != "" {
		t.Fatalf("issuer OTP still live after accept: %q", got.OTP)
	}

	if _, err := e.VerifyPrivateLink(ctx, 400, link.Token); !errors.Is(err, ErrOtpMismatch) {
		t.Fatalf("stale token verified: %v, want ErrOtpMismatch", err)
	}
}

// Confirming a handshake while the issuer holds a different bilateral peer
// must close that peer, never leave it pointing at the issuer.
func TestConfirmTearsDownIssuersInterimPeer(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 300)
	register(t, e, 400)
	register(t, e, 500)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	h, err := e.VerifyPrivateLink(ctx, 400, link.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	issuer := mustGet(t, st, 300)
	req, err := e.RequestAnonymousNumberConnect(ctx, 500, identity.FormatAnonyNumber(issuer.AnonyName))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := e.AcceptAnonymousNumberConnect(ctx, 300, req.RequestID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	assertPaired(t, st, 300, 500, StatusConnected)

	// A row shaped by an older release: paired, but the invite OTP never
	// got cleared. The confirm path must still restore symmetry.
	issuer = mustGet(t, st, 300)
	issuer.OTP = link.OTP
	if err := st.Upsert(ctx, issuer); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	res, err := e.ConfirmPrivateLink(ctx, 300, h.HandshakeID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.OrphanedPeer != 500 {
		t.Fatalf("orphaned peer %d, want 500", res.OrphanedPeer)
	}
	assertPaired(t, st, 300, 400, StatusPrivate)
	orphan := mustGet(t, st, 500)
	if Status(orphan.Status) != StatusClosed || orphan.PeerID != "" {
		t.Fatalf("orphan not closed: %+v", orphan)
	}
}

func TestAnonyNumberConnectFailures(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	self := register(t, e, 1)

	if _, err := e.RequestAnonymousNumberConnect(ctx, 1, identity.FormatAnonyNumber(self.AnonyName)); !errors.Is(err, ErrSelfConnect) {
		t.Fatalf("self: got %v, want ErrSelfConnect", err)
	}
	if _, err := e.RequestAnonymousNumberConnect(ctx, 1, "/ANNoSuchName99"); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("unknown: got %v, want ErrNameNotFound", err)
	}
	if _, err := e.RequestAnonymousNumberConnect(ctx, 1, "not a number"); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("garbage: got %v, want ErrNameNotFound", err)
	}
}

func TestDeclineAnonyNumberConnect(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 1)
	target := register(t, e, 2)

	req, err := e.RequestAnonymousNumberConnect(ctx, 1, identity.FormatAnonyNumber(target.AnonyName))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	requesterID, ok := e.DeclineAnonymousNumberConnect(2, req.RequestID)
	if !ok || requesterID != 1 {
		t.Fatalf("decline: got %d/%v", requesterID, ok)
	}
	// Declines change nothing; a second accept of the same id must fail.
	if _, err := e.AcceptAnonymousNumberConnect(ctx, 2, req.RequestID); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("accept after decline: got %v, want ErrPeerNotFound", err)
	}
	if got := mustGet(t, st, 1); got.PeerID != "" {
		t.Fatal("requester paired despite decline")
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 10)
	register(t, e, 11)
	register(t, e, 12)

	bres, err := e.IssueBroadcastChannel(ctx, 10)
	if err != nil {
		t.Fatalf("issue channel: %v", err)
	}
	if !identity.IsChannelID(bres.ChannelID) {
		t.Fatalf("channel id %q", bres.ChannelID)
	}
	if bres.Code != identity.ShortCodeForIssuer(10) {
		t.Fatalf("code %q", bres.Code)
	}
	if got := mustGet(t, st, 10); Status(got.Status) != StatusBroadcaster || got.PeerID != bres.Code {
		t.Fatalf("broadcaster row: %+v", got)
	}

	j1, err := e.JoinBroadcast(ctx, 11, bres.ChannelID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !j1.Live || j1.BroadcasterID != 10 || j1.ListenerCount != 1 {
		t.Fatalf("first join: %+v", j1)
	}
	j2, err := e.JoinBroadcast(ctx, 12, bres.ChannelID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if j2.ListenerCount != 2 {
		t.Fatalf("second join count %d, want 2", j2.ListenerCount)
	}

	dres, err := e.Disconnect(ctx, 10)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if dres.Role != RoleBroadcaster || len(dres.ListenerIDs) != 2 {
		t.Fatalf("broadcaster disconnect: %+v", dres)
	}
}

func TestJoinBroadcastWithoutBroadcaster(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 11)

	channelID := identity.BroadcastChannel{IssuerID: 777, AnonyName: "HiddenGone"}.Encode()
	res, err := e.JoinBroadcast(ctx, 11, channelID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Live {
		t.Fatal("reported live with no broadcaster")
	}
}

func TestJoinBroadcastDisconnectsOldPeer(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 10)
	register(t, e, 11)
	register(t, e, 12)

	if _, err := e.RequestRandomMatch(ctx, 11); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 12); err != nil {
		t.Fatal(err)
	}
	assertPaired(t, st, 11, 12, StatusRandom)

	bres, err := e.IssueBroadcastChannel(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	jres, err := e.JoinBroadcast(ctx, 11, bres.ChannelID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if jres.OrphanedPeer != 12 {
		t.Fatalf("orphan %d, want 12", jres.OrphanedPeer)
	}
	if got := mustGet(t, st, 12); Status(got.Status) != StatusClosed || got.PeerID != "" {
		t.Fatalf("old peer not closed: %+v", got)
	}
}

func TestDisconnectBilateral(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)
	if _, err := e.RequestRandomMatch(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 200); err != nil {
		t.Fatal(err)
	}

	res, err := e.Disconnect(ctx, 100)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if res.Role != RoleBilateral || res.PeerID != 200 {
		t.Fatalf("got %+v", res)
	}
	for _, id := range []int64{100, 200} {
		got := mustGet(t, st, id)
		if Status(got.Status) != StatusClosed || got.PeerID != "" {
			t.Fatalf("user %d not closed: %+v", id, got)
		}
	}

	again, err := e.Disconnect(ctx, 100)
	if err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if !again.AlreadyClosed {
		t.Fatal("second disconnect should report already closed")
	}
}

func TestListenerDisconnectReportsBroadcaster(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 10)
	register(t, e, 11)
	register(t, e, 12)

	bres, err := e.IssueBroadcastChannel(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.JoinBroadcast(ctx, 11, bres.ChannelID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.JoinBroadcast(ctx, 12, bres.ChannelID); err != nil {
		t.Fatal(err)
	}

	res, err := e.Disconnect(ctx, 11)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if res.Role != RoleListener || res.BroadcasterID != 10 || res.Remaining != 1 {
		t.Fatalf("got %+v", res)
	}
}

func TestResumeOnlyFromRandom(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)

	if err := e.Resume(ctx, 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume from IDLE: got %v, want ErrInvalidState", err)
	}

	if _, err := e.RequestRandomMatch(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 200); err != nil {
		t.Fatal(err)
	}
	if err := e.Resume(ctx, 100); err != nil {
		t.Fatalf("resume from RANDOM: %v", err)
	}
	if got := mustGet(t, st, 100); Status(got.Status) != StatusOpen {
		t.Fatalf("status %s, want OPEN", got.Status)
	}
}

func TestStartAIChat(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)

	if err := e.StartAIChat(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := mustGet(t, st, 100); Status(got.Status) != StatusAI {
		t.Fatalf("status %s, want AI", got.Status)
	}

	if err := e.Resume(ctx, 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume from AI: got %v", err)
	}
	res, err := e.Disconnect(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Role != RoleSolo {
		t.Fatalf("AI disconnect role %s, want solo", res.Role)
	}
}

func TestStartAIChatRefusedWhilePaired(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)
	if _, err := e.RequestRandomMatch(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestRandomMatch(ctx, 200); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAIChat(ctx, 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestOverrideStatus(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()
	register(t, e, 100)
	register(t, e, 200)

	if err := e.OverrideStatus(ctx, 100, Status("BOGUS")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("bogus status: got %v", err)
	}
	if err := e.OverrideStatus(ctx, 100, StatusOpen); err != nil {
		t.Fatalf("override: %v", err)
	}
	if got := mustGet(t, st, 100); Status(got.Status) != StatusOpen {
		t.Fatalf("status %s, want OPEN", got.Status)
	}

	if _, err := e.RequestRandomMatch(ctx, 200); err != nil {
		t.Fatal(err)
	}
	// 100 was OPEN, so 200's request paired them; a live pairing refuses
	// the override.
	if err := e.OverrideStatus(ctx, 100, StatusIdle); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("paired override: got %v, want ErrInvalidState", err)
	}
}

func TestOTPCleanupClearsUnclaimedLink(t *testing.T) {
	e, st := newTestEngine(t, Config{OTPCleanupDelay: 20 * time.Millisecond})
	ctx := context.Background()
	register(t, e, 300)

	if _, err := e.IssuePrivateLink(ctx, 300); err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	got := mustGet(t, st, 300)
	if got.OTP != "" {
		t.Fatalf("unclaimed OTP survived cleanup: %q", got.OTP)
	}
	if Status(got.Status) != StatusPrivate {
		t.Fatalf("cleanup changed status to %s", got.Status)
	}
}

func TestOTPCleanupKeepsClosedUsersOTP(t *testing.T) {
	e, st := newTestEngine(t, Config{OTPCleanupDelay: 50 * time.Millisecond})
	ctx := context.Background()
	register(t, e, 300)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := e.Disconnect(ctx, 300); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if got := mustGet(t, st, 300); got.OTP != link.OTP {
		t.Fatalf("CLOSED user's OTP %q, want kept %q", got.OTP, link.OTP)
	}
}

func TestConfirmBeforeCleanupWins(t *testing.T) {
	e, st := newTestEngine(t, Config{OTPCleanupDelay: 80 * time.Millisecond})
	ctx := context.Background()
	register(t, e, 300)
	register(t, e, 400)

	link, err := e.IssuePrivateLink(ctx, 300)
	if err != nil {
		t.Fatal(err)
	}
	h, err := e.VerifyPrivateLink(ctx, 400, link.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := e.ConfirmPrivateLink(ctx, 300, h.HandshakeID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	// The late cleanup must not disturb the established pairing.
	assertPaired(t, st, 300, 400, StatusPrivate)
}

// Applies a long, reproducible random sequence of transitions and checks the
// whole table after every step: bilateral pairings stay symmetric, broadcast
// roles always hold a channel code, resting statuses hold no peer.
func TestRandomOperationSequencesKeepInvariants(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	ctx := context.Background()

	users := []int64{1, 2, 3, 4, 5, 6}
	names := make(map[int64]string, len(users))
	for _, id := range users {
		names[id] = register(t, e, id).AnonyName
	}

	rng := rand.New(rand.NewSource(7))
	pick := func() int64 { return users[rng.Intn(len(users))] }

	checkTable := func(step int) {
		t.Helper()
		rows := make(map[int64]*store.User, len(users))
		for _, id := range users {
			rows[id] = mustGet(t, st, id)
		}
		for id, u := range rows {
			status := Status(u.Status)
			switch {
			case status.Bilateral():
				if u.PeerID == "" {
					// Only an unclaimed private-link issuer waits alone.
					if status != StatusPrivate {
						t.Fatalf("step %d: user %d is %s with no peer", step, id, status)
					}
					continue
				}
				peerID, err := strconv.ParseInt(u.PeerID, 10, 64)
				if err != nil {
					t.Fatalf("step %d: user %d peer %q is not a user id", step, id, u.PeerID)
				}
				peer, ok := rows[peerID]
				if !ok {
					t.Fatalf("step %d: user %d points at unknown peer %d", step, id, peerID)
				}
				if peer.Status != u.Status {
					t.Fatalf("step %d: pair %d/%d statuses %s/%s", step, id, peerID, u.Status, peer.Status)
				}
				if peer.PeerID != strconv.FormatInt(id, 10) {
					t.Fatalf("step %d: %d points at %d but %d pairs with %q",
						step, id, peerID, peerID, peer.PeerID)
				}
			case status == StatusBroadcaster, status == StatusListener:
				if u.PeerID == "" {
					t.Fatalf("step %d: user %d is %s with no channel code", step, id, status)
				}
			default:
				if u.PeerID != "" {
					t.Fatalf("step %d: user %d is %s but still holds peer %q", step, id, status, u.PeerID)
				}
			}
		}
	}

	type handshakeRef struct {
		issuer int64
		id     string
	}
	type connectRef struct {
		responder int64
		id        string
	}
	var (
		tokens     []string
		handshakes []handshakeRef
		connects   []connectRef
		channels   []string
	)

	for step := 0; step < 400; step++ {
		switch rng.Intn(10) {
		case 0:
			_, _ = e.RequestRandomMatch(ctx, pick())
		case 1:
			if link, err := e.IssuePrivateLink(ctx, pick()); err == nil {
				tokens = append(tokens, link.Token)
			}
		case 2:
			if len(tokens) > 0 {
				token := tokens[rng.Intn(len(tokens))]
				if h, err := e.VerifyPrivateLink(ctx, pick(), token); err == nil {
					handshakes = append(handshakes, handshakeRef{h.IssuerID, h.HandshakeID})
				}
			}
		case 3:
			if len(handshakes) > 0 {
				h := handshakes[rng.Intn(len(handshakes))]
				_, _ = e.ConfirmPrivateLink(ctx, h.issuer, h.id)
			}
		case 4:
			number := identity.FormatAnonyNumber(names[pick()])
			if req, err := e.RequestAnonymousNumberConnect(ctx, pick(), number); err == nil {
				connects = append(connects, connectRef{req.TargetID, req.RequestID})
			}
		case 5:
			if len(connects) > 0 {
				c := connects[rng.Intn(len(connects))]
				_, _ = e.AcceptAnonymousNumberConnect(ctx, c.responder, c.id)
			}
		case 6:
			if res, err := e.IssueBroadcastChannel(ctx, pick()); err == nil {
				channels = append(channels, res.ChannelID)
			}
		case 7:
			if len(channels) > 0 {
				_, _ = e.JoinBroadcast(ctx, pick(), channels[rng.Intn(len(channels))])
			}
		case 8:
			_, _ = e.Disconnect(ctx, pick())
		case 9:
			switch rng.Intn(3) {
			case 0:
				_ = e.Resume(ctx, pick())
			case 1:
				_ = e.StartAIChat(ctx, pick())
			case 2:
				_ = e.OverrideStatus(ctx, pick(), StatusOpen)
			}
		}
		checkTable(step)
	}
}
