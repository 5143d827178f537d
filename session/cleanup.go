package session

import (
	"context"
	"errors"
	"time"

	"github.com/quailyquaily/anonchat/store"
)

const cleanupTimeout = 12 * time.Second

// scheduleOTPCleanup fires a deferred, advisory cleanup for a freshly issued
// OTP. It never blocks the issuing request; when it fires it re-reads the
// current record before acting, so it tolerates any state change in between.
// VerifyPrivateLink only ever checks OTP presence/equality, so this is the
// sole expiry mechanism.
func (e *Engine) scheduleOTPCleanup(userID int64) {
	delay := e.cleanupDelay
	e.logger.Info("otp_cleanup_scheduled", "user_id", userID, "delay", delay.String())
	go func() {
		timer := time.NewTimer(delay)
		<-timer.C
		timer.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		e.cleanupOTP(ctx, userID)
	}()
}

func (e *Engine) cleanupOTP(ctx context.Context, userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, err := e.store.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("otp_cleanup_user_missing", "user_id", userID)
		return
	}
	if err != nil {
		e.logger.Warn("otp_cleanup_failed", "user_id", userID, "error", err.Error())
		return
	}
	// A PRIVATE issuer with an empty peer is still waiting on a claimant:
	// that is exactly the link this task invalidates. Every connected,
	// closed, or AI-chat state keeps its OTP (consumed or irrelevant).
	status := Status(u.Status)
	claimed := status == StatusPrivate && u.PeerID != ""
	if claimed || status == StatusRandom || status == StatusConnected ||
		status == StatusClosed || status == StatusAI {
		e.logger.Info("otp_cleanup_skipped", "user_id", userID, "status", u.Status)
		return
	}
	if u.OTP == "" {
		return
	}
	u.OTP = ""
	if err := e.store.Upsert(ctx, u); err != nil {
		e.logger.Warn("otp_cleanup_failed", "user_id", userID, "error", err.Error())
		return
	}
	e.logger.Info("otp_cleanup_done", "user_id", userID)
}
