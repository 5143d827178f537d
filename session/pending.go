package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingHandshake is a verified private-link claim waiting for the issuer's
// confirmation. Nothing in the store has been mutated yet.
type pendingHandshake struct {
	ID         string
	IssuerID   int64
	ClaimantID int64
	OTP        string
	CreatedAt  time.Time
}

// pendingConnect is an anonymous-number connection request waiting for the
// target's accept or decline.
type pendingConnect struct {
	ID          string
	RequesterID int64
	TargetID    int64
	CreatedAt   time.Time
}

type pendingRegistry struct {
	mu         sync.Mutex
	handshakes map[string]pendingHandshake
	connects   map[string]pendingConnect
	now        func() time.Time
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		handshakes: make(map[string]pendingHandshake),
		connects:   make(map[string]pendingConnect),
		now:        time.Now,
	}
}

func (r *pendingRegistry) addHandshake(issuerID, claimantID int64, otp string) pendingHandshake {
	h := pendingHandshake{
		ID:         uuid.NewString(),
		IssuerID:   issuerID,
		ClaimantID: claimantID,
		OTP:        otp,
		CreatedAt:  r.now(),
	}
	r.mu.Lock()
	r.handshakes[h.ID] = h
	r.mu.Unlock()
	return h
}

// takeHandshake consumes a handshake addressed to the issuer. The second
// return is false for unknown ids, replays, or a mismatched issuer.
func (r *pendingRegistry) takeHandshake(id string, issuerID int64) (pendingHandshake, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handshakes[id]
	if !ok || h.IssuerID != issuerID {
		return pendingHandshake{}, false
	}
	delete(r.handshakes, id)
	return h, true
}

func (r *pendingRegistry) addConnect(requesterID, targetID int64) pendingConnect {
	c := pendingConnect{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		TargetID:    targetID,
		CreatedAt:   r.now(),
	}
	r.mu.Lock()
	r.connects[c.ID] = c
	r.mu.Unlock()
	return c
}

func (r *pendingRegistry) takeConnect(id string, targetID int64) (pendingConnect, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connects[id]
	if !ok || c.TargetID != targetID {
		return pendingConnect{}, false
	}
	delete(r.connects, id)
	return c, true
}
