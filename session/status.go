package session

// Status is the closed enumeration governing how PEER_ID is interpreted and
// which operations are legal. The engine is the only code path that mutates
// a user's status or peer.
type Status string

const (
	// StatusOpen marks a user discoverable by random matching.
	StatusOpen Status = "OPEN"
	// StatusIdle is the registration default; eligible for matching but not
	// yet discoverable.
	StatusIdle Status = "IDLE"
	// StatusRandom marks a bilateral connection made via random match.
	StatusRandom Status = "RANDOM"
	// StatusPrivate covers both halves of the private-link flow: an issuer
	// awaiting a claimant (OTP set, peer empty) and a bilaterally connected
	// pair (peer set, OTP cleared).
	StatusPrivate Status = "PRIVATE"
	// StatusConnected marks a bilateral connection made via the
	// anonymous-number handshake.
	StatusConnected Status = "CONNECTED"
	// StatusBroadcaster publishes to the channel code held in PEER_ID.
	StatusBroadcaster Status = "BROADCASTER"
	// StatusListener subscribes to the channel code held in PEER_ID.
	StatusListener Status = "LISTENER"
	// StatusClosed is the post-disconnect resting state.
	StatusClosed Status = "CLOSED"
	// StatusAI routes the user's messages to the completion client.
	StatusAI Status = "AI"
)

// Matchable reports whether the user may request a random match.
func (s Status) Matchable() bool {
	return s == StatusOpen || s == StatusIdle
}

// Bilateral reports whether the status implies a two-sided peer connection.
func (s Status) Bilateral() bool {
	return s == StatusRandom || s == StatusPrivate || s == StatusConnected
}

// Messaging reports whether inbound content is relayed at all.
func (s Status) Messaging() bool {
	switch s {
	case StatusRandom, StatusPrivate, StatusConnected, StatusBroadcaster, StatusListener, StatusAI:
		return true
	}
	return false
}

// Sensitive marks the statuses whose outbound media gets the spoiler flag.
func (s Status) Sensitive() bool {
	return s == StatusRandom || s == StatusPrivate || s == StatusConnected
}

// Valid reports membership in the closed enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusIdle, StatusRandom, StatusPrivate, StatusConnected,
		StatusBroadcaster, StatusListener, StatusClosed, StatusAI:
		return true
	}
	return false
}
