package identity

import (
	"errors"
	"strconv"
	"strings"
)

const (
	tokenPrefix = "/92"

	tokenLeadPadLen  = 6
	tokenOTPLen      = 4
	tokenTrailPadLen = 5

	// Shortest well-formed token body: both pads, the OTP and at least one
	// issuer id digit.
	tokenMinBodyLen = tokenLeadPadLen + tokenOTPLen + 1 + tokenTrailPadLen
)

// ErrMalformedToken reports a private connection token too short or too
// garbled to contain an OTP and an issuer id.
var ErrMalformedToken = errors.New("malformed connection token")

// ConnectionToken is the payload of a private invite link: the issuer's live
// OTP plus the issuer's user id. The wire form pads both sides with random
// digits that carry no meaning.
type ConnectionToken struct {
	OTP      string
	IssuerID int64
}

// Encode renders the token in its wire form:
// "/92" + 6 random digits + 4-digit OTP + issuer id + 5 random digits.
func (t ConnectionToken) Encode() string {
	var b strings.Builder
	b.WriteString(tokenPrefix)
	b.WriteString(randomDigits(tokenLeadPadLen))
	b.WriteString(t.OTP)
	b.WriteString(strconv.FormatInt(t.IssuerID, 10))
	b.WriteString(randomDigits(tokenTrailPadLen))
	return b.String()
}

// IsConnectionToken reports whether the text looks like a private link claim.
func IsConnectionToken(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), tokenPrefix)
}

// ParseConnectionToken recovers the OTP (fixed 4-char window after the lead
// pad) and the issuer id (the remainder before the trailing pad) from a wire
// token.
func ParseConnectionToken(s string) (ConnectionToken, error) {
	s = strings.TrimSpace(s)
	body := strings.TrimPrefix(s, tokenPrefix)
	if len(body) < tokenMinBodyLen {
		return ConnectionToken{}, ErrMalformedToken
	}
	otp := body[tokenLeadPadLen : tokenLeadPadLen+tokenOTPLen]
	idPart := body[tokenLeadPadLen+tokenOTPLen : len(body)-tokenTrailPadLen]
	for i := 0; i < len(body); i++ {
		if !isDigit(body[i]) {
			return ConnectionToken{}, ErrMalformedToken
		}
	}
	issuerID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return ConnectionToken{}, ErrMalformedToken
	}
	return ConnectionToken{OTP: otp, IssuerID: issuerID}, nil
}
