package identity

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

const (
	channelPrefix = "/BCST"

	channelLeadPadLen   = 2
	channelMidPadLen    = 3
	channelTrailPadLen  = 4
	channelShortCodeLen = 6
)

// ErrMalformedChannel reports a broadcast channel id with no recoverable
// issuer id.
var ErrMalformedChannel = errors.New("malformed broadcast channel id")

// BroadcastChannel is the payload of a long-form broadcast channel id. Two
// issuances by the same user produce different long forms, but the lookup key
// (the short code) depends only on the embedded issuer id.
type BroadcastChannel struct {
	IssuerID  int64
	AnonyName string
}

// Encode renders the long-form channel id:
// "/BCST" + 2 pad chars + issuer id + 3 pad chars + anony name + 4 pad chars.
func (c BroadcastChannel) Encode() string {
	var b strings.Builder
	b.WriteString(channelPrefix)
	b.WriteString(randomPad(channelLeadPadLen))
	b.WriteString(strconv.FormatInt(c.IssuerID, 10))
	b.WriteString(randomPad(channelMidPadLen))
	b.WriteString(c.AnonyName)
	b.WriteString(randomPad(channelTrailPadLen))
	return b.String()
}

// IsChannelID reports whether the text looks like a broadcast channel id.
func IsChannelID(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), channelPrefix)
}

// ExtractIssuerID recovers the issuer id from a long-form channel id as the
// first digit run after the lead pad.
func ExtractIssuerID(channelID string) (int64, error) {
	channelID = strings.TrimSpace(channelID)
	if !strings.HasPrefix(channelID, channelPrefix) {
		return 0, ErrMalformedChannel
	}
	body := channelID[len(channelPrefix):]
	if len(body) <= channelLeadPadLen {
		return 0, ErrMalformedChannel
	}
	body = body[channelLeadPadLen:]

	start := -1
	end := len(body)
	for i := 0; i < len(body); i++ {
		if isDigit(body[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			end = i
			break
		}
	}
	if start < 0 {
		return 0, ErrMalformedChannel
	}
	id, err := strconv.ParseInt(body[start:end], 10, 64)
	if err != nil {
		return 0, ErrMalformedChannel
	}
	return id, nil
}

// DeriveShortCode maps a long-form channel id to the 6-character code that
// listeners actually join against. The code is a pure function of the
// embedded issuer id, never of the random padding.
func DeriveShortCode(channelID string) (string, error) {
	issuerID, err := ExtractIssuerID(channelID)
	if err != nil {
		return "", err
	}
	return ShortCodeForIssuer(issuerID), nil
}

// ShortCodeForIssuer hashes the issuer id and maps the first 6 hash chars
// into the alphanumeric alphabet (hex is already alphanumeric; the remap
// keeps the contract explicit should the derivation ever change).
func ShortCodeForIssuer(issuerID int64) string {
	sum := md5.Sum([]byte(strconv.FormatInt(issuerID, 10)))
	hexSum := hex.EncodeToString(sum[:])
	code := make([]byte, channelShortCodeLen)
	for i := 0; i < channelShortCodeLen; i++ {
		ch := hexSum[i]
		if !isAlnum(ch) {
			ch = byte('a' + int(ch)%26)
		}
		code[i] = ch
	}
	return string(code)
}
