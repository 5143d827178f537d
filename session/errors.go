package session

import (
	"errors"

	"github.com/quailyquaily/anonchat/identity"
)

var (
	// ErrInvalidState reports an operation that is illegal for the user's
	// current status; user-correctable by issuing the right command.
	ErrInvalidState = errors.New("operation not valid for current status")
	// ErrAlreadyConnected reports an attempt to issue or claim a private
	// link while bilaterally connected.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrSelfConnect reports a user trying to pair with themselves.
	ErrSelfConnect = errors.New("cannot connect to yourself")
	// ErrNameNotFound reports an anony-number lookup miss.
	ErrNameNotFound = errors.New("anony number not found")
	// ErrPeerNotFound reports a token or request referencing a user that
	// does not exist.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrMalformedToken is identity.ErrMalformedToken; redeclared here so
	// callers handle the whole taxonomy from one package.
	ErrMalformedToken = identity.ErrMalformedToken
	// ErrMalformedChannel is identity.ErrMalformedChannel, aliased for the
	// same reason.
	ErrMalformedChannel = identity.ErrMalformedChannel
	// ErrOtpMismatch reports an empty, rotated or non-matching OTP; it also
	// covers already-consumed links.
	ErrOtpMismatch = errors.New("private link expired or incorrect")
	// ErrStoreUnavailable reports a transient storage failure; the caller
	// may retry the command.
	ErrStoreUnavailable = errors.New("store unavailable")
)
