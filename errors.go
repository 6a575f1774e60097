// errors.go: Error taxonomy for the xipr cryptographic core
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// Public sentinel errors. Every error returned by the package wraps exactly
// one of these, so callers branch with errors.Is and read the rich error code
// from the wrapped go-errors value when they need it for auditing.
var (
	// ErrKeyGeneration is returned when the random source fails or key
	// material cannot be produced. Fatal to the calling operation.
	ErrKeyGeneration = errors.New("xipr: key generation error")

	// ErrAuthenticationFailure is returned for any OPAQUE mismatch and any
	// AEAD or HPKE tag failure. The cause is never disclosed.
	ErrAuthenticationFailure = errors.New("xipr: authentication failure")

	// ErrReplayRejected is returned when a group message or commit was
	// already processed.
	ErrReplayRejected = errors.New("xipr: replay rejected")

	// ErrEpochUnavailable is returned when a group message or commit refers
	// to an epoch that is not retained locally.
	ErrEpochUnavailable = errors.New("xipr: epoch unavailable")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("xipr: not found")

	// ErrStaleOneTimeKey is returned when a pre-key was already consumed.
	// It also matches ErrNotFound.
	ErrStaleOneTimeKey = errors.New("xipr: one-time key already consumed")

	// ErrUnknownSuite is the configuration error for an unsupported cipher
	// suite identifier.
	ErrUnknownSuite = errors.New("xipr: unknown cipher suite")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("xipr: invalid configuration")

	// ErrHandleReleased is returned when a released secret handle is used.
	ErrHandleReleased = errors.New("xipr: secret handle released")

	// ErrSessionExpired is returned by SessionAuth for a token past its expiry.
	ErrSessionExpired = errors.New("xipr: session expired")

	// ErrSessionNotFound is returned by SessionAuth for an unknown token.
	ErrSessionNotFound = errors.New("xipr: session not found")

	ErrDeviceExists   = errors.New("xipr: device already enrolled")
	ErrDeviceNotFound = errors.New("xipr: device not found")
	ErrGroupExists    = errors.New("xipr: group already exists")
	ErrGroupNotFound  = errors.New("xipr: group not found")
	ErrGroupClosed    = errors.New("xipr: group closed")
	ErrNotMember      = errors.New("xipr: not a group member")
	ErrMemberExists   = errors.New("xipr: member already in group")
	ErrInvalidState   = errors.New("xipr: invalid protocol state")
	ErrMalformed      = errors.New("xipr: malformed message")
)

// Error codes for rich error handling
const (
	ErrCodeKeyGen          goerrors.ErrorCode = "XIPR_KEY_GEN"
	ErrCodeAuthFailure     goerrors.ErrorCode = "XIPR_AUTH_FAILURE"
	ErrCodeReplay          goerrors.ErrorCode = "XIPR_REPLAY"
	ErrCodeEpoch           goerrors.ErrorCode = "XIPR_EPOCH_UNAVAILABLE"
	ErrCodeNotFound        goerrors.ErrorCode = "XIPR_NOT_FOUND"
	ErrCodeStalePreKey     goerrors.ErrorCode = "XIPR_STALE_PREKEY"
	ErrCodeUnknownSuite    goerrors.ErrorCode = "XIPR_UNKNOWN_SUITE"
	ErrCodeInvalidConfig   goerrors.ErrorCode = "XIPR_INVALID_CONFIG"
	ErrCodeHandleReleased  goerrors.ErrorCode = "XIPR_HANDLE_RELEASED"
	ErrCodeSessionExpired  goerrors.ErrorCode = "XIPR_SESSION_EXPIRED"
	ErrCodeSessionNotFound goerrors.ErrorCode = "XIPR_SESSION_NOT_FOUND"
	ErrCodeDevice          goerrors.ErrorCode = "XIPR_DEVICE"
	ErrCodeGroup           goerrors.ErrorCode = "XIPR_GROUP"
	ErrCodeMembership      goerrors.ErrorCode = "XIPR_MEMBERSHIP"
	ErrCodeState           goerrors.ErrorCode = "XIPR_INVALID_STATE"
	ErrCodeMalformed       goerrors.ErrorCode = "XIPR_MALFORMED"
	ErrCodeStorage         goerrors.ErrorCode = "XIPR_STORAGE"
)

// newError builds a sentinel-tagged error carrying a rich code.
func newError(sentinel error, code goerrors.ErrorCode, msg string) error {
	richErr := goerrors.New(code, msg)
	return fmt.Errorf("%w: %w", sentinel, richErr)
}

// wrapError is newError for an underlying cause.
func wrapError(sentinel, cause error, code goerrors.ErrorCode, msg string) error {
	richErr := goerrors.Wrap(cause, code, msg)
	return fmt.Errorf("%w: %w", sentinel, richErr)
}

// authFailure is the single opaque error value shape used on every
// authentication path.
func authFailure() error {
	return newError(ErrAuthenticationFailure, ErrCodeAuthFailure, "authentication failed")
}

// storageError passes a collaborator error through unchanged.
func storageError(op, key string, err error) error {
	return fmt.Errorf("xipr: storage %s %q: %w", op, key, err)
}
