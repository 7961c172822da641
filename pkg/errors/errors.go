// Package errors provides common domain error types for the scribe client.
//
// This package defines sentinel errors for the conditions the transcription
// client branches on: unreachable network, expired session, missing meeting,
// malformed records and failed uploads. Using typed errors enables consistent
// error handling patterns with errors.Is() checks.
//
// Usage:
//
//	import scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
//
//	// Return a domain error
//	return nil, scerrors.ErrNotFound
//
//	// Check for domain errors
//	if scerrors.IsNotFound(err) {
//	    // handle not found case
//	}
package errors

import "errors"

// Domain errors - common sentinel errors for domain conditions.
var (
	// ErrNotFound indicates the requested meeting does not exist on the server.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed record or invalid input.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates the request lacks a valid session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetwork indicates the transcription service could not be reached.
	// It is transient: callers may retry or fall back to cached data.
	ErrNetwork = errors.New("network unreachable")

	// ErrUpload indicates the service accepted an upload but returned no meeting id.
	ErrUpload = errors.New("upload failed")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized reports whether any error in err's chain is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNetwork reports whether any error in err's chain is ErrNetwork.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsUpload reports whether any error in err's chain is ErrUpload.
func IsUpload(err error) bool {
	return errors.Is(err, ErrUpload)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
