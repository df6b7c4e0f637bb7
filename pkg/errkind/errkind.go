// Copyright 2026 Annex Project
//
// Package errkind enumerates the client-visible error kinds of the identity
// and federation core. Internal store or crypto errors are mapped to the
// nearest public kind at the service boundary; the original cause stays in
// the server log.

package errkind

import "fmt"

// Kind is the machine-readable error discriminator surfaced on the wire.
type Kind string

const (
	InvalidInput             Kind = "InvalidInput"
	CapacityExceeded         Kind = "CapacityExceeded"
	DuplicateCommitment      Kind = "DuplicateCommitment"
	UnknownRoot              Kind = "UnknownRoot"
	PublicSignalMismatch     Kind = "PublicSignalMismatch"
	InvalidProof             Kind = "InvalidProof"
	NullifierReplay          Kind = "NullifierReplay"
	UntrustedPeerKey         Kind = "UntrustedPeerKey"
	FederatedIdentityExpired Kind = "FederatedIdentityExpired"
	RateLimited              Kind = "RateLimited"
	ServiceUnavailable       Kind = "ServiceUnavailable"
	Timeout                  Kind = "Timeout"
	NotFound                 Kind = "NotFound"
	Forbidden                Kind = "Forbidden"
)

// Error is a client-visible failure. RetryAfterSeconds is only set for
// RateLimited responses.
type Error struct {
	Kind              Kind
	Message           string
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RateLimitedError creates a RateLimited error with a retry hint.
func RateLimitedError(retryAfterSeconds int) *Error {
	return &Error{
		Kind:              RateLimited,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	}
}
