// Copyright 2026 Annex Project
//
// Uniform error surface: every client-visible failure renders as
// {error, message, retry_after_seconds?} with a status mapped from the
// error kind.

package server

import (
	"errors"
	"net/http"

	"github.com/seismicgear/annex/pkg/errkind"
)

// errorBody is the wire shape of a failure.
type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.InvalidInput, errkind.PublicSignalMismatch, errkind.InvalidProof:
		return http.StatusBadRequest
	case errkind.DuplicateCommitment, errkind.NullifierReplay:
		return http.StatusConflict
	case errkind.CapacityExceeded:
		return http.StatusConflict
	case errkind.UnknownRoot, errkind.NotFound:
		return http.StatusNotFound
	case errkind.UntrustedPeerKey, errkind.Forbidden:
		return http.StatusForbidden
	case errkind.FederatedIdentityExpired:
		return http.StatusGone
	case errkind.RateLimited:
		return http.StatusTooManyRequests
	case errkind.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case errkind.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// asKindError coerces any error into a client-visible kind error, hiding
// internal causes behind ServiceUnavailable.
func asKindError(err error) *errkind.Error {
	var ke *errkind.Error
	if errors.As(err, &ke) {
		return ke
	}
	return errkind.New(errkind.ServiceUnavailable, "internal error")
}
