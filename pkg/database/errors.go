// Copyright 2026 Annex Project
//
// Package database provides sentinel errors for repository operations.

package database

import (
	"database/sql"
	"errors"
)

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateCommitment is returned when a commitment is already a leaf
	ErrDuplicateCommitment = errors.New("commitment already registered")

	// ErrNullifierReplay is returned on a (topic, nullifier) uniqueness hit
	ErrNullifierReplay = errors.New("nullifier already spent for topic")

	// ErrInstanceNotFound is returned when a remote instance is unknown
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAgreementNotFound is returned when no active agreement exists
	ErrAgreementNotFound = errors.New("federation agreement not found")

	// ErrFederatedIdentityNotFound is returned for uncached remote identities
	ErrFederatedIdentityNotFound = errors.New("federated identity not found")

	// ErrPolicyNotFound is returned before the first policy version exists
	ErrPolicyNotFound = errors.New("policy version not found")
)

// isNoRows reports whether err is the empty-result sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
