// Copyright 2026 Annex Project
//
// Federation types: VRP handshake payloads, alignment outcomes and the
// monotone transfer-scope ladder.

package federation

import (
	"fmt"

	"github.com/seismicgear/annex/pkg/policy"
)

// AlignmentStatus is the outcome of comparing local policy with a remote
// anchor snapshot.
type AlignmentStatus string

const (
	AlignmentAligned  AlignmentStatus = "Aligned"
	AlignmentPartial  AlignmentStatus = "Partial"
	AlignmentConflict AlignmentStatus = "Conflict"
)

// TransferScope bounds what may cross a federation edge. The order is
// total: NoTransfer < ReflectionSummariesOnly < FullKnowledgeBundle.
type TransferScope int

const (
	NoTransfer TransferScope = iota
	ReflectionSummariesOnly
	FullKnowledgeBundle
)

// String returns the policy label of the scope.
func (s TransferScope) String() string {
	switch s {
	case ReflectionSummariesOnly:
		return policy.ScopeReflectionSummariesOnly
	case FullKnowledgeBundle:
		return policy.ScopeFullKnowledgeBundle
	default:
		return policy.ScopeNoTransfer
	}
}

// ParseScope decodes a policy label into a scope.
func ParseScope(label string) (TransferScope, error) {
	switch label {
	case policy.ScopeNoTransfer:
		return NoTransfer, nil
	case policy.ScopeReflectionSummariesOnly:
		return ReflectionSummariesOnly, nil
	case policy.ScopeFullKnowledgeBundle:
		return FullKnowledgeBundle, nil
	default:
		return NoTransfer, fmt.Errorf("unknown transfer scope %q", label)
	}
}

// MinScope returns the smaller of two scopes.
func MinScope(a, b TransferScope) TransferScope {
	if a < b {
		return a
	}
	return b
}

// AnchorSnapshot is the remote's values profile: its principles, the
// actions it prohibits, and an optional alignment scoring summary.
type AnchorSnapshot struct {
	Principles        []string           `json:"principles"`
	ProhibitedActions []string           `json:"prohibited_actions"`
	AlignmentSummary  map[string]float64 `json:"alignment_summary,omitempty"`
}

// CapabilityContract is the remote's role profile: capabilities it
// requires from us, capabilities and actions it offers, and the transfer
// scope it is willing to grant.
type CapabilityContract struct {
	Required     []string `json:"required"`
	Offered      []string `json:"offered"`
	OfferedScope string   `json:"offered_scope"`
}

// HandshakePayload is one inbound VRP handshake.
type HandshakePayload struct {
	AnchorSnapshot     AnchorSnapshot     `json:"anchor_snapshot"`
	CapabilityContract CapabilityContract `json:"capability_contract"`
}

// HandshakeReport is the recorded outcome of a handshake.
type HandshakeReport struct {
	AgreementID     string          `json:"agreement_id"`
	AlignmentStatus AlignmentStatus `json:"alignment_status"`
	TransferScope   TransferScope   `json:"transfer_scope"`
}
