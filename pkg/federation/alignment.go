// Copyright 2026 Annex Project
//
// Alignment comparison: deterministic mapping from (local policy, remote
// VRP) to Aligned | Partial | Conflict, and scope negotiation.

package federation

import "github.com/seismicgear/annex/pkg/policy"

// CompareAlignment derives the alignment status.
//
//   - Conflict if the remote offers any action the local policy prohibits,
//     or shares no principle with a non-empty local principle set.
//   - Aligned if every local principle appears among the remote's.
//   - Partial otherwise (some but not all principles overlap, nothing
//     prohibited is offered).
func CompareAlignment(local *policy.Policy, payload *HandshakePayload) AlignmentStatus {
	prohibited := toSet(local.ProhibitedActions)
	for _, offered := range payload.CapabilityContract.Offered {
		if prohibited[offered] {
			return AlignmentConflict
		}
	}

	remote := toSet(payload.AnchorSnapshot.Principles)
	matched := 0
	for _, p := range local.Principles {
		if remote[p] {
			matched++
		}
	}
	switch {
	case matched == len(local.Principles):
		return AlignmentAligned
	case matched > 0:
		return AlignmentPartial
	default:
		return AlignmentConflict
	}
}

// NegotiateScope applies min(local max, remote offered) under the total
// scope order, forcing NoTransfer on Conflict.
func NegotiateScope(local *policy.Policy, payload *HandshakePayload, alignment AlignmentStatus) (TransferScope, error) {
	if alignment == AlignmentConflict {
		return NoTransfer, nil
	}
	localMax, err := ParseScope(local.MaxTransferScope)
	if err != nil {
		return NoTransfer, err
	}
	offered, err := ParseScope(payload.CapabilityContract.OfferedScope)
	if err != nil {
		return NoTransfer, err
	}
	return MinScope(localMax, offered), nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
