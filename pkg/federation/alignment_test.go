// Copyright 2026 Annex Project
//
// Alignment & Scope Tests

package federation

import (
	"testing"

	"github.com/seismicgear/annex/pkg/policy"
)

func localPolicy(principles, prohibited []string, maxScope string) *policy.Policy {
	p := policy.Default()
	p.Principles = principles
	p.ProhibitedActions = prohibited
	p.MaxTransferScope = maxScope
	return p
}

func payload(principles, offered []string, offeredScope string) *HandshakePayload {
	return &HandshakePayload{
		AnchorSnapshot:     AnchorSnapshot{Principles: principles},
		CapabilityContract: CapabilityContract{Offered: offered, OfferedScope: offeredScope},
	}
}

func TestCompareAlignment(t *testing.T) {
	local := localPolicy([]string{"P1", "P2"}, []string{"X"}, policy.ScopeReflectionSummariesOnly)

	cases := []struct {
		name    string
		payload *HandshakePayload
		want    AlignmentStatus
	}{
		{"full principle cover", payload([]string{"P1", "P2"}, nil, policy.ScopeFullKnowledgeBundle), AlignmentAligned},
		{"superset of principles", payload([]string{"P1", "P2", "P3"}, nil, policy.ScopeFullKnowledgeBundle), AlignmentAligned},
		{"partial overlap", payload([]string{"P1", "P9"}, nil, policy.ScopeFullKnowledgeBundle), AlignmentPartial},
		{"no overlap", payload([]string{"P9"}, nil, policy.ScopeFullKnowledgeBundle), AlignmentConflict},
		{"prohibited action offered", payload([]string{"P1", "P2"}, []string{"X"}, policy.ScopeFullKnowledgeBundle), AlignmentConflict},
		{"prohibition beats alignment", payload([]string{"P1", "P2"}, []string{"Y", "X"}, policy.ScopeFullKnowledgeBundle), AlignmentConflict},
	}
	for _, c := range cases {
		if got := CompareAlignment(local, c.payload); got != c.want {
			t.Errorf("%s: alignment = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestCompareAlignment_EmptyLocalPrinciples(t *testing.T) {
	local := localPolicy(nil, nil, policy.ScopeReflectionSummariesOnly)
	if got := CompareAlignment(local, payload([]string{"anything"}, nil, policy.ScopeNoTransfer)); got != AlignmentAligned {
		t.Errorf("empty local principles = %s, want Aligned", got)
	}
}

func TestNegotiateScope(t *testing.T) {
	local := localPolicy([]string{"P1"}, nil, policy.ScopeReflectionSummariesOnly)

	scope, err := NegotiateScope(local, payload(nil, nil, policy.ScopeFullKnowledgeBundle), AlignmentAligned)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if scope != ReflectionSummariesOnly {
		t.Errorf("scope = %s, want local cap %s", scope, ReflectionSummariesOnly)
	}

	scope, err = NegotiateScope(local, payload(nil, nil, policy.ScopeNoTransfer), AlignmentAligned)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if scope != NoTransfer {
		t.Errorf("scope = %s, want remote cap %s", scope, NoTransfer)
	}

	// Conflict forces NoTransfer regardless of offers.
	scope, err = NegotiateScope(local, payload(nil, nil, policy.ScopeFullKnowledgeBundle), AlignmentConflict)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if scope != NoTransfer {
		t.Errorf("conflict scope = %s, want %s", scope, NoTransfer)
	}

	if _, err := NegotiateScope(local, payload(nil, nil, "bogus"), AlignmentAligned); err == nil {
		t.Error("accepted unknown offered scope")
	}
}

func TestTransferScope_Order(t *testing.T) {
	if !(NoTransfer < ReflectionSummariesOnly && ReflectionSummariesOnly < FullKnowledgeBundle) {
		t.Fatal("scope ladder order broken")
	}
	for _, label := range []string{policy.ScopeNoTransfer, policy.ScopeReflectionSummariesOnly, policy.ScopeFullKnowledgeBundle} {
		s, err := ParseScope(label)
		if err != nil {
			t.Fatalf("parse %s: %v", label, err)
		}
		if s.String() != label {
			t.Errorf("round trip %s -> %s", label, s.String())
		}
	}
}
