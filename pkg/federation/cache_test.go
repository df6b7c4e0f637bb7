// Copyright 2026 Annex Project
//
// Federated Identity Cache Tests

package federation

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/field"
	"github.com/seismicgear/annex/pkg/zk"
)

// fakeVerifier stands in for a parsed remote verifying key.
type fakeVerifier struct {
	fp   string
	fail bool
}

func (f *fakeVerifier) Verify(*zk.Proof, []*big.Int) error {
	if f.fail {
		return errors.New("pairing check failed")
	}
	return nil
}

func (f *fakeVerifier) Fingerprint() string { return f.fp }

type cacheFixture struct {
	client   *database.Client
	repos    *database.Repositories
	cache    *Cache
	instance *database.Instance
	verifier *fakeVerifier
	now      time.Time
	ttl      int
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	client, repos := testStore(t)

	f := &cacheFixture{
		client:   client,
		repos:    repos,
		verifier: &fakeVerifier{fp: "pin-ok"},
		now:      time.Now(),
		ttl:      3600,
	}
	f.cache = NewCache("default", client, repos,
		func() *PolicySnapshot { return &PolicySnapshot{FreshnessSeconds: f.ttl} },
		WithVerifierFactory(func(raw []byte) (Verifier, error) { return f.verifier, nil }),
		WithCacheClock(func() time.Time { return f.now }))

	f.instance = &database.Instance{
		ID: uuid.NewString(), BaseURL: "https://remote.example",
		PublicKey: "pin-ok", Status: "known", VerifyingKey: "{}",
	}
	if err := repos.Federation.CreateInstance(context.Background(), f.instance); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return f
}

func (f *cacheFixture) agree(t *testing.T, alignment AlignmentStatus, scope TransferScope) {
	t.Helper()
	err := f.client.WithTx(context.Background(), func(tx *sql.Tx) error {
		return f.repos.Federation.TransitionAgreement(context.Background(), tx, &database.FederationAgreement{
			ID: uuid.NewString(), ServerSlug: "default", InstanceID: f.instance.ID,
			AlignmentStatus: string(alignment), TransferScope: scope.String(), AgreementBody: "{}",
		})
	})
	if err != nil {
		t.Fatalf("agree: %v", err)
	}
}

func attestReq(instanceID string) *AttestRequest {
	return &AttestRequest{
		InstanceID:    instanceID,
		CommitmentHex: field.ToHex(big.NewInt(5)),
		VRPTopic:      "annex:federation:v1",
		Proof:         &zk.Proof{},
		PublicSignals: []string{"9", "5"},
		RemoteRootHex: field.ToHex(big.NewInt(9)),
	}
}

func TestAttestIdentity_HappyPath(t *testing.T) {
	f := newCacheFixture(t)
	f.agree(t, AlignmentAligned, ReflectionSummariesOnly)
	ctx := context.Background()

	pid, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if len(pid) != 64 {
		t.Errorf("pseudonym id %q is not hex64", pid)
	}

	fi, err := f.repos.Federation.GetFederatedIdentity(ctx, "default", f.instance.ID, "annex:federation:v1", pid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fi.ExpiresAt == nil {
		t.Errorf("expires_at not stamped with a positive freshness TTL")
	}
	if fi.RootHexAtVerification != field.ToHex(big.NewInt(9)) {
		t.Errorf("root at verification = %s", fi.RootHexAtVerification)
	}

	events, err := f.repos.Events.List(ctx, "default", database.DomainFederation, 0, 10)
	if err != nil || len(events) != 1 || events[0].EventType != "identity_attested" {
		t.Errorf("attestation event missing: %v (%d)", err, len(events))
	}
}

func TestAttestIdentity_AgreementGates(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	// No agreement at all.
	if _, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID)); kindOf(err) != errkind.Forbidden {
		t.Errorf("no agreement = %v, want Forbidden", kindOf(err))
	}

	// Conflict agreement.
	f.agree(t, AlignmentConflict, NoTransfer)
	if _, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID)); kindOf(err) != errkind.Forbidden {
		t.Errorf("conflict agreement = %v, want Forbidden", kindOf(err))
	}

	// Aligned but no transfer scope: identity exchange is a transfer.
	f.agree(t, AlignmentAligned, NoTransfer)
	if _, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID)); kindOf(err) != errkind.Forbidden {
		t.Errorf("no-transfer scope = %v, want Forbidden", kindOf(err))
	}
}

func TestAttestIdentity_KeyPinning(t *testing.T) {
	f := newCacheFixture(t)
	f.agree(t, AlignmentAligned, ReflectionSummariesOnly)
	ctx := context.Background()

	f.verifier.fp = "pin-wrong"
	if _, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID)); kindOf(err) != errkind.UntrustedPeerKey {
		t.Errorf("fingerprint mismatch = %v, want UntrustedPeerKey", kindOf(err))
	}
}

func TestAttestIdentity_SignalMismatch(t *testing.T) {
	f := newCacheFixture(t)
	f.agree(t, AlignmentAligned, ReflectionSummariesOnly)
	ctx := context.Background()

	req := attestReq(f.instance.ID)
	req.PublicSignals = []string{"9", "6"}
	if _, err := f.cache.AttestIdentity(ctx, req); kindOf(err) != errkind.PublicSignalMismatch {
		t.Errorf("signal mismatch = %v, want PublicSignalMismatch", kindOf(err))
	}
}

func TestAttestIdentity_InvalidProof(t *testing.T) {
	f := newCacheFixture(t)
	f.agree(t, AlignmentAligned, ReflectionSummariesOnly)
	ctx := context.Background()

	f.verifier.fail = true
	if _, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID)); kindOf(err) != errkind.InvalidProof {
		t.Errorf("failed verification = %v, want InvalidProof", kindOf(err))
	}
}

func TestResolve_FreshnessAndReverification(t *testing.T) {
	f := newCacheFixture(t)
	f.agree(t, AlignmentAligned, ReflectionSummariesOnly)
	ctx := context.Background()

	pid, err := f.cache.AttestIdentity(ctx, attestReq(f.instance.ID))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}

	// Fresh: no re-verification.
	if _, err := f.cache.Resolve(ctx, f.instance.ID, "annex:federation:v1", pid); err != nil {
		t.Fatalf("fresh resolve: %v", err)
	}

	// Stale with a passing re-verification: timestamps refresh.
	f.now = f.now.Add(2 * time.Hour)
	fi, err := f.cache.Resolve(ctx, f.instance.ID, "annex:federation:v1", pid)
	if err != nil {
		t.Fatalf("stale resolve: %v", err)
	}
	if f.now.Sub(fi.LastVerifiedAt) > time.Minute {
		t.Errorf("last_verified_at not refreshed on re-verification")
	}

	// Stale with a failing re-verification: record deleted, expired error.
	f.verifier.fail = true
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.cache.Resolve(ctx, f.instance.ID, "annex:federation:v1", pid); kindOf(err) != errkind.FederatedIdentityExpired {
		t.Fatalf("expired resolve = %v, want FederatedIdentityExpired", err)
	}
	if _, err := f.repos.Federation.GetFederatedIdentity(ctx, "default", f.instance.ID, "annex:federation:v1", pid); !errors.Is(err, database.ErrFederatedIdentityNotFound) {
		t.Errorf("record survived failed re-verification")
	}
}

func TestResolve_NotFound(t *testing.T) {
	f := newCacheFixture(t)
	if _, err := f.cache.Resolve(context.Background(), f.instance.ID, "annex:federation:v1", "missing"); kindOf(err) != errkind.NotFound {
		t.Errorf("missing identity = %v, want NotFound", kindOf(err))
	}
}
