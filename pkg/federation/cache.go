// Copyright 2026 Annex Project
//
// Federated Identity Cache
// Attested remote pseudonyms, accepted only under an active non-Conflict
// agreement whose scope permits identity transfer, verified against the
// remote verifying key pinned by the instance's public key. Stale entries
// re-verify synchronously and are deleted on failure.

package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/field"
	"github.com/seismicgear/annex/pkg/pseudonym"
	"github.com/seismicgear/annex/pkg/zk"
)

// Verifier is the proof-checking surface the cache needs; *zk.Verifier
// satisfies it.
type Verifier interface {
	Verify(proof *zk.Proof, publicSignals []*big.Int) error
	Fingerprint() string
}

// VerifierFactory builds a Verifier from an instance's pinned verifying
// key material.
type VerifierFactory func(raw []byte) (Verifier, error)

// DefaultVerifierFactory parses the stored snarkjs verifying key.
func DefaultVerifierFactory(raw []byte) (Verifier, error) {
	return zk.ParseVerifyingKey(raw)
}

// Cache verifies and stores remote identity attestations.
type Cache struct {
	serverSlug string
	store      *database.Client
	repos      *database.Repositories
	policyFn   func() *PolicySnapshot
	verifiers  VerifierFactory
	logger     *log.Logger
	now        func() time.Time
}

// PolicySnapshot is the slice of server policy the cache consumes.
type PolicySnapshot struct {
	FreshnessSeconds int
}

// CacheOption configures the cache.
type CacheOption func(*Cache)

// WithVerifierFactory injects a verifier factory, used by tests.
func WithVerifierFactory(f VerifierFactory) CacheOption {
	return func(c *Cache) { c.verifiers = f }
}

// WithCacheClock injects a clock, used by tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache wires the federated identity cache.
func NewCache(serverSlug string, store *database.Client, repos *database.Repositories,
	policyFn func() *PolicySnapshot, opts ...CacheOption) *Cache {
	c := &Cache{
		serverSlug: serverSlug,
		store:      store,
		repos:      repos,
		policyFn:   policyFn,
		verifiers:  DefaultVerifierFactory,
		logger:     log.New(log.Writer(), "[Federation] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttestRequest is one inbound remote identity attestation.
type AttestRequest struct {
	InstanceID    string
	CommitmentHex string
	VRPTopic      string
	Proof         *zk.Proof
	PublicSignals []string
	RemoteRootHex string
}

// AttestIdentity verifies and caches a remote pseudonym. Returns the
// derived pseudonym id.
func (c *Cache) AttestIdentity(ctx context.Context, req *AttestRequest) (string, error) {
	// Identity exchange is a transfer: it needs an active, non-Conflict
	// agreement granting at least summary scope.
	agreement, err := c.repos.Federation.GetActiveAgreement(ctx, c.serverSlug, req.InstanceID)
	if err != nil {
		if errors.Is(err, database.ErrAgreementNotFound) {
			return "", errkind.New(errkind.Forbidden, "no active federation agreement with instance")
		}
		return "", c.storeError(err)
	}
	if agreement.AlignmentStatus == string(AlignmentConflict) {
		return "", errkind.New(errkind.Forbidden, "agreement is in Conflict")
	}
	scope, err := ParseScope(agreement.TransferScope)
	if err != nil || scope < ReflectionSummariesOnly {
		return "", errkind.New(errkind.Forbidden, "agreement scope does not permit identity transfer")
	}

	verifier, instance, err := c.verifierFor(ctx, req.InstanceID)
	if err != nil {
		return "", err
	}

	root, err := field.ParseHex(req.RemoteRootHex)
	if err != nil {
		return "", errkind.New(errkind.InvalidInput, "remote root: %v", err)
	}
	commitment, err := field.ParseHex(req.CommitmentHex)
	if err != nil {
		return "", errkind.New(errkind.InvalidInput, "commitment: %v", err)
	}
	signals, err := zk.ParseSignals(req.PublicSignals)
	if err != nil {
		return "", errkind.New(errkind.InvalidInput, "public signals: %v", err)
	}
	if signals[0].Cmp(root) != 0 || signals[1].Cmp(commitment) != 0 {
		return "", errkind.New(errkind.PublicSignalMismatch,
			"public signals do not match the claimed remote root and commitment")
	}

	if err := verifier.Verify(req.Proof, signals); err != nil {
		return "", errkind.New(errkind.InvalidProof, "%v", err)
	}

	canonicalCommitment := field.ToHex(commitment)
	_, pseudonymID, err := pseudonym.Derive(canonicalCommitment, req.VRPTopic)
	if err != nil {
		return "", errkind.New(errkind.InvalidInput, "%v", err)
	}

	verifiedAt := c.now().UTC()
	var expiresAt *time.Time
	if ttl := c.policyFn().FreshnessSeconds; ttl > 0 {
		t := verifiedAt.Add(time.Duration(ttl) * time.Second)
		expiresAt = &t
	}

	proofJSON, _ := json.Marshal(req.Proof)
	signalsJSON, _ := json.Marshal(req.PublicSignals)

	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.repos.Federation.UpsertFederatedIdentity(ctx, tx, &database.FederatedIdentity{
			ID:                    uuid.NewString(),
			ServerSlug:            c.serverSlug,
			InstanceID:            req.InstanceID,
			CommitmentHex:         canonicalCommitment,
			PseudonymID:           pseudonymID,
			VRPTopic:              req.VRPTopic,
			RootHexAtVerification: field.ToHex(root),
			ProofJSON:             string(proofJSON),
			PublicSignals:         string(signalsJSON),
			LastVerifiedAt:        verifiedAt,
			ExpiresAt:             expiresAt,
		}); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"instance_id":  req.InstanceID,
			"pseudonym_id": pseudonymID,
			"vrp_topic":    req.VRPTopic,
		})
		_, err := c.repos.Events.Append(ctx, tx, &database.Event{
			ServerSlug: c.serverSlug,
			Domain:     database.DomainFederation,
			EventType:  "identity_attested",
			EntityType: "federated_identity",
			EntityID:   pseudonymID,
			Payload:    string(payload),
		})
		return err
	})
	if err != nil {
		return "", c.storeError(err)
	}

	c.logger.Printf("Attested federated identity %s... from %s", pseudonymID[:12], instance.BaseURL)
	return pseudonymID, nil
}

// Resolve returns a cached federated identity, forcing a synchronous
// re-verification when the record has gone stale. On re-verification
// failure the record is deleted and FederatedIdentityExpired surfaces.
func (c *Cache) Resolve(ctx context.Context, instanceID, vrpTopic, pseudonymID string) (*database.FederatedIdentity, error) {
	fi, err := c.repos.Federation.GetFederatedIdentity(ctx, c.serverSlug, instanceID, vrpTopic, pseudonymID)
	if err != nil {
		if errors.Is(err, database.ErrFederatedIdentityNotFound) {
			return nil, errkind.New(errkind.NotFound, "federated identity not found")
		}
		return nil, c.storeError(err)
	}

	ttl := c.policyFn().FreshnessSeconds
	if c.now().Before(fi.LastVerifiedAt.Add(time.Duration(ttl) * time.Second)) {
		return fi, nil
	}

	// Stale: replay the stored attestation through the same pipeline.
	if err := c.reverify(ctx, fi); err != nil {
		if derr := c.repos.Federation.DeleteFederatedIdentity(ctx, fi.ID); derr != nil {
			c.logger.Printf("failed to delete expired federated identity %s: %v", fi.ID, derr)
		}
		return nil, errkind.New(errkind.FederatedIdentityExpired,
			"federated identity is stale and re-verification failed")
	}

	verifiedAt := c.now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := verifiedAt.Add(time.Duration(ttl) * time.Second)
		expiresAt = &t
	}
	if err := c.repos.Federation.TouchFederatedIdentity(ctx, fi.ID, verifiedAt, expiresAt); err != nil {
		return nil, c.storeError(err)
	}
	fi.LastVerifiedAt = verifiedAt
	fi.ExpiresAt = expiresAt
	return fi, nil
}

func (c *Cache) reverify(ctx context.Context, fi *database.FederatedIdentity) error {
	verifier, _, err := c.verifierFor(ctx, fi.InstanceID)
	if err != nil {
		return err
	}
	var proof zk.Proof
	if err := json.Unmarshal([]byte(fi.ProofJSON), &proof); err != nil {
		return err
	}
	var rawSignals []string
	if err := json.Unmarshal([]byte(fi.PublicSignals), &rawSignals); err != nil {
		return err
	}
	signals, err := zk.ParseSignals(rawSignals)
	if err != nil {
		return err
	}
	return verifier.Verify(&proof, signals)
}

// verifierFor loads the instance's pinned verifying key and checks the
// pin. A missing key or a fingerprint mismatch is UntrustedPeerKey.
func (c *Cache) verifierFor(ctx context.Context, instanceID string) (Verifier, *database.Instance, error) {
	instance, err := c.repos.Federation.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, database.ErrInstanceNotFound) {
			return nil, nil, errkind.New(errkind.NotFound, "instance %s is not registered", instanceID)
		}
		return nil, nil, c.storeError(err)
	}
	if instance.VerifyingKey == "" {
		return nil, nil, errkind.New(errkind.UntrustedPeerKey, "instance has no pinned verifying key")
	}
	verifier, err := c.verifiers([]byte(instance.VerifyingKey))
	if err != nil {
		return nil, nil, errkind.New(errkind.UntrustedPeerKey, "stored verifying key is unusable: %v", err)
	}
	if verifier.Fingerprint() != instance.PublicKey {
		return nil, nil, errkind.New(errkind.UntrustedPeerKey,
			"verifying key fingerprint does not match the pinned public key")
	}
	return verifier, instance, nil
}

func (c *Cache) storeError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.New(errkind.Timeout, "operation deadline exceeded")
	}
	c.logger.Printf("store error: %v", err)
	return errkind.New(errkind.ServiceUnavailable, "store unavailable")
}
