// Copyright 2026 Annex Project
//
// Identity Activation Service
// Orchestrates register -> verify -> activate over the Merkle registry,
// the Groth16 verifier and the durable store. Every mutation bundles its
// domain write with a public event in one transaction, ordered by the
// registry's single-writer lock.

package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/field"
	"github.com/seismicgear/annex/pkg/merkle"
	"github.com/seismicgear/annex/pkg/pseudonym"
	"github.com/seismicgear/annex/pkg/zk"
)

// Default operation deadlines; verification covers the pairing check.
const (
	DefaultRegisterTimeout = 5 * time.Second
	DefaultVerifyTimeout   = 20 * time.Second
)

// ProofVerifier is the pairing-check surface the service needs;
// *zk.Verifier satisfies it.
type ProofVerifier interface {
	Verify(proof *zk.Proof, publicSignals []*big.Int) error
}

// Service is the identity activation service for one server.
type Service struct {
	serverSlug string
	store      *database.Client
	repos      *database.Repositories
	registry   *merkle.Registry
	verifier   ProofVerifier
	logger     *log.Logger

	registerTimeout time.Duration
	verifyTimeout   time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithTimeouts overrides the register/verify deadlines.
func WithTimeouts(register, verify time.Duration) Option {
	return func(s *Service) {
		s.registerTimeout = register
		s.verifyTimeout = verify
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService wires the activation service.
func NewService(serverSlug string, store *database.Client, repos *database.Repositories,
	registry *merkle.Registry, verifier ProofVerifier, opts ...Option) *Service {
	s := &Service{
		serverSlug:      serverSlug,
		store:           store,
		repos:           repos,
		registry:        registry,
		verifier:        verifier,
		logger:          log.New(log.Writer(), "[Identity] ", log.LstdFlags),
		registerTimeout: DefaultRegisterTimeout,
		verifyTimeout:   DefaultVerifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	IdentityID string
	LeafIndex  int64
	RootHex    string
	Path       merkle.Path
}

// Register validates and appends a commitment, rotating the active root and
// emitting IDENTITY/registered in the same transaction.
func (s *Service) Register(ctx context.Context, commitmentHex string, roleCode int, nodeID int64) (*RegisterResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.registerTimeout)
	defer cancel()

	if _, ok := database.ParticipantTypeForRole(roleCode); !ok {
		return nil, errkind.New(errkind.InvalidInput, "role code %d outside 1..5", roleCode)
	}
	commitment, err := field.ParseHex(commitmentHex)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "commitment: %v", err)
	}
	canonical := field.ToHex(commitment)

	identityID := uuid.NewString()
	var result *RegisterResult

	// The registry lock is held across the store commit: appends are
	// globally serialised per server and the in-memory tree never advances
	// without a committed transaction.
	res, err := s.registry.Append(canonical, func(ar merkle.AppendResult) error {
		return s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := s.repos.Registry.InsertCommitment(ctx, tx, &database.Commitment{
				ServerSlug:    s.serverSlug,
				CommitmentHex: canonical,
				RoleCode:      roleCode,
				NodeID:        nodeID,
				IdentityID:    identityID,
			}); err != nil {
				return err
			}
			if err := s.repos.Registry.InsertLeaf(ctx, tx, &database.MerkleLeaf{
				ServerSlug:    s.serverSlug,
				LeafIndex:     ar.LeafIndex,
				CommitmentHex: canonical,
			}); err != nil {
				return err
			}
			if err := s.repos.Registry.RotateActiveRoot(ctx, tx, s.serverSlug, ar.RootHex); err != nil {
				return err
			}

			payload, _ := json.Marshal(map[string]interface{}{
				"commitment": canonical,
				"leaf_index": ar.LeafIndex,
				"root":       ar.RootHex,
				"role_code":  roleCode,
			})
			_, err := s.repos.Events.Append(ctx, tx, &database.Event{
				ServerSlug: s.serverSlug,
				Domain:     database.DomainIdentity,
				EventType:  "registered",
				EntityType: "commitment",
				EntityID:   identityID,
				Payload:    string(payload),
			})
			return err
		})
	})
	if err != nil {
		return nil, s.mapRegistryError(err)
	}

	result = &RegisterResult{
		IdentityID: identityID,
		LeafIndex:  res.LeafIndex,
		RootHex:    res.RootHex,
		Path:       res.Path,
	}
	s.logger.Printf("Registered commitment %s... at leaf %d", canonical[:12], res.LeafIndex)
	return result, nil
}

// VerifyRequest carries the membership proof submission.
type VerifyRequest struct {
	RootHex       string
	CommitmentHex string
	Topic         string
	Proof         *zk.Proof
	PublicSignals []string
}

// VerifyResult is returned on successful activation.
type VerifyResult struct {
	PseudonymID string
}

// VerifyMembership checks the proof against a historical root, burns the
// per-topic nullifier and activates the pseudonym's platform identity.
func (s *Service) VerifyMembership(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	root, err := field.ParseHex(req.RootHex)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "root: %v", err)
	}
	commitment, err := field.ParseHex(req.CommitmentHex)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "commitment: %v", err)
	}
	if err := pseudonym.ValidateTopic(req.Topic); err != nil {
		return nil, errkind.New(errkind.InvalidInput, "%v", err)
	}
	canonicalRoot := field.ToHex(root)
	canonicalCommitment := field.ToHex(commitment)

	// The claimed root must be one this server actually produced, active
	// or retired.
	known, err := s.repos.Registry.RootExists(ctx, s.serverSlug, canonicalRoot)
	if err != nil {
		return nil, s.storeError(err)
	}
	if !known {
		return nil, errkind.New(errkind.UnknownRoot, "root %s was never produced by this server", canonicalRoot)
	}

	// Public signals must literally restate [root, commitment], modulo
	// decimal/hex normalisation.
	signals, err := zk.ParseSignals(req.PublicSignals)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "public signals: %v", err)
	}
	if signals[0].Cmp(root) != 0 || signals[1].Cmp(commitment) != 0 {
		return nil, errkind.New(errkind.PublicSignalMismatch,
			"public signals do not match the claimed root and commitment")
	}

	if err := s.verifier.Verify(req.Proof, signals); err != nil {
		return nil, errkind.New(errkind.InvalidProof, "%v", err)
	}

	nullifierHex, pseudonymID, err := pseudonym.Derive(canonicalCommitment, req.Topic)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "%v", err)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repos.Identities.InsertNullifier(ctx, tx, &database.Nullifier{
			ServerSlug:    s.serverSlug,
			Topic:         req.Topic,
			NullifierHex:  nullifierHex,
			PseudonymID:   pseudonymID,
			CommitmentHex: canonicalCommitment,
		}); err != nil {
			return err
		}

		// Participant type is fixed by the commitment's declared role.
		com, err := s.repos.Registry.GetCommitment(ctx, tx, s.serverSlug, canonicalCommitment)
		if err != nil {
			return err
		}
		participantType, ok := database.ParticipantTypeForRole(com.RoleCode)
		if !ok {
			return fmt.Errorf("commitment carries unknown role code %d", com.RoleCode)
		}

		var caps database.Capabilities
		count, err := s.repos.Identities.CountPlatformIdentities(ctx, tx, s.serverSlug)
		if err != nil {
			return err
		}
		if count == 0 {
			// First identity of the server is auto-promoted; bridge stays
			// explicit.
			caps = database.FounderCapabilities()
		}
		if err := s.repos.Identities.UpsertPlatformIdentity(ctx, tx, &database.PlatformIdentity{
			ServerSlug:      s.serverSlug,
			PseudonymID:     pseudonymID,
			ParticipantType: participantType,
			Capabilities:    caps,
			Active:          true,
		}); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"pseudonym_id": pseudonymID,
			"topic":        req.Topic,
			"root":         canonicalRoot,
		})
		_, err = s.repos.Events.Append(ctx, tx, &database.Event{
			ServerSlug: s.serverSlug,
			Domain:     database.DomainIdentity,
			EventType:  "activated",
			EntityType: "pseudonym",
			EntityID:   pseudonymID,
			Payload:    string(payload),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, database.ErrNullifierReplay) {
			return nil, errkind.New(errkind.NullifierReplay,
				"nullifier already spent for topic %s", req.Topic)
		}
		if errors.Is(err, database.ErrNotFound) {
			// Valid proof over a commitment this server never registered.
			return nil, errkind.New(errkind.InvalidInput,
				"commitment %s is not registered", canonicalCommitment)
		}
		return nil, s.storeError(err)
	}

	s.logger.Printf("Activated pseudonym %s... on %s", pseudonymID[:12], req.Topic)
	return &VerifyResult{PseudonymID: pseudonymID}, nil
}

// GetPath returns the current authentication path for a registered
// commitment, used by clients to refresh paths before proof generation.
func (s *Service) GetPath(ctx context.Context, commitmentHex string) (*merkle.Path, error) {
	commitment, err := field.ParseHex(commitmentHex)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "commitment: %v", err)
	}
	idx, ok := s.registry.IndexOf(field.ToHex(commitment))
	if !ok {
		return nil, errkind.New(errkind.NotFound, "commitment is not registered")
	}
	path, err := s.registry.PathFor(idx)
	if err != nil {
		return nil, errkind.New(errkind.NotFound, "commitment is not registered")
	}
	return path, nil
}

// LeafIndexOf resolves a commitment to its leaf index.
func (s *Service) LeafIndexOf(commitmentHex string) (int64, bool) {
	return s.registry.IndexOf(commitmentHex)
}

// ActiveRootHex returns the current active root.
func (s *Service) ActiveRootHex() string {
	return s.registry.ActiveRootHex()
}

// LeafCount returns the number of registered commitments.
func (s *Service) LeafCount() int64 {
	return s.registry.LeafCount()
}

// Restore rebuilds the in-memory registry from the durable leaf set and
// cross-checks the recomputed root against the stored active root.
func (s *Service) Restore(ctx context.Context) error {
	leaves, err := s.repos.Registry.ListLeaves(ctx, s.serverSlug)
	if err != nil {
		return err
	}
	if err := s.registry.Restore(leaves); err != nil {
		return err
	}
	if len(leaves) == 0 {
		return nil
	}
	stored, err := s.repos.Registry.ActiveRoot(ctx, s.serverSlug)
	if err != nil {
		return err
	}
	if got := s.registry.ActiveRootHex(); got != stored.RootHex {
		return fmt.Errorf("restored root %s does not match stored active root %s", got, stored.RootHex)
	}
	s.logger.Printf("Restored %d leaves, root %s...", len(leaves), stored.RootHex[:12])
	return nil
}

func (s *Service) mapRegistryError(err error) error {
	switch {
	case errors.Is(err, merkle.ErrDuplicateLeaf), errors.Is(err, database.ErrDuplicateCommitment):
		return errkind.New(errkind.DuplicateCommitment, "commitment already registered")
	case errors.Is(err, merkle.ErrCapacityExceeded):
		return errkind.New(errkind.CapacityExceeded, "merkle registry is full")
	default:
		return s.storeError(err)
	}
}

func (s *Service) storeError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.New(errkind.Timeout, "operation deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return errkind.New(errkind.Timeout, "operation cancelled")
	}
	s.logger.Printf("store error: %v", err)
	return errkind.New(errkind.ServiceUnavailable, "store unavailable")
}
