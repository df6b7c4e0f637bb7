// Copyright 2026 Annex Project
//
// Federation Repository - remote instances, bilateral agreements and the
// attested-identity cache. Agreement transitions retire the previous active
// row and insert a fresh one in the same transaction, keeping full history.

package database

import (
	"context"
	"fmt"
	"time"
)

// FederationRepository persists federation state.
type FederationRepository struct {
	client *Client
}

// NewFederationRepository creates a new federation repository.
func NewFederationRepository(client *Client) *FederationRepository {
	return &FederationRepository{client: client}
}

// ============================================================================
// INSTANCES
// ============================================================================

// CreateInstance registers a remote server.
func (r *FederationRepository) CreateInstance(ctx context.Context, inst *Instance) error {
	_, err := r.client.db.ExecContext(ctx, `
		INSERT INTO instances (id, base_url, public_key, label, status, verifying_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.BaseURL, inst.PublicKey, inst.Label, inst.Status, nullable(inst.VerifyingKey))
	if IsUniqueViolation(err) {
		return fmt.Errorf("instance with base_url %s already exists", inst.BaseURL)
	}
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance loads an instance by id.
func (r *FederationRepository) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst := &Instance{}
	var vk *string
	err := r.client.db.QueryRowContext(ctx, `
		SELECT id, base_url, public_key, label, status, verifying_key, created_at
		FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.BaseURL, &inst.PublicKey, &inst.Label, &inst.Status, &vk, &inst.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	if vk != nil {
		inst.VerifyingKey = *vk
	}
	return inst, nil
}

// ListInstances returns every known instance.
func (r *FederationRepository) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := r.client.db.QueryContext(ctx, `
		SELECT id, base_url, public_key, label, status, verifying_key, created_at
		FROM instances ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst := &Instance{}
		var vk *string
		if err := rows.Scan(&inst.ID, &inst.BaseURL, &inst.PublicKey, &inst.Label,
			&inst.Status, &vk, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		if vk != nil {
			inst.VerifyingKey = *vk
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ============================================================================
// AGREEMENTS
// ============================================================================

// TransitionAgreement retires any active agreement for (server, instance)
// and inserts the new row as active, inside the caller's transaction.
func (r *FederationRepository) TransitionAgreement(ctx context.Context, q Querier, a *FederationAgreement) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE federation_agreements
		SET active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE server_slug = ? AND instance_id = ? AND active = 1`,
		a.ServerSlug, a.InstanceID); err != nil {
		return fmt.Errorf("failed to retire active agreement: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO federation_agreements
			(id, server_slug, instance_id, alignment_status, transfer_scope, agreement_body, active)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		a.ID, a.ServerSlug, a.InstanceID, a.AlignmentStatus, a.TransferScope, a.AgreementBody); err != nil {
		return fmt.Errorf("failed to insert agreement: %w", err)
	}
	return nil
}

// GetActiveAgreement returns the single active agreement for a peer.
func (r *FederationRepository) GetActiveAgreement(ctx context.Context, serverSlug, instanceID string) (*FederationAgreement, error) {
	a := &FederationAgreement{}
	err := r.client.db.QueryRowContext(ctx, `
		SELECT id, server_slug, instance_id, alignment_status, transfer_scope,
		       agreement_body, active, created_at, updated_at
		FROM federation_agreements
		WHERE server_slug = ? AND instance_id = ? AND active = 1`,
		serverSlug, instanceID,
	).Scan(&a.ID, &a.ServerSlug, &a.InstanceID, &a.AlignmentStatus, &a.TransferScope,
		&a.AgreementBody, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrAgreementNotFound
		}
		return nil, fmt.Errorf("failed to get active agreement: %w", err)
	}
	return a, nil
}

// CountAgreements returns (total, active) agreement rows for a peer.
func (r *FederationRepository) CountAgreements(ctx context.Context, serverSlug, instanceID string) (total, active int, err error) {
	err = r.client.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(active), 0)
		FROM federation_agreements
		WHERE server_slug = ? AND instance_id = ?`, serverSlug, instanceID,
	).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count agreements: %w", err)
	}
	return total, active, nil
}

// ============================================================================
// FEDERATED IDENTITIES
// ============================================================================

// UpsertFederatedIdentity records (or refreshes) an attested remote
// pseudonym. last_verified_at is always set explicitly by the caller; the
// column default is only a backstop.
func (r *FederationRepository) UpsertFederatedIdentity(ctx context.Context, q Querier, fi *FederatedIdentity) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO federated_identities
			(id, server_slug, instance_id, commitment_hex, pseudonym_id, vrp_topic,
			 root_hex_at_verification, proof_json, public_signals, last_verified_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_slug, instance_id, vrp_topic, pseudonym_id) DO UPDATE SET
			commitment_hex = excluded.commitment_hex,
			root_hex_at_verification = excluded.root_hex_at_verification,
			proof_json = excluded.proof_json,
			public_signals = excluded.public_signals,
			last_verified_at = excluded.last_verified_at,
			expires_at = excluded.expires_at`,
		fi.ID, fi.ServerSlug, fi.InstanceID, fi.CommitmentHex, fi.PseudonymID, fi.VRPTopic,
		fi.RootHexAtVerification, fi.ProofJSON, fi.PublicSignals, fi.LastVerifiedAt, fi.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert federated identity: %w", err)
	}
	return nil
}

// GetFederatedIdentity loads a cached remote pseudonym.
func (r *FederationRepository) GetFederatedIdentity(ctx context.Context, serverSlug, instanceID, vrpTopic, pseudonymID string) (*FederatedIdentity, error) {
	fi := &FederatedIdentity{}
	err := r.client.db.QueryRowContext(ctx, `
		SELECT id, server_slug, instance_id, commitment_hex, pseudonym_id, vrp_topic,
		       root_hex_at_verification, proof_json, public_signals,
		       last_verified_at, expires_at, created_at
		FROM federated_identities
		WHERE server_slug = ? AND instance_id = ? AND vrp_topic = ? AND pseudonym_id = ?`,
		serverSlug, instanceID, vrpTopic, pseudonymID,
	).Scan(&fi.ID, &fi.ServerSlug, &fi.InstanceID, &fi.CommitmentHex, &fi.PseudonymID, &fi.VRPTopic,
		&fi.RootHexAtVerification, &fi.ProofJSON, &fi.PublicSignals,
		&fi.LastVerifiedAt, &fi.ExpiresAt, &fi.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrFederatedIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get federated identity: %w", err)
	}
	return fi, nil
}

// TouchFederatedIdentity refreshes the verification timestamps after a
// successful re-verification.
func (r *FederationRepository) TouchFederatedIdentity(ctx context.Context, id string, verifiedAt time.Time, expiresAt *time.Time) error {
	_, err := r.client.db.ExecContext(ctx, `
		UPDATE federated_identities
		SET last_verified_at = ?, expires_at = ?
		WHERE id = ?`, verifiedAt, expiresAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch federated identity: %w", err)
	}
	return nil
}

// DeleteFederatedIdentity removes a cache entry that failed re-verification.
func (r *FederationRepository) DeleteFederatedIdentity(ctx context.Context, id string) error {
	_, err := r.client.db.ExecContext(ctx, `
		DELETE FROM federated_identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete federated identity: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
