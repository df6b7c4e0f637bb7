// Copyright 2026 Annex Project
//
// Identity Repository - nullifier plane and platform identities.
// Nullifiers are append-only; the (server, topic, nullifier) primary key is
// the replay-protection invariant of the ZK plane.

package database

import (
	"context"
	"fmt"
)

// IdentityRepository persists nullifiers and platform identities.
type IdentityRepository struct {
	client *Client
}

// NewIdentityRepository creates a new identity repository.
func NewIdentityRepository(client *Client) *IdentityRepository {
	return &IdentityRepository{client: client}
}

// InsertNullifier records a spent nullifier. A uniqueness hit on
// (server, topic, nullifier) maps to ErrNullifierReplay.
func (r *IdentityRepository) InsertNullifier(ctx context.Context, q Querier, n *Nullifier) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO zk_nullifiers (server_slug, topic, nullifier_hex, pseudonym_id, commitment_hex)
		VALUES (?, ?, ?, ?, ?)`,
		n.ServerSlug, n.Topic, n.NullifierHex, n.PseudonymID, n.CommitmentHex)
	if IsUniqueViolation(err) {
		return ErrNullifierReplay
	}
	if err != nil {
		return fmt.Errorf("failed to insert nullifier: %w", err)
	}
	return nil
}

// CommitmentForPseudonym resolves pseudonym -> commitment through the
// denormalised nullifier columns (indexed, O(1) for federation relay).
func (r *IdentityRepository) CommitmentForPseudonym(ctx context.Context, serverSlug, pseudonymID string) (string, error) {
	var commitment string
	err := r.client.db.QueryRowContext(ctx, `
		SELECT commitment_hex FROM zk_nullifiers
		WHERE server_slug = ? AND pseudonym_id = ?
		LIMIT 1`, serverSlug, pseudonymID,
	).Scan(&commitment)
	if err != nil {
		if isNoRows(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve pseudonym: %w", err)
	}
	return commitment, nil
}

// CountNullifiers returns the nullifier count for a topic, used by tests.
func (r *IdentityRepository) CountNullifiers(ctx context.Context, serverSlug, topic string) (int, error) {
	var n int
	err := r.client.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM zk_nullifiers
		WHERE server_slug = ? AND topic = ?`, serverSlug, topic,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count nullifiers: %w", err)
	}
	return n, nil
}

// UpsertPlatformIdentity creates the identity row if missing. An existing
// row keeps its capability bits; activation per additional topic is not a
// capability event.
func (r *IdentityRepository) UpsertPlatformIdentity(ctx context.Context, q Querier, id *PlatformIdentity) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO platform_identities
			(server_slug, pseudonym_id, participant_type,
			 can_voice, can_moderate, can_invite, can_federate, can_bridge, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_slug, pseudonym_id) DO NOTHING`,
		id.ServerSlug, id.PseudonymID, id.ParticipantType,
		id.Capabilities.CanVoice, id.Capabilities.CanModerate, id.Capabilities.CanInvite,
		id.Capabilities.CanFederate, id.Capabilities.CanBridge, id.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert platform identity: %w", err)
	}
	return nil
}

// GetPlatformIdentity loads one identity row.
func (r *IdentityRepository) GetPlatformIdentity(ctx context.Context, serverSlug, pseudonymID string) (*PlatformIdentity, error) {
	return r.getPlatformIdentity(ctx, r.client.db, serverSlug, pseudonymID)
}

// GetPlatformIdentityTx is the transaction-scoped variant.
func (r *IdentityRepository) GetPlatformIdentityTx(ctx context.Context, q Querier, serverSlug, pseudonymID string) (*PlatformIdentity, error) {
	return r.getPlatformIdentity(ctx, q, serverSlug, pseudonymID)
}

func (r *IdentityRepository) getPlatformIdentity(ctx context.Context, q Querier, serverSlug, pseudonymID string) (*PlatformIdentity, error) {
	id := &PlatformIdentity{}
	err := q.QueryRowContext(ctx, `
		SELECT server_slug, pseudonym_id, participant_type,
		       can_voice, can_moderate, can_invite, can_federate, can_bridge,
		       active, created_at
		FROM platform_identities
		WHERE server_slug = ? AND pseudonym_id = ?`, serverSlug, pseudonymID,
	).Scan(&id.ServerSlug, &id.PseudonymID, &id.ParticipantType,
		&id.Capabilities.CanVoice, &id.Capabilities.CanModerate, &id.Capabilities.CanInvite,
		&id.Capabilities.CanFederate, &id.Capabilities.CanBridge,
		&id.Active, &id.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get platform identity: %w", err)
	}
	return id, nil
}

// CountPlatformIdentities returns how many identities a server holds; the
// first identity is auto-promoted by the activation service.
func (r *IdentityRepository) CountPlatformIdentities(ctx context.Context, q Querier, serverSlug string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM platform_identities WHERE server_slug = ?`, serverSlug,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count platform identities: %w", err)
	}
	return n, nil
}

// UpdateCapabilities toggles the fixed capability record of an identity.
func (r *IdentityRepository) UpdateCapabilities(ctx context.Context, q Querier, serverSlug, pseudonymID string, caps Capabilities) error {
	res, err := q.ExecContext(ctx, `
		UPDATE platform_identities
		SET can_voice = ?, can_moderate = ?, can_invite = ?, can_federate = ?, can_bridge = ?
		WHERE server_slug = ? AND pseudonym_id = ?`,
		caps.CanVoice, caps.CanModerate, caps.CanInvite, caps.CanFederate, caps.CanBridge,
		serverSlug, pseudonymID)
	if err != nil {
		return fmt.Errorf("failed to update capabilities: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
