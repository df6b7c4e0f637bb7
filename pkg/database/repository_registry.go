// Copyright 2026 Annex Project
//
// Registry Repository - commitments, merkle leaves and root history.
// Leaves and roots are append-only; exactly one root row is active.

package database

import (
	"context"
	"fmt"
)

// RegistryRepository persists the commitment registry.
type RegistryRepository struct {
	client *Client
}

// NewRegistryRepository creates a new registry repository.
func NewRegistryRepository(client *Client) *RegistryRepository {
	return &RegistryRepository{client: client}
}

// InsertCommitment records the commitment row. The (server, commitment)
// primary key turns re-registration into ErrDuplicateCommitment.
func (r *RegistryRepository) InsertCommitment(ctx context.Context, q Querier, c *Commitment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO zk_commitments (server_slug, commitment_hex, role_code, node_id, identity_id)
		VALUES (?, ?, ?, ?, ?)`,
		c.ServerSlug, c.CommitmentHex, c.RoleCode, c.NodeID, c.IdentityID)
	if IsUniqueViolation(err) {
		return ErrDuplicateCommitment
	}
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

// GetCommitment loads a commitment row.
func (r *RegistryRepository) GetCommitment(ctx context.Context, q Querier, serverSlug, commitmentHex string) (*Commitment, error) {
	c := &Commitment{}
	err := q.QueryRowContext(ctx, `
		SELECT server_slug, commitment_hex, role_code, node_id, identity_id, created_at
		FROM zk_commitments
		WHERE server_slug = ? AND commitment_hex = ?`,
		serverSlug, commitmentHex,
	).Scan(&c.ServerSlug, &c.CommitmentHex, &c.RoleCode, &c.NodeID, &c.IdentityID, &c.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return c, nil
}

// InsertLeaf appends a merkle leaf record.
func (r *RegistryRepository) InsertLeaf(ctx context.Context, q Querier, leaf *MerkleLeaf) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO merkle_leaves (server_slug, leaf_index, commitment_hex)
		VALUES (?, ?, ?)`,
		leaf.ServerSlug, leaf.LeafIndex, leaf.CommitmentHex)
	if IsUniqueViolation(err) {
		return ErrDuplicateCommitment
	}
	if err != nil {
		return fmt.Errorf("failed to insert leaf: %w", err)
	}
	return nil
}

// ListLeaves returns all leaves of a server in leaf order, for registry
// restore after restart.
func (r *RegistryRepository) ListLeaves(ctx context.Context, serverSlug string) ([]string, error) {
	rows, err := r.client.db.QueryContext(ctx, `
		SELECT commitment_hex FROM merkle_leaves
		WHERE server_slug = ?
		ORDER BY leaf_index ASC`, serverSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaves: %w", err)
	}
	defer rows.Close()

	var leaves []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan leaf: %w", err)
		}
		leaves = append(leaves, c)
	}
	return leaves, rows.Err()
}

// RotateActiveRoot retires the current active root and appends the new one
// as active, inside the caller's transaction.
func (r *RegistryRepository) RotateActiveRoot(ctx context.Context, q Querier, serverSlug, rootHex string) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE merkle_roots SET active = 0
		WHERE server_slug = ? AND active = 1`, serverSlug); err != nil {
		return fmt.Errorf("failed to retire active root: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO merkle_roots (server_slug, root_hex, active)
		VALUES (?, ?, 1)`, serverSlug, rootHex); err != nil {
		return fmt.Errorf("failed to insert active root: %w", err)
	}
	return nil
}

// ActiveRoot returns the single active root.
func (r *RegistryRepository) ActiveRoot(ctx context.Context, serverSlug string) (*MerkleRoot, error) {
	root := &MerkleRoot{}
	err := r.client.db.QueryRowContext(ctx, `
		SELECT id, server_slug, root_hex, active, created_at
		FROM merkle_roots
		WHERE server_slug = ? AND active = 1`, serverSlug,
	).Scan(&root.ID, &root.ServerSlug, &root.RootHex, &root.Active, &root.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active root: %w", err)
	}
	return root, nil
}

// RootExists reports whether a root appears anywhere in the server's root
// history, active or retired. Proofs verify against any historical root.
func (r *RegistryRepository) RootExists(ctx context.Context, serverSlug, rootHex string) (bool, error) {
	var n int
	err := r.client.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM merkle_roots
		WHERE server_slug = ? AND root_hex = ?`, serverSlug, rootHex,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check root: %w", err)
	}
	return n > 0, nil
}

// CountRoots returns (total, retired) root counts, used by invariant tests.
func (r *RegistryRepository) CountRoots(ctx context.Context, serverSlug string) (total, retired int, err error) {
	err = r.client.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(CASE WHEN active = 0 THEN 1 ELSE 0 END), 0)
		FROM merkle_roots WHERE server_slug = ?`, serverSlug,
	).Scan(&total, &retired)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count roots: %w", err)
	}
	return total, retired, nil
}
