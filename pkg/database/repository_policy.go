// Copyright 2026 Annex Project
//
// Policy & Server Repository - the server row and its immutable policy
// version chain. Readers always load the latest version.

package database

import (
	"context"
	"fmt"
	"time"
)

// PolicyRepository persists server rows and policy versions.
type PolicyRepository struct {
	client *Client
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(client *Client) *PolicyRepository {
	return &PolicyRepository{client: client}
}

// EnsureServer creates the server row at bootstrap if it does not exist.
func (r *PolicyRepository) EnsureServer(ctx context.Context, s *Server) error {
	_, err := r.client.db.ExecContext(ctx, `
		INSERT INTO servers (slug, label, public_key)
		VALUES (?, ?, ?)
		ON CONFLICT (slug) DO NOTHING`, s.Slug, s.Label, s.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to ensure server: %w", err)
	}
	return nil
}

// GetServer loads the server row.
func (r *PolicyRepository) GetServer(ctx context.Context, slug string) (*Server, error) {
	s := &Server{}
	err := r.client.db.QueryRowContext(ctx, `
		SELECT slug, label, public_key, created_at FROM servers WHERE slug = ?`, slug,
	).Scan(&s.Slug, &s.Label, &s.PublicKey, &s.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return s, nil
}

// AppendPolicyVersion records a new immutable snapshot.
func (r *PolicyRepository) AppendPolicyVersion(ctx context.Context, q Querier, v *PolicyVersion) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO server_policy_versions (version_id, server_slug, body)
		VALUES (?, ?, ?)`, v.VersionID, v.ServerSlug, v.Body)
	if err != nil {
		return fmt.Errorf("failed to append policy version: %w", err)
	}
	return nil
}

// LatestPolicyVersion returns the most recent snapshot.
func (r *PolicyRepository) LatestPolicyVersion(ctx context.Context, serverSlug string) (*PolicyVersion, error) {
	v := &PolicyVersion{}
	err := r.client.db.QueryRowContext(ctx, `
		SELECT version_id, server_slug, body, created_at
		FROM server_policy_versions
		WHERE server_slug = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, serverSlug,
	).Scan(&v.VersionID, &v.ServerSlug, &v.Body, &v.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get latest policy version: %w", err)
	}
	return v, nil
}

// ============================================================================
// MESSAGE EXPIRY (the core owns only the indexed expires_at column)
// ============================================================================

// SweepExpiredMessages deletes message rows whose expiry has passed.
func (r *PolicyRepository) SweepExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.client.db.ExecContext(ctx, `
		DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired messages: %w", err)
	}
	return res.RowsAffected()
}
