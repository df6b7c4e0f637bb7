// Copyright 2026 Annex Project
//
// Event Repository - the public event log.
// seq is assigned MAX(seq)+1 per server inside the caller's transaction, so
// the sequence is gap-free and consistent with commit order.

package database

import (
	"context"
	"fmt"
	"time"
)

// EventRepository persists the public event log.
type EventRepository struct {
	client *Client
}

// NewEventRepository creates a new event repository.
func NewEventRepository(client *Client) *EventRepository {
	return &EventRepository{client: client}
}

// Append assigns the next seq and writes the event. Must run inside the
// same transaction as the domain mutation it describes.
func (r *EventRepository) Append(ctx context.Context, q Querier, e *Event) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM public_event_log
		WHERE server_slug = ?`, e.ServerSlug,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to assign event seq: %w", err)
	}

	payload := e.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO public_event_log (server_slug, domain, event_type, entity_type, entity_id, seq, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ServerSlug, e.Domain, e.EventType, e.EntityType, e.EntityID, seq, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return seq, nil
}

// List reads events after a seq checkpoint, optionally filtered by domain.
func (r *EventRepository) List(ctx context.Context, serverSlug, domain string, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, server_slug, domain, event_type, entity_type, entity_id, seq, payload, occurred_at
		FROM public_event_log
		WHERE server_slug = ? AND seq > ?`
	args := []interface{}{serverSlug, afterSeq}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.client.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.ServerSlug, &e.Domain, &e.EventType, &e.EntityType,
			&e.EntityID, &e.Seq, &e.Payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SweepOlderThan deletes events past the retention horizon.
func (r *EventRepository) SweepOlderThan(ctx context.Context, serverSlug string, cutoff time.Time) (int64, error) {
	res, err := r.client.db.ExecContext(ctx, `
		DELETE FROM public_event_log
		WHERE server_slug = ? AND occurred_at < ?`, serverSlug, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep events: %w", err)
	}
	return res.RowsAffected()
}
