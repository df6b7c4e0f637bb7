// Copyright 2026 Annex Project
//
// Federation Handshake Engine
// Re-entrant bilateral agreement state machine. Every transition writes a
// fresh active agreement row, retires the previous one, and emits a
// FEDERATION/handshake event, all in one transaction.

package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/policy"
)

// DefaultHandshakeTimeout bounds one handshake round.
const DefaultHandshakeTimeout = 10 * time.Second

// Engine runs the handshake state machine for one server.
type Engine struct {
	serverSlug string
	store      *database.Client
	repos      *database.Repositories
	policyFn   func() *policy.Policy
	logger     *log.Logger
	timeout    time.Duration
	now        func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithHandshakeTimeout overrides the handshake deadline.
func WithHandshakeTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithEngineClock injects a clock, used by tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the handshake engine. policyFn returns the current
// policy snapshot; it is read once per handshake.
func NewEngine(serverSlug string, store *database.Client, repos *database.Repositories,
	policyFn func() *policy.Policy, opts ...EngineOption) *Engine {
	e := &Engine{
		serverSlug: serverSlug,
		store:      store,
		repos:      repos,
		policyFn:   policyFn,
		logger:     log.New(log.Writer(), "[Federation] ", log.LstdFlags),
		timeout:    DefaultHandshakeTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handshake processes one inbound VRP handshake from a known instance.
// Transitions are re-entrant: a Conflict peer may hand-shake again and land
// anywhere, treated as a fresh start.
func (e *Engine) Handshake(ctx context.Context, instanceID string, payload *HandshakePayload) (*HandshakeReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	pol := e.policyFn()
	if !pol.FederationEnabled {
		return nil, errkind.New(errkind.Forbidden, "federation is disabled by policy")
	}
	if payload == nil {
		return nil, errkind.New(errkind.InvalidInput, "missing handshake payload")
	}

	if _, err := e.repos.Federation.GetInstance(ctx, instanceID); err != nil {
		if errors.Is(err, database.ErrInstanceNotFound) {
			return nil, errkind.New(errkind.NotFound, "instance %s is not registered", instanceID)
		}
		return nil, e.storeError(err)
	}

	// Re-handshake floor: refuse rounds that arrive faster than the floor
	// to prevent agreement flapping.
	if prev, err := e.repos.Federation.GetActiveAgreement(ctx, e.serverSlug, instanceID); err == nil {
		elapsed := e.now().Sub(prev.CreatedAt)
		if floor := time.Duration(policy.RehandshakeFloorSeconds) * time.Second; elapsed < floor {
			retry := int((floor - elapsed).Seconds()) + 1
			return nil, &errkind.Error{
				Kind:              errkind.RateLimited,
				Message:           "re-handshake arrived before the cadence floor",
				RetryAfterSeconds: retry,
			}
		}
	} else if !errors.Is(err, database.ErrAgreementNotFound) {
		return nil, e.storeError(err)
	}

	alignment := CompareAlignment(pol, payload)
	scope, err := NegotiateScope(pol, payload, alignment)
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "%v", err)
	}

	report := &HandshakeReport{
		AgreementID:     uuid.NewString(),
		AlignmentStatus: alignment,
		TransferScope:   scope,
	}
	body, _ := json.Marshal(map[string]interface{}{
		"anchor_snapshot":     payload.AnchorSnapshot,
		"capability_contract": payload.CapabilityContract,
		"alignment_status":    alignment,
		"transfer_scope":      scope.String(),
	})

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.repos.Federation.TransitionAgreement(ctx, tx, &database.FederationAgreement{
			ID:              report.AgreementID,
			ServerSlug:      e.serverSlug,
			InstanceID:      instanceID,
			AlignmentStatus: string(alignment),
			TransferScope:   scope.String(),
			AgreementBody:   string(body),
		}); err != nil {
			return err
		}
		_, err := e.repos.Events.Append(ctx, tx, &database.Event{
			ServerSlug: e.serverSlug,
			Domain:     database.DomainFederation,
			EventType:  "handshake",
			EntityType: "agreement",
			EntityID:   report.AgreementID,
			Payload:    string(body),
		})
		return err
	})
	if err != nil {
		return nil, e.storeError(err)
	}

	e.logger.Printf("Handshake with %s: %s / %s", instanceID, alignment, scope)
	return report, nil
}

// NextRehandshakeAfter returns the policy-driven cadence, never below the
// 60 second floor.
func (e *Engine) NextRehandshakeAfter() time.Duration {
	pol := e.policyFn()
	seconds := pol.FederationRehandshakeMinSeconds
	if seconds < policy.RehandshakeFloorSeconds {
		seconds = policy.RehandshakeFloorSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (e *Engine) storeError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.New(errkind.Timeout, "handshake deadline exceeded")
	}
	e.logger.Printf("store error: %v", err)
	return errkind.New(errkind.ServiceUnavailable, "store unavailable")
}
