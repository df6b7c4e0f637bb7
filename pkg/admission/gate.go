// Copyright 2026 Annex Project
//
// Capability gate. Mutating operations require can_moderate; federation
// writes require can_federate. The gate reads the platform identity at
// call time, never from a cache, so capability edits apply immediately.

package admission

import (
	"context"
	"errors"

	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
)

// Capability names accepted by the gate.
const (
	CapModerate = "moderate"
	CapFederate = "federate"
	CapVoice    = "voice"
	CapInvite   = "invite"
	CapBridge   = "bridge"
)

// Gate checks caller capabilities against live platform identities.
type Gate struct {
	serverSlug string
	repos      *database.Repositories
}

// NewGate creates a capability gate.
func NewGate(serverSlug string, repos *database.Repositories) *Gate {
	return &Gate{serverSlug: serverSlug, repos: repos}
}

// Require fails unless the pseudonym holds the named capability on an
// active platform identity.
func (g *Gate) Require(ctx context.Context, pseudonymID, capability string) error {
	if pseudonymID == "" {
		return errkind.New(errkind.Forbidden, "caller pseudonym is required")
	}
	id, err := g.repos.Identities.GetPlatformIdentity(ctx, g.serverSlug, pseudonymID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errkind.New(errkind.Forbidden, "caller has no platform identity")
		}
		return errkind.New(errkind.ServiceUnavailable, "store unavailable")
	}
	if !id.Active {
		return errkind.New(errkind.Forbidden, "caller identity is inactive")
	}

	var held bool
	switch capability {
	case CapModerate:
		held = id.Capabilities.CanModerate
	case CapFederate:
		held = id.Capabilities.CanFederate
	case CapVoice:
		held = id.Capabilities.CanVoice
	case CapInvite:
		held = id.Capabilities.CanInvite
	case CapBridge:
		held = id.Capabilities.CanBridge
	default:
		return errkind.New(errkind.Forbidden, "unknown capability %q", capability)
	}
	if !held {
		return errkind.New(errkind.Forbidden, "caller lacks can_%s", capability)
	}
	return nil
}
