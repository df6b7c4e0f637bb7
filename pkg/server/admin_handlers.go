// Copyright 2026 Annex Project
//
// Admin API Handlers
// Event log reads, policy versioning and capability edits. Mutations are
// gated on can_moderate, read live from platform identities.

package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/seismicgear/annex/pkg/admission"
	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
)

// handleEvents handles GET /api/v1/events?domain=&after_seq=&limit=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	afterSeq, _ := strconv.ParseInt(q.Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	domain := q.Get("domain")
	switch domain {
	case "", database.DomainIdentity, database.DomainPresence, database.DomainFederation,
		database.DomainAgent, database.DomainModeration:
	default:
		s.writeErr(w, errkind.New(errkind.InvalidInput, "unknown event domain %q", domain))
		return
	}

	events, err := s.repos.Events.List(r.Context(), s.serverSlug, domain, afterSeq, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if events == nil {
		events = []*database.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handlePolicy handles GET and POST /api/v1/policy.
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.policyFn())

	case http.MethodPost:
		if err := s.gate.Require(r.Context(), callerPseudonym(r), admission.CapModerate); err != nil {
			s.writeErr(w, err)
			return
		}
		// Updates derive from the current snapshot; omitted fields keep
		// their prior values.
		next := s.policyFn().Clone()
		if err := json.NewDecoder(r.Body).Decode(next); err != nil {
			s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed policy body"))
			return
		}
		if err := next.Validate(); err != nil {
			s.writeErr(w, errkind.New(errkind.InvalidInput, "%v", err))
			return
		}
		if err := s.setPolicy(next); err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.policyFn())

	default:
		s.methodNotAllowed(w)
	}
}

type capabilityEditRequest struct {
	Capabilities database.Capabilities `json:"capabilities"`
}

// handleIdentities handles POST /api/v1/identities/{pseudonymId}/capabilities.
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/identities/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		id, err := s.repos.Identities.GetPlatformIdentity(r.Context(), s.serverSlug, parts[0])
		if err != nil {
			s.writeErr(w, errkind.New(errkind.NotFound, "identity not found"))
			return
		}
		s.writeJSON(w, http.StatusOK, id)

	case len(parts) == 2 && parts[1] == "capabilities" && r.Method == http.MethodPost:
		if err := s.gate.Require(r.Context(), callerPseudonym(r), admission.CapModerate); err != nil {
			s.writeErr(w, err)
			return
		}
		var req capabilityEditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed request body"))
			return
		}
		if err := s.updateCapabilities(r, parts[0], req.Capabilities); err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})

	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) updateCapabilities(r *http.Request, pseudonymID string, caps database.Capabilities) error {
	return s.repos.Client().WithTx(r.Context(), func(tx *sql.Tx) error {
		if err := s.repos.Identities.UpdateCapabilities(r.Context(), tx, s.serverSlug, pseudonymID, caps); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return errkind.New(errkind.NotFound, "identity not found")
			}
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"pseudonym_id": pseudonymID,
			"capabilities": caps,
			"edited_by":    callerPseudonym(r),
		})
		_, err := s.repos.Events.Append(r.Context(), tx, &database.Event{
			ServerSlug: s.serverSlug,
			Domain:     database.DomainModeration,
			EventType:  "capabilities_updated",
			EntityType: "platform_identity",
			EntityID:   pseudonymID,
			Payload:    string(payload),
		})
		return err
	})
}
