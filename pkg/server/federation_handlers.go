// Copyright 2026 Annex Project
//
// Federation API Handlers
// handshake / attest_identity / instance registry. Registering an instance
// is capability-gated on can_federate; handshake and attest_identity are
// not capability-gated.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/seismicgear/annex/pkg/admission"
	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/federation"
	"github.com/seismicgear/annex/pkg/zk"
)

type handshakeRequest struct {
	InstanceID         string                        `json:"instance_id"`
	AnchorSnapshot     federation.AnchorSnapshot     `json:"anchor_snapshot"`
	CapabilityContract federation.CapabilityContract `json:"capability_contract"`
}

// handleHandshake handles POST /api/v1/federation/handshake.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed request body"))
		return
	}
	if req.InstanceID == "" {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "instance_id is required"))
		return
	}

	report, err := s.engine.Handshake(r.Context(), req.InstanceID, &federation.HandshakePayload{
		AnchorSnapshot:     req.AnchorSnapshot,
		CapabilityContract: req.CapabilityContract,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alignment_status": report.AlignmentStatus,
		"transfer_scope":   report.TransferScope.String(),
		"agreement_id":     report.AgreementID,
	})
}

type attestIdentityRequest struct {
	RemoteInstanceID string    `json:"remote_instance_id"`
	CommitmentHex    string    `json:"commitmentHex"`
	VRPTopic         string    `json:"vrpTopic"`
	Proof            *zk.Proof `json:"proof"`
	PublicSignals    []string  `json:"publicSignals"`
	RemoteRootHex    string    `json:"remoteRootHex"`
}

// handleAttestIdentity handles POST /api/v1/federation/attest_identity.
func (s *Server) handleAttestIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req attestIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed request body"))
		return
	}
	if req.Proof == nil {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "proof is required"))
		return
	}

	pid, err := s.cache.AttestIdentity(r.Context(), &federation.AttestRequest{
		InstanceID:    req.RemoteInstanceID,
		CommitmentHex: req.CommitmentHex,
		VRPTopic:      req.VRPTopic,
		Proof:         req.Proof,
		PublicSignals: req.PublicSignals,
		RemoteRootHex: req.RemoteRootHex,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pseudonymId": pid})
}

type createInstanceRequest struct {
	BaseURL      string `json:"base_url"`
	PublicKey    string `json:"public_key"`
	Label        string `json:"label"`
	VerifyingKey string `json:"verifying_key"`
}

// handleInstances handles GET and POST /api/v1/instances.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		instances, err := s.repos.Federation.ListInstances(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		// Never echo stored verifying key material on the listing.
		for _, inst := range instances {
			inst.VerifyingKey = ""
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances})

	case http.MethodPost:
		if err := s.gate.Require(r.Context(), callerPseudonym(r), admission.CapFederate); err != nil {
			s.writeErr(w, err)
			return
		}
		var req createInstanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed request body"))
			return
		}
		if req.BaseURL == "" || req.PublicKey == "" {
			s.writeErr(w, errkind.New(errkind.InvalidInput, "base_url and public_key are required"))
			return
		}
		inst := &database.Instance{
			ID:           uuid.NewString(),
			BaseURL:      req.BaseURL,
			PublicKey:    req.PublicKey,
			Label:        req.Label,
			Status:       "known",
			VerifyingKey: req.VerifyingKey,
		}
		if err := s.repos.Federation.CreateInstance(r.Context(), inst); err != nil {
			s.writeErr(w, errkind.New(errkind.InvalidInput, "%v", err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": inst.ID})

	default:
		s.methodNotAllowed(w)
	}
}
