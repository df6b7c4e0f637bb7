// Copyright 2026 Annex Project
//
// Identity API Handlers
// register / path / root / verify_membership, with the exact wire field
// names of the external contract.

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/identity"
	"github.com/seismicgear/annex/pkg/merkle"
	"github.com/seismicgear/annex/pkg/zk"
)

type registerRequest struct {
	CommitmentHex string `json:"commitmentHex"`
	RoleCode      int    `json:"roleCode"`
	NodeID        int64  `json:"nodeId"`
}

type pathResponse struct {
	IdentityID    string   `json:"identityId,omitempty"`
	LeafIndex     int64    `json:"leafIndex"`
	RootHex       string   `json:"rootHex"`
	PathElements  []string `json:"pathElements"`
	PathIndexBits []int    `json:"pathIndexBits"`
}

// handleRegister handles POST /api/v1/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed request body"))
		return
	}

	res, err := s.identity.Register(r.Context(), req.CommitmentHex, req.RoleCode, req.NodeID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp := pathResponse{
		IdentityID: res.IdentityID,
		LeafIndex:  res.LeafIndex,
		RootHex:    res.RootHex,
	}
	resp.PathElements, resp.PathIndexBits = flattenPath(&res.Path)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetPath handles GET /api/v1/path/{commitmentHex}.
func (s *Server) handleGetPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	commitment := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/path/"), "/")
	if commitment == "" {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "commitment is required"))
		return
	}

	path, err := s.identity.GetPath(r.Context(), commitment)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	idx, _ := s.identity.LeafIndexOf(commitment)
	resp := pathResponse{LeafIndex: idx, RootHex: path.RootHex}
	resp.PathElements, resp.PathIndexBits = flattenPath(path)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRoot handles GET /api/v1/root.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rootHex":   s.identity.ActiveRootHex(),
		"treeDepth": merkle.Depth,
		"leafCount": s.identity.LeafCount(),
	})
}

type verifyMembershipRequest struct {
	Root          string    `json:"root"`
	Commitment    string    `json:"commitment"`
	Topic         string    `json:"topic"`
	Proof         *zk.Proof `json:"proof"`
	PublicSignals []string  `json:"publicSignals"`
}

// handleVerifyMembership handles POST /api/v1/verify_membership.
func (s *Server) handleVerifyMembership(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req verifyMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "malformed request body"))
		return
	}
	if req.Proof == nil {
		s.writeErr(w, errkind.New(errkind.InvalidInput, "proof is required"))
		return
	}

	res, err := s.identity.VerifyMembership(r.Context(), &identity.VerifyRequest{
		RootHex:       req.Root,
		CommitmentHex: req.Commitment,
		Topic:         req.Topic,
		Proof:         req.Proof,
		PublicSignals: req.PublicSignals,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"pseudonymId": res.PseudonymID,
	})
}

func flattenPath(p *merkle.Path) ([]string, []int) {
	elements := make([]string, merkle.Depth)
	bits := make([]int, merkle.Depth)
	copy(elements, p.Elements[:])
	copy(bits, p.IndexBits[:])
	return elements, bits
}
