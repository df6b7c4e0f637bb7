// Copyright 2026 Annex Project
//
// Server Policy
// Immutable per-version snapshots of the knobs that govern admission,
// federation and retention. Updates never mutate a snapshot; they append a
// new server_policy_versions row and readers pick up the latest.

package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Transfer scope labels, ordered NoTransfer < ReflectionSummariesOnly <
// FullKnowledgeBundle. The federation package owns the comparison.
const (
	ScopeNoTransfer              = "no_transfer"
	ScopeReflectionSummariesOnly = "reflection_summaries_only"
	ScopeFullKnowledgeBundle     = "full_knowledge_bundle"
)

// RehandshakeFloorSeconds is the hard lower bound on re-handshake cadence,
// enforced regardless of policy to prevent agreement flapping.
const RehandshakeFloorSeconds = 60

// RateLimits are per-minute admission budgets per endpoint class.
type RateLimits struct {
	Registration int `yaml:"registration" json:"registration"`
	Verification int `yaml:"verification" json:"verification"`
	Default      int `yaml:"default" json:"default"`
}

// Policy is one immutable policy snapshot.
type Policy struct {
	VersionID string `yaml:"-" json:"version_id"`

	AgentMinAlignmentScore    float64  `yaml:"agent_min_alignment_score" json:"agent_min_alignment_score"`
	AgentRequiredCapabilities []string `yaml:"agent_required_capabilities" json:"agent_required_capabilities"`
	FederationEnabled         bool     `yaml:"federation_enabled" json:"federation_enabled"`
	DefaultRetentionDays      int      `yaml:"default_retention_days" json:"default_retention_days"`
	VoiceEnabled              bool     `yaml:"voice_enabled" json:"voice_enabled"`
	MaxMembers                int      `yaml:"max_members" json:"max_members"`

	RateLimit RateLimits `yaml:"rate_limit" json:"rate_limit"`

	Principles        []string `yaml:"principles" json:"principles"`
	ProhibitedActions []string `yaml:"prohibited_actions" json:"prohibited_actions"`

	// MaxTransferScope caps what any agreement may grant outward.
	MaxTransferScope string `yaml:"max_transfer_scope" json:"max_transfer_scope"`

	FederationRehandshakeMinSeconds int `yaml:"federation_rehandshake_min_seconds" json:"federation_rehandshake_min_seconds"`

	// FederationFreshnessSeconds is the federated-identity freshness TTL;
	// zero disables expires_at stamping and relies on re-verification alone.
	FederationFreshnessSeconds int `yaml:"federation_freshness_seconds" json:"federation_freshness_seconds"`
}

// Default returns the bootstrap policy.
func Default() *Policy {
	return &Policy{
		AgentMinAlignmentScore:    0.7,
		AgentRequiredCapabilities: []string{},
		FederationEnabled:         true,
		DefaultRetentionDays:      90,
		VoiceEnabled:              true,
		MaxMembers:                0, // unlimited
		RateLimit: RateLimits{
			Registration: 10,
			Verification: 30,
			Default:      120,
		},
		Principles:                      []string{},
		ProhibitedActions:               []string{},
		MaxTransferScope:                ScopeReflectionSummariesOnly,
		FederationRehandshakeMinSeconds: 3600,
		FederationFreshnessSeconds:      86400,
	}
}

// Validate checks a snapshot before it is versioned.
func (p *Policy) Validate() error {
	if p.RateLimit.Registration <= 0 || p.RateLimit.Verification <= 0 || p.RateLimit.Default <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	switch p.MaxTransferScope {
	case ScopeNoTransfer, ScopeReflectionSummariesOnly, ScopeFullKnowledgeBundle:
	default:
		return fmt.Errorf("unknown max_transfer_scope %q", p.MaxTransferScope)
	}
	if p.FederationRehandshakeMinSeconds < RehandshakeFloorSeconds {
		return fmt.Errorf("federation_rehandshake_min_seconds %d below the %d second floor",
			p.FederationRehandshakeMinSeconds, RehandshakeFloorSeconds)
	}
	if p.FederationFreshnessSeconds < 0 {
		return fmt.Errorf("federation_freshness_seconds must not be negative")
	}
	if p.DefaultRetentionDays <= 0 {
		return fmt.Errorf("default_retention_days must be positive")
	}
	if p.AgentMinAlignmentScore < 0 || p.AgentMinAlignmentScore > 1 {
		return fmt.Errorf("agent_min_alignment_score must be in [0, 1]")
	}
	return nil
}

// LoadFile overlays a YAML policy file onto the defaults.
func LoadFile(path string) (*Policy, error) {
	p := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Clone returns a deep copy, so a new version can be derived without
// touching the snapshot handed to in-flight requests.
func (p *Policy) Clone() *Policy {
	c := *p
	c.AgentRequiredCapabilities = append([]string(nil), p.AgentRequiredCapabilities...)
	c.Principles = append([]string(nil), p.Principles...)
	c.ProhibitedActions = append([]string(nil), p.ProhibitedActions...)
	return &c
}
