// Copyright 2026 Annex Project
//
// Row types and domain constants for the Annex durable store.

package database

import "time"

// Event log domains.
const (
	DomainIdentity   = "IDENTITY"
	DomainPresence   = "PRESENCE"
	DomainFederation = "FEDERATION"
	DomainAgent      = "AGENT"
	DomainModeration = "MODERATION"
)

// Participant types, fixed per role code.
const (
	ParticipantHuman      = "HUMAN"
	ParticipantAIAgent    = "AI_AGENT"
	ParticipantCollective = "COLLECTIVE"
	ParticipantBridge     = "BRIDGE"
	ParticipantService    = "SERVICE"
)

// roleToParticipant is the fixed role_code -> participant_type table.
var roleToParticipant = map[int]string{
	1: ParticipantHuman,
	2: ParticipantAIAgent,
	3: ParticipantCollective,
	4: ParticipantBridge,
	5: ParticipantService,
}

// ParticipantTypeForRole resolves a role code; ok is false for codes
// outside {1..5}.
func ParticipantTypeForRole(roleCode int) (string, bool) {
	t, ok := roleToParticipant[roleCode]
	return t, ok
}

// Server is the unit of sovereignty.
type Server struct {
	Slug      string    `json:"slug"`
	Label     string    `json:"label"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Commitment is a registered identity commitment.
type Commitment struct {
	ServerSlug    string    `json:"server_slug"`
	CommitmentHex string    `json:"commitment_hex"`
	RoleCode      int       `json:"role_code"`
	NodeID        int64     `json:"node_id"`
	IdentityID    string    `json:"identity_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// MerkleLeaf is one append-only leaf record.
type MerkleLeaf struct {
	ServerSlug    string    `json:"server_slug"`
	LeafIndex     int64     `json:"leaf_index"`
	CommitmentHex string    `json:"commitment_hex"`
	InsertedAt    time.Time `json:"inserted_at"`
}

// MerkleRoot is one root snapshot; exactly one row is active per server.
type MerkleRoot struct {
	ID         int64     `json:"id"`
	ServerSlug string    `json:"server_slug"`
	RootHex    string    `json:"root_hex"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Nullifier is the per-topic replay-protection record.
type Nullifier struct {
	ServerSlug    string    `json:"server_slug"`
	Topic         string    `json:"topic"`
	NullifierHex  string    `json:"nullifier_hex"`
	PseudonymID   string    `json:"pseudonym_id"`
	CommitmentHex string    `json:"commitment_hex"`
	CreatedAt     time.Time `json:"created_at"`
}

// Capabilities is the fixed capability record of a platform identity.
type Capabilities struct {
	CanVoice    bool `json:"can_voice"`
	CanModerate bool `json:"can_moderate"`
	CanInvite   bool `json:"can_invite"`
	CanFederate bool `json:"can_federate"`
	CanBridge   bool `json:"can_bridge"`
}

// FounderCapabilities is granted to the first identity of a server.
// Bridge is never implicit.
func FounderCapabilities() Capabilities {
	return Capabilities{CanVoice: true, CanModerate: true, CanInvite: true, CanFederate: true}
}

// PlatformIdentity is an activated pseudonym's membership in a server.
type PlatformIdentity struct {
	ServerSlug      string       `json:"server_slug"`
	PseudonymID     string       `json:"pseudonym_id"`
	ParticipantType string       `json:"participant_type"`
	Capabilities    Capabilities `json:"capabilities"`
	Active          bool         `json:"active"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Instance is a known remote server.
type Instance struct {
	ID           string    `json:"id"`
	BaseURL      string    `json:"base_url"`
	PublicKey    string    `json:"public_key"`
	Label        string    `json:"label"`
	Status       string    `json:"status"`
	VerifyingKey string    `json:"verifying_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FederationAgreement is one bilateral agreement row; the active row per
// (server, instance) is the current one, history stays inactive.
type FederationAgreement struct {
	ID              string    `json:"id"`
	ServerSlug      string    `json:"server_slug"`
	InstanceID      string    `json:"instance_id"`
	AlignmentStatus string    `json:"alignment_status"`
	TransferScope   string    `json:"transfer_scope"`
	AgreementBody   string    `json:"agreement_body"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FederatedIdentity is a remote-attested pseudonym with its verification
// material retained for synchronous re-verification.
type FederatedIdentity struct {
	ID                    string     `json:"id"`
	ServerSlug            string     `json:"server_slug"`
	InstanceID            string     `json:"instance_id"`
	CommitmentHex         string     `json:"commitment_hex"`
	PseudonymID           string     `json:"pseudonym_id"`
	VRPTopic              string     `json:"vrp_topic"`
	RootHexAtVerification string     `json:"root_hex_at_verification"`
	ProofJSON             string     `json:"proof_json"`
	PublicSignals         string     `json:"public_signals"`
	LastVerifiedAt        time.Time  `json:"last_verified_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Event is one public event log record.
type Event struct {
	ID         int64     `json:"id"`
	ServerSlug string    `json:"server_slug"`
	Domain     string    `json:"domain"`
	EventType  string    `json:"event_type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Seq        int64     `json:"seq"`
	Payload    string    `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PolicyVersion is one immutable policy snapshot row.
type PolicyVersion struct {
	VersionID  string    `json:"version_id"`
	ServerSlug string    `json:"server_slug"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}
