// Copyright 2026 Annex Project
//
// Pseudonym & Nullifier Derivation
// Maps (commitment, topic) -> nullifier -> pseudonym. The nullifier is the
// replay-protection token of the ZK plane; the pseudonym is the only
// identity the server ever shows for a member within a topic.

package pseudonym

import (
	"fmt"
	"regexp"

	"github.com/seismicgear/annex/pkg/field"
)

// Topic grammar: annex:<scope>[:<slug>]:v1 with scope in
// {server, channel, federation}. The federation scope carries no slug.
var topicPattern = regexp.MustCompile(`^annex:(?:(?:server|channel):[a-z0-9][a-z0-9_-]{0,63}|federation):v1$`)

// ValidateTopic rejects topics outside the fixed grammar.
func ValidateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return fmt.Errorf("topic %q does not match annex:<scope>:<slug>:v1", topic)
	}
	return nil
}

// ServerTopic builds the server-scope topic for a slug.
func ServerTopic(slug string) string {
	return fmt.Sprintf("annex:server:%s:v1", slug)
}

// ChannelTopic builds the channel-scope topic for a channel id.
func ChannelTopic(id string) string {
	return fmt.Sprintf("annex:channel:%s:v1", id)
}

// FederationTopic is the shared federation scope.
const FederationTopic = "annex:federation:v1"

// Derive computes the nullifier and pseudonym for a commitment within a
// topic:
//
//	nullifier = sha256(commitment ":" topic)
//	pseudonym = sha256(topic ":" nullifier)
//
// Both are lower-case 64-character hex. The commitment may be any spelling
// field.ParseHex accepts; it is range-checked and re-encoded canonically
// before hashing.
func Derive(commitmentHex, topic string) (nullifierHex, pseudonymID string, err error) {
	if err := ValidateTopic(topic); err != nil {
		return "", "", err
	}
	v, err := field.ParseHex(commitmentHex)
	if err != nil {
		return "", "", fmt.Errorf("commitment: %w", err)
	}
	// Hash over the canonical 64-character encoding so every spelling of
	// the same commitment derives the same pseudonym.
	nullifierHex = field.SHA256Hex(field.ToHex(v), ":", topic)
	pseudonymID = field.SHA256Hex(topic, ":", nullifierHex)
	return nullifierHex, pseudonymID, nil
}
