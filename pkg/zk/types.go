// Copyright 2026 Annex Project
//
// Wire formats for Groth16 proofs and verifying keys as emitted by the
// client-side circuit toolchain (snarkjs): projective decimal-string
// coordinates, G2 elements as [c0, c1] pairs.

package zk

// Proof is the snarkjs-format Groth16 proof triple. Coordinates are decimal
// (or 0x-hex) strings; pi_a/pi_c carry a projective Z that must equal 1,
// pi_b a projective Z pair that must equal [1, 0].
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol,omitempty"`
	Curve    string     `json:"curve,omitempty"`
}

// VerifyingKeyFile is the snarkjs verification_key.json layout. The
// vk_alphabeta_12 precomputation, when present, is ignored; it is
// recomputed from alpha and beta.
type VerifyingKeyFile struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	AlphaG1  []string   `json:"vk_alpha_1"`
	BetaG2   [][]string `json:"vk_beta_2"`
	GammaG2  [][]string `json:"vk_gamma_2"`
	DeltaG2  [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}
