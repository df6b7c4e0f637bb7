// Copyright 2026 Annex Project
//
// Groth16 Verifier
// Deserialises snarkjs-format proofs and verifying keys into the gnark
// BN254 backend and runs the pairing check. Deserialisation is strict:
// every coordinate must be a canonical decimal or hex integer below the
// base-field modulus, every point on-curve and in-subgroup, and the
// verifying key must carry exactly the expected public-signal count.

package zk

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/seismicgear/annex/pkg/field"
)

// NumPublicSignals is the membership circuit's public-signal count:
// [root, commitment].
const NumPublicSignals = 2

// Verifier holds one deserialised verifying key, ready for repeated
// pairing checks. It is safe for concurrent use.
type Verifier struct {
	vk          *groth16bn254.VerifyingKey
	fingerprint string
}

// LoadVerifyingKey reads and deserialises a verifying key file.
func LoadVerifyingKey(path string) (*Verifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verifying key %s: %w", path, err)
	}
	return ParseVerifyingKey(raw)
}

// ParseVerifyingKey deserialises a snarkjs verification key. The key must
// be groth16 over bn128 with NumPublicSignals public inputs.
func ParseVerifyingKey(raw []byte) (*Verifier, error) {
	var vkf VerifyingKeyFile
	if err := json.Unmarshal(raw, &vkf); err != nil {
		return nil, fmt.Errorf("parse verifying key: %w", err)
	}
	if p := strings.ToLower(vkf.Protocol); p != "" && p != "groth16" {
		return nil, fmt.Errorf("unsupported proof system %q", vkf.Protocol)
	}
	if c := strings.ToLower(vkf.Curve); c != "" && c != "bn128" && c != "bn254" {
		return nil, fmt.Errorf("unsupported curve %q", vkf.Curve)
	}
	if vkf.NPublic != NumPublicSignals {
		return nil, fmt.Errorf("verifying key has %d public signals, want %d", vkf.NPublic, NumPublicSignals)
	}
	if len(vkf.IC) != NumPublicSignals+1 {
		return nil, fmt.Errorf("verifying key IC has %d points, want %d", len(vkf.IC), NumPublicSignals+1)
	}

	vk := new(groth16bn254.VerifyingKey)
	var err error
	if vk.G1.Alpha, err = parseG1(vkf.AlphaG1); err != nil {
		return nil, fmt.Errorf("vk_alpha_1: %w", err)
	}
	if vk.G2.Beta, err = parseG2(vkf.BetaG2); err != nil {
		return nil, fmt.Errorf("vk_beta_2: %w", err)
	}
	if vk.G2.Gamma, err = parseG2(vkf.GammaG2); err != nil {
		return nil, fmt.Errorf("vk_gamma_2: %w", err)
	}
	if vk.G2.Delta, err = parseG2(vkf.DeltaG2); err != nil {
		return nil, fmt.Errorf("vk_delta_2: %w", err)
	}
	vk.G1.K = make([]bn254.G1Affine, len(vkf.IC))
	for i, coords := range vkf.IC {
		if vk.G1.K[i], err = parseG1(coords); err != nil {
			return nil, fmt.Errorf("IC[%d]: %w", i, err)
		}
	}

	// Precompute e(alpha, beta) and the negated gamma/delta lines.
	if err := vk.Precompute(); err != nil {
		return nil, fmt.Errorf("precompute verifying key: %w", err)
	}

	return &Verifier{
		vk:          vk,
		fingerprint: field.SHA256Hex(string(raw)),
	}, nil
}

// Fingerprint returns the SHA-256 of the raw key material, used to pin a
// remote instance's verifying key to its registered public key.
func (v *Verifier) Fingerprint() string {
	return v.fingerprint
}

// Verify runs the pairing check for proof against the public signals. The
// signals must already be validated field elements.
func (v *Verifier) Verify(proof *Proof, publicSignals []*big.Int) error {
	if len(publicSignals) != NumPublicSignals {
		return fmt.Errorf("expected %d public signals, got %d", NumPublicSignals, len(publicSignals))
	}

	p, err := deserializeProof(proof)
	if err != nil {
		return fmt.Errorf("deserialize proof: %w", err)
	}

	witness := make(fr.Vector, len(publicSignals))
	for i, s := range publicSignals {
		if !field.InField(s) {
			return fmt.Errorf("public signal %d outside the scalar field", i)
		}
		witness[i].SetBigInt(s)
	}

	if err := groth16bn254.Verify(p, v.vk, witness); err != nil {
		return fmt.Errorf("pairing check: %w", err)
	}
	return nil
}

// ParseSignals validates a raw 2-element public signal array.
func ParseSignals(raw []string) ([]*big.Int, error) {
	if len(raw) != NumPublicSignals {
		return nil, fmt.Errorf("expected %d public signals, got %d", NumPublicSignals, len(raw))
	}
	out := make([]*big.Int, len(raw))
	for i, s := range raw {
		v, err := field.ParseSignal(s)
		if err != nil {
			return nil, fmt.Errorf("signal %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func deserializeProof(proof *Proof) (*groth16bn254.Proof, error) {
	if proof == nil {
		return nil, fmt.Errorf("missing proof")
	}
	p := new(groth16bn254.Proof)
	var err error
	if p.Ar, err = parseG1(proof.PiA); err != nil {
		return nil, fmt.Errorf("pi_a: %w", err)
	}
	if p.Bs, err = parseG2(proof.PiB); err != nil {
		return nil, fmt.Errorf("pi_b: %w", err)
	}
	if p.Krs, err = parseG1(proof.PiC); err != nil {
		return nil, fmt.Errorf("pi_c: %w", err)
	}
	return p, nil
}

// parseG1 decodes an affine or canonical-projective (Z = 1) G1 point.
func parseG1(coords []string) (bn254.G1Affine, error) {
	var pt bn254.G1Affine
	if len(coords) != 2 && len(coords) != 3 {
		return pt, fmt.Errorf("G1 point has %d coordinates", len(coords))
	}
	if len(coords) == 3 {
		if err := requireOne(coords[2]); err != nil {
			return pt, fmt.Errorf("projective Z: %w", err)
		}
	}
	x, err := parseBaseField(coords[0])
	if err != nil {
		return pt, fmt.Errorf("x: %w", err)
	}
	y, err := parseBaseField(coords[1])
	if err != nil {
		return pt, fmt.Errorf("y: %w", err)
	}
	pt.X.SetBigInt(x)
	pt.Y.SetBigInt(y)
	if !pt.IsOnCurve() || !pt.IsInSubGroup() {
		return pt, fmt.Errorf("point not on curve")
	}
	return pt, nil
}

// parseG2 decodes an affine or canonical-projective (Z = [1, 0]) G2 point.
// Each coordinate is an Fp2 element [c0, c1].
func parseG2(coords [][]string) (bn254.G2Affine, error) {
	var pt bn254.G2Affine
	if len(coords) != 2 && len(coords) != 3 {
		return pt, fmt.Errorf("G2 point has %d coordinates", len(coords))
	}
	for i, pair := range coords {
		if len(pair) != 2 {
			return pt, fmt.Errorf("coordinate %d has %d components", i, len(pair))
		}
	}
	if len(coords) == 3 {
		if err := requireOne(coords[2][0]); err != nil {
			return pt, fmt.Errorf("projective Z: %w", err)
		}
		if err := requireZero(coords[2][1]); err != nil {
			return pt, fmt.Errorf("projective Z: %w", err)
		}
	}

	x0, err := parseBaseField(coords[0][0])
	if err != nil {
		return pt, fmt.Errorf("x.c0: %w", err)
	}
	x1, err := parseBaseField(coords[0][1])
	if err != nil {
		return pt, fmt.Errorf("x.c1: %w", err)
	}
	y0, err := parseBaseField(coords[1][0])
	if err != nil {
		return pt, fmt.Errorf("y.c0: %w", err)
	}
	y1, err := parseBaseField(coords[1][1])
	if err != nil {
		return pt, fmt.Errorf("y.c1: %w", err)
	}
	pt.X.A0.SetBigInt(x0)
	pt.X.A1.SetBigInt(x1)
	pt.Y.A0.SetBigInt(y0)
	pt.Y.A1.SetBigInt(y1)
	if !pt.IsOnCurve() || !pt.IsInSubGroup() {
		return pt, fmt.Errorf("point not on curve")
	}
	return pt, nil
}

// parseBaseField decodes a canonical decimal or hex integer in [0, q).
func parseBaseField(s string) (*big.Int, error) {
	v, ok := math.ParseBig256(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("coordinate %q is not a canonical integer", s)
	}
	if v.Sign() < 0 || v.Cmp(fp.Modulus()) >= 0 {
		return nil, fmt.Errorf("coordinate %q outside the base field", s)
	}
	return v, nil
}

func requireOne(s string) error {
	v, err := parseBaseField(s)
	if err != nil {
		return err
	}
	if v.Cmp(big.NewInt(1)) != 0 {
		return fmt.Errorf("expected 1, got %s", s)
	}
	return nil
}

func requireZero(s string) error {
	v, err := parseBaseField(s)
	if err != nil {
		return err
	}
	if v.Sign() != 0 {
		return fmt.Errorf("expected 0, got %s", s)
	}
	return nil
}
