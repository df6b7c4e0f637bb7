// Copyright 2026 Annex Project
//
// BN254 scalar field helpers and the Poseidon instances shared with the
// client-side membership circuit. The Poseidon parameters are circomlib's;
// SelfCheck cross-checks a fixed vector so a parameter drift aborts startup
// instead of silently producing unverifiable roots.

package field

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// HexLen is the canonical length of a hex-encoded field element.
const HexLen = 64

// poseidon2Vector is circomlib's poseidon([1, 2]).
const poseidon2Vector = "7853200120776062878684798364095072458815029376092732009249414926327459813530"

// Modulus returns the BN254 scalar field prime r.
func Modulus() *big.Int {
	return fr.Modulus()
}

// InField reports whether v lies in [0, r).
func InField(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(fr.Modulus()) < 0
}

// Poseidon2 hashes two field elements with the circomlib 2-ary Poseidon.
func Poseidon2(a, b *big.Int) (*big.Int, error) {
	out, err := poseidon.Hash([]*big.Int{a, b})
	if err != nil {
		return nil, fmt.Errorf("poseidon2: %w", err)
	}
	return out, nil
}

// Poseidon3 hashes three field elements with the circomlib 3-ary Poseidon.
// Commitments are Poseidon3(sk, roleCode, nodeID).
func Poseidon3(a, b, c *big.Int) (*big.Int, error) {
	out, err := poseidon.Hash([]*big.Int{a, b, c})
	if err != nil {
		return nil, fmt.Errorf("poseidon3: %w", err)
	}
	return out, nil
}

// ToHex encodes a field element as lower-case 64-character hex using the
// canonical 32-byte big-endian fr.Element encoding (zero writes 64 zeros,
// not the empty string big.Int.Text would produce).
func ToHex(v *big.Int) string {
	var elem fr.Element
	elem.SetBigInt(v)
	b := elem.Bytes()
	return hex.EncodeToString(b[:])
}

// ParseHex decodes a hex string (optional 0x prefix, up to 64 digits) into a
// field element, rejecting values outside [0, r).
func ParseHex(s string) (*big.Int, error) {
	t := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if t == "" || len(t) > HexLen {
		return nil, fmt.Errorf("hex field element must be 1..%d digits, got %q", HexLen, s)
	}
	if len(t)%2 == 1 {
		t = "0" + t
	}
	raw, err := hex.DecodeString(t)
	if err != nil {
		return nil, fmt.Errorf("invalid hex field element %q: %w", s, err)
	}
	v := new(big.Int).SetBytes(raw)
	if !InField(v) {
		return nil, fmt.Errorf("value %s exceeds the BN254 scalar field", s)
	}
	return v, nil
}

// ParseSignal decodes a public signal given as either a canonical decimal
// string or 0x-prefixed hex, rejecting anything outside [0, r).
func ParseSignal(s string) (*big.Int, error) {
	v, ok := math.ParseBig256(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("signal %q is not a canonical decimal or hex integer", s)
	}
	if !InField(v) {
		return nil, fmt.Errorf("signal %q exceeds the BN254 scalar field", s)
	}
	return v, nil
}

// SHA256Hex returns the lower-case hex SHA-256 of the ASCII concatenation of
// the given parts. Nullifier and pseudonym derivation are defined over this.
func SHA256Hex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SelfCheck validates the Poseidon parameters against the circomlib test
// vector. Callers run it once at startup and treat failure as fatal.
func SelfCheck() error {
	got, err := Poseidon2(big.NewInt(1), big.NewInt(2))
	if err != nil {
		return fmt.Errorf("poseidon self-check: %w", err)
	}
	want, _ := new(big.Int).SetString(poseidon2Vector, 10)
	if got.Cmp(want) != 0 {
		return fmt.Errorf("poseidon self-check failed: got %s, want %s", got, want)
	}

	// The 3-ary instance has no pinned vector but must stay deterministic
	// and in-field.
	a, err := Poseidon3(big.NewInt(1), big.NewInt(2), big.NewInt(3))
	if err != nil {
		return fmt.Errorf("poseidon3 self-check: %w", err)
	}
	b, err := Poseidon3(big.NewInt(1), big.NewInt(2), big.NewInt(3))
	if err != nil {
		return fmt.Errorf("poseidon3 self-check: %w", err)
	}
	if a.Cmp(b) != 0 || !InField(a) {
		return fmt.Errorf("poseidon3 self-check failed: unstable or out-of-field output")
	}
	return nil
}
