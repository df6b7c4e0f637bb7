package field

import (
	"math/big"
	"strings"
	"testing"
)

func TestSelfCheck(t *testing.T) {
	if err := SelfCheck(); err != nil {
		t.Fatalf("self-check failed: %v", err)
	}
}

func TestPoseidon2_KnownVector(t *testing.T) {
	got, err := Poseidon2(big.NewInt(1), big.NewInt(2))
	if err != nil {
		t.Fatalf("poseidon2: %v", err)
	}
	want, _ := new(big.Int).SetString(poseidon2Vector, 10)
	if got.Cmp(want) != 0 {
		t.Errorf("poseidon2(1,2) mismatch: got %s, want %s", got, want)
	}
}

func TestPoseidon3_Deterministic(t *testing.T) {
	a, err := Poseidon3(big.NewInt(7), big.NewInt(1), big.NewInt(42))
	if err != nil {
		t.Fatalf("poseidon3: %v", err)
	}
	b, err := Poseidon3(big.NewInt(7), big.NewInt(1), big.NewInt(42))
	if err != nil {
		t.Fatalf("poseidon3: %v", err)
	}
	if a.Cmp(b) != 0 {
		t.Errorf("poseidon3 not deterministic: %s vs %s", a, b)
	}
	if !InField(a) {
		t.Errorf("poseidon3 output %s outside the scalar field", a)
	}

	// Argument order must matter.
	c, err := Poseidon3(big.NewInt(42), big.NewInt(1), big.NewInt(7))
	if err != nil {
		t.Fatalf("poseidon3: %v", err)
	}
	if a.Cmp(c) == 0 {
		t.Error("poseidon3 ignored argument order")
	}
}

func TestToHex_CanonicalWidth(t *testing.T) {
	h := ToHex(big.NewInt(0))
	if len(h) != HexLen || strings.Trim(h, "0") != "" {
		t.Errorf("ToHex(0) = %q, want 64 zeros", h)
	}

	h = ToHex(big.NewInt(255))
	if len(h) != HexLen || !strings.HasSuffix(h, "ff") {
		t.Errorf("ToHex(255) = %q", h)
	}
}

func TestParseHex(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"0x75bcd15", true},
		{"75bcd15", true},
		{strings.Repeat("f", 64), false}, // above r
		{"30644e72e131a029b85045b68181585d2833e84879b9709143e1f593f0000000", true}, // just below r
		{"", false},
		{"zz", false},
		{strings.Repeat("0", 65), false},
	}
	for _, c := range cases {
		v, err := ParseHex(c.in)
		if c.ok && err != nil {
			t.Errorf("ParseHex(%q) unexpected error: %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseHex(%q) = %s, want error", c.in, v)
		}
	}
}

func TestParseHex_RoundTrip(t *testing.T) {
	v := big.NewInt(123456789)
	back, err := ParseHex(ToHex(v))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back.Cmp(v) != 0 {
		t.Errorf("round trip mismatch: got %s, want %s", back, v)
	}
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"123456789", true},
		{"0x75bcd15", true},
		{"-1", false},
		{"12.5", false},
		{"abc", false},
		{"21888242871839275222246405745257275088548364400416034343698204186575808495617", false}, // r itself
		{"21888242871839275222246405745257275088548364400416034343698204186575808495616", true},  // r-1
	}
	for _, c := range cases {
		v, err := ParseSignal(c.in)
		if c.ok && err != nil {
			t.Errorf("ParseSignal(%q) unexpected error: %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseSignal(%q) = %s, want error", c.in, v)
		}
	}

	// Decimal and hex encodings of the same value must agree.
	d, err := ParseSignal("123456789")
	if err != nil {
		t.Fatalf("decimal: %v", err)
	}
	h, err := ParseSignal("0x75bcd15")
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	if d.Cmp(h) != 0 {
		t.Errorf("decimal/hex mismatch: %s vs %s", d, h)
	}
}

func TestSHA256Hex(t *testing.T) {
	// sha256("abc") is a fixed vector.
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := SHA256Hex("a", "b", "c"); got != want {
		t.Errorf("SHA256Hex concatenation mismatch: got %s, want %s", got, want)
	}
	if got := SHA256Hex("abc"); got != want {
		t.Errorf("SHA256Hex mismatch: got %s, want %s", got, want)
	}
}
