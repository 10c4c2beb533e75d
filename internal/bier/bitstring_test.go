package bier_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gobier/internal/bier"
)

func TestBSLCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code  bier.BSL
		bits  int
		bytes int
	}{
		{bier.BSL64, 64, 8},
		{bier.BSL128, 128, 16},
		{bier.BSL256, 256, 32},
		{bier.BSL512, 512, 64},
		{bier.BSL1024, 1024, 128},
		{bier.BSL2048, 2048, 256},
		{bier.BSL4096, 4096, 512},
	}

	for _, tt := range tests {
		if !tt.code.Valid() {
			t.Errorf("BSL %d: expected valid", tt.code)
		}
		if got := tt.code.Bits(); got != tt.bits {
			t.Errorf("BSL %d: Bits() = %d, want %d", tt.code, got, tt.bits)
		}
		if got := tt.code.Bytes(); got != tt.bytes {
			t.Errorf("BSL %d: Bytes() = %d, want %d", tt.code, got, tt.bytes)
		}

		code, err := bier.BSLForBits(tt.bits)
		if err != nil {
			t.Fatalf("BSLForBits(%d): %v", tt.bits, err)
		}
		if code != tt.code {
			t.Errorf("BSLForBits(%d) = %d, want %d", tt.bits, code, tt.code)
		}
	}

	for _, code := range []bier.BSL{0, 8, 15} {
		if code.Valid() {
			t.Errorf("BSL %d: expected invalid", code)
		}
	}

	if _, err := bier.BSLForBits(96); !errors.Is(err, bier.ErrUnsupportedBSL) {
		t.Errorf("BSLForBits(96): got %v, want ErrUnsupportedBSL", err)
	}
}

func TestBitStringSetClearTest(t *testing.T) {
	t.Parallel()

	bs, err := bier.NewBitString(bier.BSL128)
	if err != nil {
		t.Fatalf("NewBitString: %v", err)
	}

	if !bs.IsZero() {
		t.Fatal("fresh bitstring must be zero")
	}

	for _, pos := range []int{0, 1, 63, 64, 127} {
		if err := bs.Set(pos); err != nil {
			t.Fatalf("Set(%d): %v", pos, err)
		}
		set, err := bs.Test(pos)
		if err != nil {
			t.Fatalf("Test(%d): %v", pos, err)
		}
		if !set {
			t.Errorf("Test(%d) = false after Set", pos)
		}
	}

	if bs.CountSet() != 5 {
		t.Errorf("CountSet() = %d, want 5", bs.CountSet())
	}

	if err := bs.Clear(63); err != nil {
		t.Fatalf("Clear(63): %v", err)
	}
	if set, _ := bs.Test(63); set {
		t.Error("Test(63) = true after Clear")
	}
}

func TestBitStringOutOfRange(t *testing.T) {
	t.Parallel()

	bs, _ := bier.NewBitString(bier.BSL64)

	// Bit positions derive from untrusted packets: out-of-range access
	// must fail loudly, never silently truncate.
	for _, pos := range []int{-1, 64, 1000} {
		if err := bs.Set(pos); !errors.Is(err, bier.ErrBitRange) {
			t.Errorf("Set(%d): got %v, want ErrBitRange", pos, err)
		}
		if err := bs.Clear(pos); !errors.Is(err, bier.ErrBitRange) {
			t.Errorf("Clear(%d): got %v, want ErrBitRange", pos, err)
		}
		if _, err := bs.Test(pos); !errors.Is(err, bier.ErrBitRange) {
			t.Errorf("Test(%d): got %v, want ErrBitRange", pos, err)
		}
	}
}

func TestBitStringAndAndNot(t *testing.T) {
	t.Parallel()

	// Mirrors 1101 AND 1011 = 1001, then ANDNOT 0011 = 1000.
	a := mustParse(t, "1101", bier.BSL64)
	b := mustParse(t, "1011", bier.BSL64)

	got, err := a.And(b)
	if err != nil {
		t.Fatalf("And: %v", err)
	}
	if want := mustParse(t, "1001", bier.BSL64); !got.Equal(want) {
		t.Errorf("And = %s, want %s", got, want)
	}

	// And must not mutate its operands.
	if want := mustParse(t, "1101", bier.BSL64); !a.Equal(want) {
		t.Errorf("And mutated receiver: %s", a)
	}

	if err := got.AndNot(mustParse(t, "0011", bier.BSL64)); err != nil {
		t.Fatalf("AndNot: %v", err)
	}
	if want := mustParse(t, "1000", bier.BSL64); !got.Equal(want) {
		t.Errorf("AndNot = %s, want %s", got, want)
	}
}

func TestBitStringLengthMismatch(t *testing.T) {
	t.Parallel()

	a, _ := bier.NewBitString(bier.BSL64)
	b, _ := bier.NewBitString(bier.BSL128)

	if _, err := a.And(b); !errors.Is(err, bier.ErrLengthMismatch) {
		t.Errorf("And across widths: got %v, want ErrLengthMismatch", err)
	}
	if err := a.AndNot(b); !errors.Is(err, bier.ErrLengthMismatch) {
		t.Errorf("AndNot across widths: got %v, want ErrLengthMismatch", err)
	}
}

func TestBitStringFirstSetOrder(t *testing.T) {
	t.Parallel()

	bs, _ := bier.NewBitString(bier.BSL256)
	if _, ok := bs.FirstSet(); ok {
		t.Fatal("FirstSet on zero bitstring must report none")
	}

	// Replication order is lowest index first, across word boundaries.
	for _, pos := range []int{200, 65, 7, 130} {
		if err := bs.Set(pos); err != nil {
			t.Fatalf("Set(%d): %v", pos, err)
		}
	}

	want := []int{7, 65, 130, 200}
	for _, w := range want {
		pos, ok := bs.FirstSet()
		if !ok {
			t.Fatalf("FirstSet: exhausted early, want %d", w)
		}
		if pos != w {
			t.Fatalf("FirstSet = %d, want %d", pos, w)
		}
		if err := bs.Clear(pos); err != nil {
			t.Fatalf("Clear(%d): %v", pos, err)
		}
	}
	if !bs.IsZero() {
		t.Error("bitstring not empty after draining")
	}
}

func TestBitStringClearAndAdvance(t *testing.T) {
	t.Parallel()

	bs, _ := bier.NewBitString(bier.BSL64)
	_ = bs.Set(3)
	_ = bs.Set(9)

	next, ok, err := bs.ClearAndAdvance(3)
	if err != nil {
		t.Fatalf("ClearAndAdvance: %v", err)
	}
	if !ok || next != 9 {
		t.Errorf("ClearAndAdvance = (%d, %t), want (9, true)", next, ok)
	}

	if _, ok, _ = bs.ClearAndAdvance(9); ok {
		t.Error("ClearAndAdvance on last bit must report none remaining")
	}
}

func TestBitStringWireFormat(t *testing.T) {
	t.Parallel()

	// Bit position 0 is the least significant bit of the last byte.
	bs, _ := bier.NewBitString(bier.BSL64)
	_ = bs.Set(0)
	_ = bs.Set(15)

	want := []byte{0, 0, 0, 0, 0, 0, 0x80, 0x01}
	got := bs.Bytes()
	if len(got) != len(want) {
		t.Fatalf("Bytes length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Bytes = % x, want % x", got, want)
		}
	}

	back, err := bier.BitStringFromBytes(got)
	if err != nil {
		t.Fatalf("BitStringFromBytes: %v", err)
	}
	if !back.Equal(bs) {
		t.Errorf("wire round-trip: %s != %s", back, bs)
	}
}

func TestBitStringFromBytesRejectsOddLengths(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7, 9, 12, 24, 513} {
		if _, err := bier.BitStringFromBytes(make([]byte, n)); !errors.Is(err, bier.ErrUnsupportedBSL) {
			t.Errorf("BitStringFromBytes(%d bytes): got %v, want ErrUnsupportedBSL", n, err)
		}
	}
}

func TestParseBitString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		literal string
		setBits []int
		wantErr error
	}{
		{literal: "1", setBits: []int{0}},
		{literal: "11010", setBits: []int{1, 3, 4}},
		{literal: "11100", setBits: []int{2, 3, 4}},
		{literal: "", setBits: nil},
		{literal: "10x01", wantErr: bier.ErrMalformedBitString},
	}

	for _, tt := range tests {
		bs, err := bier.ParseBitString(tt.literal, bier.BSL64)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseBitString(%q): got %v, want %v", tt.literal, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBitString(%q): %v", tt.literal, err)
		}
		if bs.CountSet() != len(tt.setBits) {
			t.Errorf("ParseBitString(%q): %d bits set, want %d",
				tt.literal, bs.CountSet(), len(tt.setBits))
		}
		for _, pos := range tt.setBits {
			if set, _ := bs.Test(pos); !set {
				t.Errorf("ParseBitString(%q): bit %d not set", tt.literal, pos)
			}
		}
	}
}

func TestBitStringCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := mustParse(t, "1111", bier.BSL64)
	clone := orig.Clone()
	_ = clone.Clear(0)

	if set, _ := orig.Test(0); !set {
		t.Error("mutating a clone leaked into the original")
	}
}

// mustParse is a test helper for bitstring literals.
func mustParse(t *testing.T, s string, bsl bier.BSL) *bier.BitString {
	t.Helper()
	bs, err := bier.ParseBitString(s, bsl)
	if err != nil {
		t.Fatalf("ParseBitString(%q): %v", s, err)
	}
	return bs
}
