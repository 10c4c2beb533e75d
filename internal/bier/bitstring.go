// Package bier implements the core BIER forwarding plane (RFC 8279).
//
// This includes the bitstring, the encapsulation header codec (RFC 8296),
// the BIER Forwarding Table (BIFT), the forwarding engine, and the
// varint message codec spoken on the local application boundary.
package bier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// -------------------------------------------------------------------------
// BitStringLength — RFC 8296 Section 2.1.2
// -------------------------------------------------------------------------

// BSL is the BitString Length code (RFC 8296 Section 2.1.2).
// This is a 4-bit field; codes 1-7 are defined, mapping to bitstring
// widths of 64 << (code - 1) bits. Code 0 and codes 8-15 are invalid.
type BSL uint8

const (
	// BSL64 is a 64-bit bitstring (RFC 8296 Section 2.1.2: value 1).
	BSL64 BSL = 1

	// BSL128 is a 128-bit bitstring (value 2).
	BSL128 BSL = 2

	// BSL256 is a 256-bit bitstring (value 3).
	BSL256 BSL = 3

	// BSL512 is a 512-bit bitstring (value 4).
	BSL512 BSL = 4

	// BSL1024 is a 1024-bit bitstring (value 5).
	BSL1024 BSL = 5

	// BSL2048 is a 2048-bit bitstring (value 6).
	BSL2048 BSL = 6

	// BSL4096 is a 4096-bit bitstring (value 7).
	BSL4096 BSL = 7
)

// wordBits is the width of one backing word.
const wordBits = 64

// Valid reports whether the BSL code is one of the seven defined values.
func (b BSL) Valid() bool {
	return b >= BSL64 && b <= BSL4096
}

// Bits returns the bitstring width in bits for the BSL code.
// Only meaningful for valid codes.
func (b BSL) Bits() int {
	return 1 << (uint(b) + 5)
}

// Bytes returns the bitstring width in bytes for the BSL code.
func (b BSL) Bytes() int {
	return b.Bits() / 8
}

// words returns the number of backing uint64 words.
func (b BSL) words() int {
	return b.Bits() / wordBits
}

// String returns the bitstring width as a human-readable string.
func (b BSL) String() string {
	if !b.Valid() {
		return fmt.Sprintf("BSL(%d)", uint8(b))
	}
	return fmt.Sprintf("%d bits", b.Bits())
}

// BSLForBits returns the BSL code for the given width in bits.
// Fails with ErrUnsupportedBSL if the width is not one of the seven
// supported values.
func BSLForBits(width int) (BSL, error) {
	for code := BSL64; code <= BSL4096; code++ {
		if code.Bits() == width {
			return code, nil
		}
	}
	return 0, fmt.Errorf("bitstring width %d bits: %w", width, ErrUnsupportedBSL)
}

// -------------------------------------------------------------------------
// Bitstring Errors
// -------------------------------------------------------------------------

var (
	// ErrUnsupportedBSL indicates a bitstring length code outside the
	// fixed set defined by RFC 8296 Section 2.1.2.
	ErrUnsupportedBSL = errors.New("unsupported bitstring length")

	// ErrBitRange indicates a bit position outside the configured
	// bitstring width. Bit positions derive from untrusted packets, so
	// out-of-range access is rejected rather than truncated.
	ErrBitRange = errors.New("bit position out of range")

	// ErrLengthMismatch indicates an operation between two bitstrings of
	// different length codes.
	ErrLengthMismatch = errors.New("bitstring length mismatch")

	// ErrMalformedBitString indicates a bitstring literal that is not a
	// binary string of ones and zeros.
	ErrMalformedBitString = errors.New("malformed bitstring literal")
)

// -------------------------------------------------------------------------
// BitString — RFC 8279 Section 2
// -------------------------------------------------------------------------

// BitString is a fixed-width bit vector in which bit position p represents
// the BFER with BFR-id p+1 (RFC 8279 Section 2: BFR-ids are 1-based, the
// BFR-id 1 bit is the least significant bit of the bitstring).
//
// Backing storage is a []uint64 with word 0 holding bit positions 0-63.
// On the wire the most significant word is serialized first, so position 0
// is the least significant bit of the last byte.
//
// A BitString is not safe for concurrent mutation. The forwarding engine
// always works on its own clone; residual bitstrings handed to emitted
// packets are never shared across replication branches.
type BitString struct {
	bsl   BSL
	words []uint64
}

// NewBitString returns an all-zero bitstring of the given length code.
func NewBitString(bsl BSL) (*BitString, error) {
	if !bsl.Valid() {
		return nil, fmt.Errorf("new bitstring: code %d: %w", bsl, ErrUnsupportedBSL)
	}
	return &BitString{bsl: bsl, words: make([]uint64, bsl.words())}, nil
}

// BitStringFromBytes parses a wire-format bitstring (most significant word
// first). The byte length must map to a supported BSL.
func BitStringFromBytes(raw []byte) (*BitString, error) {
	bsl, err := BSLForBits(len(raw) * 8)
	if err != nil {
		return nil, fmt.Errorf("bitstring from %d bytes: %w", len(raw), ErrUnsupportedBSL)
	}

	bs := &BitString{bsl: bsl, words: make([]uint64, bsl.words())}
	n := len(bs.words)
	for i := range n {
		bs.words[n-1-i] = binary.BigEndian.Uint64(raw[i*8 : i*8+8])
	}
	return bs, nil
}

// ParseBitString parses a binary-string literal ("11010", most significant
// bit first) into a bitstring of the given length code. This is the form
// used for forwarding bitmasks in configuration files. Leading zeros may
// be omitted; the literal must fit in the configured width.
func ParseBitString(s string, bsl BSL) (*BitString, error) {
	bs, err := NewBitString(bsl)
	if err != nil {
		return nil, err
	}
	if len(s) > bsl.Bits() {
		return nil, fmt.Errorf("literal of %d bits exceeds %s: %w", len(s), bsl, ErrBitRange)
	}

	for i, c := range s {
		switch c {
		case '0':
		case '1':
			// Leftmost character is the most significant bit.
			if err := bs.Set(len(s) - 1 - i); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("parse bitstring %q: byte %d: %w", s, i, ErrMalformedBitString)
		}
	}
	return bs, nil
}

// BSL returns the bitstring's length code.
func (bs *BitString) BSL() BSL {
	return bs.bsl
}

// Len returns the bitstring width in bits.
func (bs *BitString) Len() int {
	return bs.bsl.Bits()
}

// check validates a bit position against the configured width.
func (bs *BitString) check(pos int) error {
	if pos < 0 || pos >= bs.bsl.Bits() {
		return fmt.Errorf("bit %d of %s: %w", pos, bs.bsl, ErrBitRange)
	}
	return nil
}

// Set sets the bit at position pos.
func (bs *BitString) Set(pos int) error {
	if err := bs.check(pos); err != nil {
		return err
	}
	bs.words[pos/wordBits] |= 1 << (uint(pos) % wordBits)
	return nil
}

// Clear clears the bit at position pos.
func (bs *BitString) Clear(pos int) error {
	if err := bs.check(pos); err != nil {
		return err
	}
	bs.words[pos/wordBits] &^= 1 << (uint(pos) % wordBits)
	return nil
}

// Test reports whether the bit at position pos is set.
func (bs *BitString) Test(pos int) (bool, error) {
	if err := bs.check(pos); err != nil {
		return false, err
	}
	return bs.words[pos/wordBits]&(1<<(uint(pos)%wordBits)) != 0, nil
}

// And returns a new bitstring holding the bitwise AND of bs and other.
// Both operands must have the same length code.
func (bs *BitString) And(other *BitString) (*BitString, error) {
	if bs.bsl != other.bsl {
		return nil, fmt.Errorf("and %s with %s: %w", bs.bsl, other.bsl, ErrLengthMismatch)
	}
	out := bs.Clone()
	for i, w := range other.words {
		out.words[i] &= w
	}
	return out, nil
}

// AndNot clears, in place, every bit of bs that is set in other.
// Both operands must have the same length code.
func (bs *BitString) AndNot(other *BitString) error {
	if bs.bsl != other.bsl {
		return fmt.Errorf("andnot %s with %s: %w", bs.bsl, other.bsl, ErrLengthMismatch)
	}
	for i, w := range other.words {
		bs.words[i] &^= w
	}
	return nil
}

// IsZero reports whether no bit is set.
func (bs *BitString) IsZero() bool {
	for _, w := range bs.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// FirstSet returns the lowest set bit position. The lowest-index tie-break
// determines replication order and must stay deterministic.
func (bs *BitString) FirstSet() (int, bool) {
	for i, w := range bs.words {
		if w != 0 {
			return i*wordBits + bits.TrailingZeros64(w), true
		}
	}
	return 0, false
}

// ClearAndAdvance clears the bit at pos and returns the lowest set bit
// remaining, if any.
func (bs *BitString) ClearAndAdvance(pos int) (int, bool, error) {
	if err := bs.Clear(pos); err != nil {
		return 0, false, err
	}
	next, ok := bs.FirstSet()
	return next, ok, nil
}

// CountSet returns the number of set bits.
func (bs *BitString) CountSet() int {
	var n int
	for _, w := range bs.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns an independent copy of the bitstring.
func (bs *BitString) Clone() *BitString {
	words := make([]uint64, len(bs.words))
	copy(words, bs.words)
	return &BitString{bsl: bs.bsl, words: words}
}

// Equal reports whether both bitstrings have the same length code and the
// same bits set.
func (bs *BitString) Equal(other *BitString) bool {
	if other == nil || bs.bsl != other.bsl {
		return false
	}
	for i, w := range bs.words {
		if w != other.words[i] {
			return false
		}
	}
	return true
}

// Bytes returns the wire-format bitstring, most significant word first.
func (bs *BitString) Bytes() []byte {
	out := make([]byte, bs.bsl.Bytes())
	bs.put(out)
	return out
}

// put writes the wire-format bitstring into buf, which must hold at least
// bs.BSL().Bytes() bytes.
func (bs *BitString) put(buf []byte) {
	n := len(bs.words)
	for i := range n {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], bs.words[n-1-i])
	}
}

// String returns the full-width binary-string form, most significant bit
// first. Inverse of ParseBitString.
func (bs *BitString) String() string {
	var sb strings.Builder
	sb.Grow(bs.bsl.Bits())
	for i := len(bs.words) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%064b", bs.words[i])
	}
	return sb.String()
}
