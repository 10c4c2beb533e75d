package bier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 8296 Section 2.1
// -------------------------------------------------------------------------

// Version is the BIER header version (RFC 8296 Section 2.1.2).
// This document defines version 0.
const Version uint8 = 0

// NibbleBIER is the first nibble of the BIER header (RFC 8296
// Section 2.1.2: 0101, distinguishing BIER from IPv4/IPv6 payloads under
// an MPLS label).
const NibbleBIER uint8 = 0x5

// HeaderFixedSize is the fixed BIER header prefix size in bytes
// (RFC 8296 Section 2.1.1: 3 x 32-bit words before the BitString).
const HeaderFixedSize = 12

// MinHeaderSize is the smallest well-formed BIER header: the fixed prefix
// plus a 64-bit bitstring.
const MinHeaderSize = HeaderFixedSize + 8

// MaxPacketSize is the buffer size used for BIER packet I/O: the fixed
// prefix, the largest supported bitstring (4096 bits), and jumbo-frame
// payload headroom.
const MaxPacketSize = 9216

// Field width limits for the two sub-byte multi-bit fields.
const (
	// maxBIFTID is the largest 20-bit BIFT-id (RFC 8296 Section 2.1.2).
	maxBIFTID = 1<<20 - 1

	// maxEntropy is the largest 20-bit entropy value.
	maxEntropy = 1<<20 - 1
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

var (
	// ErrTruncated indicates fewer bytes than the declared or minimum
	// length of a header or message.
	ErrTruncated = errors.New("truncated input")

	// ErrFieldRange indicates a header field value that does not fit its
	// wire-format width.
	ErrFieldRange = errors.New("field value out of range")

	// ErrNilBitString indicates a header marshaled without a bitstring.
	ErrNilBitString = errors.New("header has no bitstring")

	// ErrBufTooSmall indicates the caller-provided buffer cannot hold the
	// encoded header.
	ErrBufTooSmall = errors.New("buffer too small for BIER header")
)

// unmarshalErrPrefix is the common error prefix for header decode failures.
const unmarshalErrPrefix = "unmarshal BIER header"

// -------------------------------------------------------------------------
// Header — RFC 8296 Section 2.1.1
// -------------------------------------------------------------------------

// Header represents a decoded BIER encapsulation header
// (RFC 8296 Section 2.1.1).
//
// Wire format:
//
//	Bytes 0-3:   BIFT-id(20) | TC(3) | S(1) | TTL(8)
//	Bytes 4-7:   Nibble(4) | Ver(4) | BSL(4) | Entropy(20)
//	Bytes 8-9:   OAM(2) | Rsv(2) | DSCP(6)
//	Byte 9:      Proto(6, low bits)
//	Bytes 10-11: BFIR-id(16)
//	Bytes 12+:   BitString (length derived from BSL)
//
// The BSL field is not stored separately: it is always derived from the
// attached BitString, which keeps the header/bitstring length invariant
// true by construction. All other fields are carried unmodified through
// every replication hop; only the bitstring is replaced with the residual.
type Header struct {
	// BIFTID selects the forwarding table: it encodes the
	// (sub-domain, bitstring length, set identifier) triple the packet
	// belongs to (RFC 8279 Section 3, RFC 8296 Section 2.1.2).
	BIFTID uint32

	// TC is the traffic class (3 bits, RFC 8296 Section 2.1.2).
	TC uint8

	// S is the bottom-of-stack bit carried for MPLS compatibility.
	S bool

	// TTL is the BIER hop limit (8 bits).
	TTL uint8

	// Nibble is the first nibble; NibbleBIER for BIER packets.
	Nibble uint8

	// Ver is the header version (4 bits). MUST be 0.
	Ver uint8

	// Entropy is an opaque 20-bit load-balancing value, carried
	// unmodified (RFC 8296 Section 2.1.2).
	Entropy uint32

	// OAM is the 2-bit OAM field; it has no effect on forwarding.
	OAM uint8

	// Rsv is the 2-bit reserved field, carried as received.
	Rsv uint8

	// DSCP is the 6-bit DSCP field.
	DSCP uint8

	// Proto identifies the payload type (6 bits, RFC 8296 Section 2.1.2).
	// The forwarding plane treats the payload as opaque.
	Proto uint8

	// BFIRID identifies the ingress router that encapsulated the packet
	// (16 bits, 1-based). Carried unmodified end to end.
	BFIRID uint16

	// BitString names every egress router the packet is still destined
	// for. Never nil in a well-formed header.
	BitString *BitString
}

// WireSize returns the encoded header length in bytes.
func (h *Header) WireSize() int {
	if h.BitString == nil {
		return HeaderFixedSize
	}
	return HeaderFixedSize + h.BitString.BSL().Bytes()
}

// Clone returns a deep copy of the header. The bitstring is cloned too,
// so the copy can be mutated independently.
func (h *Header) Clone() *Header {
	out := *h
	if h.BitString != nil {
		out.BitString = h.BitString.Clone()
	}
	return &out
}

// -------------------------------------------------------------------------
// MarshalHeader — RFC 8296 Section 2.1.1
// -------------------------------------------------------------------------

// MarshalHeader serializes h into buf and returns the number of bytes
// written: exactly HeaderFixedSize + the bitstring byte length. The buffer
// MUST be at least h.WireSize() bytes; callers typically provide a
// MaxPacketSize buffer from PacketPool.
//
// Zero-allocation: uses encoding/binary.BigEndian directly on the buffer.
func MarshalHeader(h *Header, buf []byte) (int, error) {
	if h.BitString == nil {
		return 0, fmt.Errorf("marshal BIER header: %w", ErrNilBitString)
	}
	total := h.WireSize()
	if len(buf) < total {
		return 0, fmt.Errorf("marshal BIER header: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}
	if h.BIFTID > maxBIFTID {
		return 0, fmt.Errorf("marshal BIER header: BIFT-id %d: %w", h.BIFTID, ErrFieldRange)
	}
	if h.Entropy > maxEntropy {
		return 0, fmt.Errorf("marshal BIER header: entropy %d: %w", h.Entropy, ErrFieldRange)
	}

	// Bytes 0-3: BIFT-id(20) | TC(3) | S(1) | TTL(8).
	word0 := h.BIFTID<<12 | uint32(h.TC&0x7)<<9 | uint32(h.TTL)
	if h.S {
		word0 |= 1 << 8
	}
	binary.BigEndian.PutUint32(buf[0:4], word0)

	// Bytes 4-7: Nibble(4) | Ver(4) | BSL(4) | Entropy(20).
	word1 := uint32(h.Nibble&0xF)<<28 | uint32(h.Ver&0xF)<<24 |
		uint32(h.BitString.BSL())<<20 | h.Entropy
	binary.BigEndian.PutUint32(buf[4:8], word1)

	// Bytes 8-9: OAM(2) | Rsv(2) | DSCP(6) | Proto(6).
	buf[8] = (h.OAM&0x3)<<6 | (h.Rsv&0x3)<<4 | h.DSCP>>2&0xF
	buf[9] = (h.DSCP&0x3)<<6 | h.Proto&0x3F

	// Bytes 10-11: BFIR-id.
	binary.BigEndian.PutUint16(buf[10:12], h.BFIRID)

	// Bytes 12+: bitstring, most significant word first.
	h.BitString.put(buf[HeaderFixedSize:total])

	return total, nil
}

// -------------------------------------------------------------------------
// UnmarshalHeader — RFC 8296 Section 2.1.1
// -------------------------------------------------------------------------

// UnmarshalHeader decodes a BIER header from the front of buf, returning
// the header and the number of bytes consumed. Remaining bytes are the
// encapsulated payload.
//
// Only structural well-formedness is checked here: an unknown BSL code
// fails with ErrUnsupportedBSL and a short buffer fails with ErrTruncated.
// Sub-domain and BFIR-id semantics are the forwarding engine's job.
func UnmarshalHeader(buf []byte) (*Header, int, error) {
	if len(buf) < HeaderFixedSize {
		return nil, 0, fmt.Errorf("%s: received %d bytes, fixed prefix is %d: %w",
			unmarshalErrPrefix, len(buf), HeaderFixedSize, ErrTruncated)
	}

	bsl := BSL(buf[5] >> 4)
	if !bsl.Valid() {
		return nil, 0, fmt.Errorf("%s: BSL code %d: %w",
			unmarshalErrPrefix, uint8(bsl), ErrUnsupportedBSL)
	}

	total := HeaderFixedSize + bsl.Bytes()
	if len(buf) < total {
		return nil, 0, fmt.Errorf("%s: declared %d bytes, got %d: %w",
			unmarshalErrPrefix, total, len(buf), ErrTruncated)
	}

	bs, err := BitStringFromBytes(buf[HeaderFixedSize:total])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", unmarshalErrPrefix, err)
	}

	word0 := binary.BigEndian.Uint32(buf[0:4])
	word1 := binary.BigEndian.Uint32(buf[4:8])

	h := &Header{
		BIFTID:    word0 >> 12,
		TC:        uint8(word0 >> 9 & 0x7),
		S:         word0&(1<<8) != 0,
		TTL:       uint8(word0),
		Nibble:    buf[4] >> 4,
		Ver:       buf[4] & 0xF,
		Entropy:   word1 & maxEntropy,
		OAM:       buf[8] >> 6,
		Rsv:       buf[8] >> 4 & 0x3,
		DSCP:      uint8(binary.BigEndian.Uint16(buf[8:10]) >> 6 & 0x3F),
		Proto:     buf[9] & 0x3F,
		BFIRID:    binary.BigEndian.Uint16(buf[10:12]),
		BitString: bs,
	}

	return h, total, nil
}

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for zero-allocation I/O
// -------------------------------------------------------------------------

// PacketPool provides reusable buffers for BIER packet I/O.
// Callers Get() a *[]byte before receiving, and Put() it after processing.
// The pool stores *[]byte to avoid interface allocation on Get()/Put().
//
// Usage:
//
//	bufp := PacketPool.Get().(*[]byte)
//	defer PacketPool.Put(bufp)
//	n, meta, err := conn.ReadPacket(*bufp)
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}
