package bier

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
)

// -------------------------------------------------------------------------
// Table Errors
// -------------------------------------------------------------------------

var (
	// ErrDuplicateEntry indicates two adjacency entries for the same
	// (sub-domain, set identifier, bit position) key. Each bit has exactly
	// one designated adjacency; this is a configuration conflict and is
	// fatal to table construction.
	ErrDuplicateEntry = errors.New("duplicate BIFT entry")

	// ErrDuplicateBIFT indicates two BIFT declarations with the same
	// BIFT-id or the same (sub-domain, set identifier) key.
	ErrDuplicateBIFT = errors.New("duplicate BIFT declaration")

	// ErrUnknownBIFT indicates an adjacency entry referencing a
	// (sub-domain, set identifier) with no declared BIFT.
	ErrUnknownBIFT = errors.New("entry references undeclared BIFT")

	// ErrInvalidNextHop indicates an adjacency with a zero next-hop
	// address.
	ErrInvalidNextHop = errors.New("invalid next-hop address")

	// ErrUnknownSubDomain indicates a packet or originate call for a
	// sub-domain with no BIFT entries at all.
	ErrUnknownSubDomain = errors.New("unknown sub-domain")
)

// -------------------------------------------------------------------------
// Adjacency — RFC 8279 Section 6.4
// -------------------------------------------------------------------------

// Adjacency is one BIFT entry: the neighbor a bit position is reached
// through, and that neighbor's forwarding bitmask (F-BM) naming every
// egress bit reachable through it. Adjacencies are populated from
// configuration before forwarding starts and are never mutated by the
// engine.
type Adjacency struct {
	// NextHop is the neighbor's address. Resolution to an interface or
	// link-layer address is the transport layer's concern.
	NextHop netip.Addr

	// FBM is the neighbor's forwarding bitmask, same length code as the
	// BIFT's bitstrings.
	FBM *BitString
}

// -------------------------------------------------------------------------
// BIFT — RFC 8279 Section 6.4
// -------------------------------------------------------------------------

// Key identifies a BIFT within a table: bit positions are only meaningful
// within one (sub-domain, set identifier) pair.
type Key struct {
	// SubDomain is the BIER sub-domain identifier (RFC 8279 Section 1:
	// 0-255).
	SubDomain uint8

	// SetIndex is the set identifier: bitstrings wider than the
	// configured BSL are split into fixed-width sets by the
	// configuration layer (RFC 8279 Section 3.1). The forwarding plane
	// only ever processes one set at a time.
	SetIndex uint8
}

// BIFT is the Bit Index Forwarding Table for one (sub-domain, set
// identifier): a mapping from bit position to adjacency, plus the local
// identity within that sub-domain. Immutable after Build.
type BIFT struct {
	// ID is the 20-bit BIFT-id carried in packet headers for this table.
	ID uint32

	// Key is the (sub-domain, set identifier) this table serves.
	Key Key

	// BSL is the bitstring length code all bitstrings in this table use.
	BSL BSL

	// LocalBFRID is this router's own 1-based BFR-id within the
	// sub-domain, or zero if this router is transit-only (no local bit).
	LocalBFRID uint16

	entries map[int]Adjacency
}

// Adjacency returns the adjacency for a bit position, or false if the bit
// has no configured route. A miss is "no route": the engine recovers it
// per bit, it is not fatal to the packet.
func (b *BIFT) Adjacency(pos int) (Adjacency, bool) {
	adj, ok := b.entries[pos]
	return adj, ok
}

// Positions returns the configured bit positions in ascending order.
// Used by the admin API; forwarding never iterates the table.
func (b *BIFT) Positions() []int {
	out := make([]int, 0, len(b.entries))
	for pos := range b.entries {
		out = append(out, pos)
	}
	sort.Ints(out)
	return out
}

// NumEntries returns the number of configured bit positions.
func (b *BIFT) NumEntries() int {
	return len(b.entries)
}

// -------------------------------------------------------------------------
// Table — immutable BIFT snapshot
// -------------------------------------------------------------------------

// Table is an immutable set of BIFTs built once from configuration.
// It is safely shared by any number of concurrent forwarding calls;
// reconfiguration builds a new Table and atomically swaps the pointer
// (Engine.SwapTable), never mutating entries in place.
type Table struct {
	byID  map[uint32]*BIFT
	byKey map[Key]*BIFT
}

// ByID returns the BIFT with the given BIFT-id.
func (t *Table) ByID(id uint32) (*BIFT, bool) {
	b, ok := t.byID[id]
	return b, ok
}

// ByKey returns the BIFT for a (sub-domain, set identifier) pair.
func (t *Table) ByKey(k Key) (*BIFT, bool) {
	b, ok := t.byKey[k]
	return b, ok
}

// Lookup returns the adjacency for (sub-domain, set identifier, bit
// position), or false if either the BIFT or the bit is unconfigured.
func (t *Table) Lookup(subDomain, setIndex uint8, pos int) (Adjacency, bool) {
	b, ok := t.byKey[Key{SubDomain: subDomain, SetIndex: setIndex}]
	if !ok {
		return Adjacency{}, false
	}
	return b.Adjacency(pos)
}

// HasSubDomain reports whether any BIFT exists for the sub-domain.
func (t *Table) HasSubDomain(subDomain uint8) bool {
	for k := range t.byKey {
		if k.SubDomain == subDomain {
			return true
		}
	}
	return false
}

// BIFTs returns all tables ordered by BIFT-id. Used by the admin API.
func (t *Table) BIFTs() []*BIFT {
	out := make([]*BIFT, 0, len(t.byID))
	for _, b := range t.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NumEntries returns the total number of adjacency entries across all
// BIFTs.
func (t *Table) NumEntries() int {
	var n int
	for _, b := range t.byID {
		n += len(b.entries)
	}
	return n
}

// -------------------------------------------------------------------------
// Builder
// -------------------------------------------------------------------------

// BIFTConfig declares one BIFT before its entries are added.
type BIFTConfig struct {
	ID         uint32
	SubDomain  uint8
	SetIndex   uint8
	BSL        BSL
	LocalBFRID uint16
}

// Builder accumulates BIFT declarations and adjacency entries from
// configuration and produces an immutable Table. Configuration conflicts
// (duplicate declarations or entries) fail immediately so the engine never
// starts with an inconsistent table.
type Builder struct {
	byID  map[uint32]*BIFT
	byKey map[Key]*BIFT
}

// NewBuilder returns an empty table builder.
func NewBuilder() *Builder {
	return &Builder{
		byID:  make(map[uint32]*BIFT),
		byKey: make(map[Key]*BIFT),
	}
}

// AddBIFT declares a BIFT. The BIFT-id and the (sub-domain, set
// identifier) key must both be unique within the table.
func (bd *Builder) AddBIFT(cfg BIFTConfig) error {
	if !cfg.BSL.Valid() {
		return fmt.Errorf("bift %d: BSL code %d: %w", cfg.ID, uint8(cfg.BSL), ErrUnsupportedBSL)
	}
	if cfg.ID == 0 || cfg.ID > maxBIFTID {
		return fmt.Errorf("bift id %d: %w", cfg.ID, ErrFieldRange)
	}
	if _, dup := bd.byID[cfg.ID]; dup {
		return fmt.Errorf("bift id %d: %w", cfg.ID, ErrDuplicateBIFT)
	}
	key := Key{SubDomain: cfg.SubDomain, SetIndex: cfg.SetIndex}
	if _, dup := bd.byKey[key]; dup {
		return fmt.Errorf("bift sd %d si %d: %w", key.SubDomain, key.SetIndex, ErrDuplicateBIFT)
	}

	b := &BIFT{
		ID:         cfg.ID,
		Key:        key,
		BSL:        cfg.BSL,
		LocalBFRID: cfg.LocalBFRID,
		entries:    make(map[int]Adjacency),
	}
	bd.byID[cfg.ID] = b
	bd.byKey[key] = b
	return nil
}

// AddEntry installs the adjacency for one bit position in a previously
// declared BIFT. Rejects duplicate (sub-domain, set identifier, bit
// position) keys with ErrDuplicateEntry, forwarding bitmasks of the wrong
// length code with ErrLengthMismatch, and bit positions outside the
// BIFT's width with ErrBitRange.
func (bd *Builder) AddEntry(subDomain, setIndex uint8, pos int, nextHop netip.Addr, fbm *BitString) error {
	key := Key{SubDomain: subDomain, SetIndex: setIndex}
	b, ok := bd.byKey[key]
	if !ok {
		return fmt.Errorf("entry sd %d si %d bit %d: %w",
			subDomain, setIndex, pos, ErrUnknownBIFT)
	}
	if pos < 0 || pos >= b.BSL.Bits() {
		return fmt.Errorf("entry sd %d si %d bit %d of %s: %w",
			subDomain, setIndex, pos, b.BSL, ErrBitRange)
	}
	if !nextHop.IsValid() {
		return fmt.Errorf("entry sd %d si %d bit %d: %w",
			subDomain, setIndex, pos, ErrInvalidNextHop)
	}
	if fbm == nil || fbm.BSL() != b.BSL {
		return fmt.Errorf("entry sd %d si %d bit %d: F-BM: %w",
			subDomain, setIndex, pos, ErrLengthMismatch)
	}
	if _, dup := b.entries[pos]; dup {
		return fmt.Errorf("entry sd %d si %d bit %d: %w",
			subDomain, setIndex, pos, ErrDuplicateEntry)
	}

	b.entries[pos] = Adjacency{NextHop: nextHop, FBM: fbm.Clone()}
	return nil
}

// Build returns the immutable table. The builder must not be reused after
// Build.
func (bd *Builder) Build() *Table {
	return &Table{byID: bd.byID, byKey: bd.byKey}
}
