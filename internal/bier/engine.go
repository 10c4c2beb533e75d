package bier

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Forwarding Results
// -------------------------------------------------------------------------

// DropReason explains why a packet produced no output at all.
type DropReason uint8

const (
	// DropNone means the packet was not dropped.
	DropNone DropReason = 0

	// DropUnknownSubDomain means the header's BIFT-id resolves to no
	// configured table, so there is nothing valid to do with the packet.
	DropUnknownSubDomain DropReason = 1
)

// dropReasonNames maps drop reasons to label strings.
var dropReasonNames = [2]string{
	"none",
	"unknown_sub_domain",
}

// String returns the metric label for the drop reason.
func (d DropReason) String() string {
	if int(d) < len(dropReasonNames) {
		return dropReasonNames[d]
	}
	return fmt.Sprintf("unknown(%d)", uint8(d))
}

// Action is one replication decision: send Packet to NextHop. The engine
// never performs I/O itself; the caller executes each action against its
// transport.
type Action struct {
	// NextHop is the neighbor to send to.
	NextHop netip.Addr

	// Packet is the fully encoded BIER packet (header with the residual
	// bitstring, followed by the payload). Owned by the action; it
	// aliases neither the input buffer nor any other action.
	Packet []byte
}

// Result is the terminal state of processing one packet: the
// local-delivery flag with its payload, the ordered replication actions,
// and per-bit no-route diagnostics. A missing route for one egress bit
// never blocks delivery to the others.
type Result struct {
	// LocalDelivery reports that this router's own bit was set: Payload
	// must be handed to the upper-layer application.
	LocalDelivery bool

	// Payload is the decapsulated payload when LocalDelivery is true.
	// It is a copy; the caller's receive buffer may be reused.
	Payload []byte

	// Actions are the replication decisions in deterministic
	// lowest-bit-first order, one per next-hop neighbor.
	Actions []Action

	// NoRoute lists bit positions that had no configured adjacency.
	NoRoute []int

	// Drop is the whole-packet drop reason, or DropNone.
	Drop DropReason
}

// Dropped reports whether the packet was dropped outright.
func (r *Result) Dropped() bool {
	return r.Drop != DropNone
}

// -------------------------------------------------------------------------
// Observer — forwarding telemetry hooks
// -------------------------------------------------------------------------

// Observer receives forwarding-plane events. Implemented by the Prometheus
// collector; a no-op implementation is used when none is configured.
type Observer interface {
	// PacketProcessed is called once per packet entering the engine.
	PacketProcessed()

	// ActionEmitted is called once per replication action.
	ActionEmitted()

	// LocalDelivered is called when a payload is delivered locally.
	LocalDelivered()

	// PacketDropped is called when a whole packet is dropped.
	PacketDropped(reason string)

	// NoRouteBit is called once per egress bit with no adjacency.
	NoRouteBit()
}

// nopObserver discards all events.
type nopObserver struct{}

func (nopObserver) PacketProcessed()     {}
func (nopObserver) ActionEmitted()       {}
func (nopObserver) LocalDelivered()      {}
func (nopObserver) PacketDropped(string) {}
func (nopObserver) NoRouteBit()          {}

// -------------------------------------------------------------------------
// Engine — RFC 8279 Section 6.5
// -------------------------------------------------------------------------

// defaultTTL is the BIER TTL used for locally originated packets.
const defaultTTL uint8 = 64

// Engine computes replication decisions for BIER packets against an
// immutable table snapshot.
//
// Processing is a pure function of (bytes in, table, local identity):
// the engine performs no I/O, owns no per-packet state, and mutates only
// its own working copy of the bitstring. Any number of packets may be
// processed concurrently; the table pointer is swapped atomically on
// reconfiguration so in-flight lookups keep their snapshot.
type Engine struct {
	table    atomic.Pointer[Table]
	logger   *slog.Logger
	observer Observer
	proto    uint8
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver wires forwarding telemetry into the engine.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithOriginateProto sets the Proto field stamped on locally originated
// packets. Payloads are opaque to the forwarding plane; the value only
// matters to the receiving application.
func WithOriginateProto(proto uint8) Option {
	return func(e *Engine) {
		e.proto = proto & 0x3F
	}
}

// NewEngine creates a forwarding engine over the given table snapshot.
func NewEngine(table *Table, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger.With(slog.String("component", "bier.engine")),
		observer: nopObserver{},
	}
	e.table.Store(table)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Table returns the current table snapshot.
func (e *Engine) Table() *Table {
	return e.table.Load()
}

// SwapTable atomically replaces the table snapshot. In-flight packets
// finish against the snapshot they started with.
func (e *Engine) SwapTable(t *Table) {
	e.table.Swap(t)
	e.logger.Info("forwarding table swapped",
		slog.Int("bifts", len(t.byID)),
		slog.Int("entries", t.NumEntries()),
	)
}

// ProcessIncoming decodes a received BIER packet and computes its
// replication actions (RFC 8279 Section 6.5).
//
// Structural decode failures (truncated input, unsupported BSL) are
// returned as errors and abort only this packet. Everything else is
// expressed in the Result: an unknown BIFT-id drops the packet, a missing
// route for a single bit is recorded as a diagnostic while forwarding
// continues, and an all-zero bitstring yields an empty result.
func (e *Engine) ProcessIncoming(buf []byte) (*Result, error) {
	hdr, consumed, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("process incoming: %w", err)
	}
	e.observer.PacketProcessed()

	table := e.table.Load()
	bift, ok := table.ByID(hdr.BIFTID)
	if !ok {
		e.observer.PacketDropped(DropUnknownSubDomain.String())
		e.logger.Debug("dropping packet for unknown BIFT-id",
			slog.Uint64("bift_id", uint64(hdr.BIFTID)),
			slog.Uint64("bfir_id", uint64(hdr.BFIRID)),
		)
		return &Result{Drop: DropUnknownSubDomain}, nil
	}

	res := &Result{}
	payload := buf[consumed:]

	// Working copy: the input bitstring is never mutated, and the copy is
	// never shared with any emitted packet.
	working := hdr.BitString.Clone()

	// Local delivery happens independently of, and before, replication.
	if bift.LocalBFRID != 0 {
		pos := int(bift.LocalBFRID) - 1
		if set, testErr := working.Test(pos); testErr == nil && set {
			res.LocalDelivery = true
			res.Payload = append([]byte(nil), payload...)
			_ = working.Clear(pos)
			e.observer.LocalDelivered()
		}
	}

	if err := e.replicate(bift, hdr, payload, working, res); err != nil {
		return nil, fmt.Errorf("process incoming: %w", err)
	}

	e.logger.Debug("packet processed",
		slog.Uint64("bift_id", uint64(hdr.BIFTID)),
		slog.Int("actions", len(res.Actions)),
		slog.Bool("local", res.LocalDelivery),
		slog.Int("no_route", len(res.NoRoute)),
	)
	return res, nil
}

// replicate runs the replication loop over the working bitstring.
//
// Each iteration takes the lowest set bit, ANDs the working set with that
// neighbor's F-BM to form the residual for the emitted copy, and clears
// the whole F-BM from the working set: one packet copy per next-hop, not
// per egress bit. The loop terminates in at most BSL iterations.
func (e *Engine) replicate(bift *BIFT, hdr *Header, payload []byte, working *BitString, res *Result) error {
	type emitKey struct {
		nextHop  netip.Addr
		residual string
	}
	var emitted map[emitKey]struct{}

	for {
		pos, ok := working.FirstSet()
		if !ok {
			return nil
		}

		adj, ok := bift.Adjacency(pos)
		if !ok {
			// No route for this bit must not block delivery to the
			// other egress routers.
			res.NoRoute = append(res.NoRoute, pos)
			e.observer.NoRouteBit()
			e.logger.Warn("no route for egress bit",
				slog.Uint64("bift_id", uint64(bift.ID)),
				slog.Int("bit", pos),
			)
			if _, _, err := working.ClearAndAdvance(pos); err != nil {
				return err
			}
			continue
		}

		residual, err := working.And(adj.FBM)
		if err != nil {
			return err
		}

		key := emitKey{nextHop: adj.NextHop, residual: string(residual.Bytes())}
		if _, dup := emitted[key]; !dup {
			pkt, encErr := encodeCopy(hdr, residual, payload)
			if encErr != nil {
				return encErr
			}
			res.Actions = append(res.Actions, Action{NextHop: adj.NextHop, Packet: pkt})
			if emitted == nil {
				emitted = make(map[emitKey]struct{})
			}
			emitted[key] = struct{}{}
			e.observer.ActionEmitted()
		}

		// This neighbor's reachable set is now fully accounted for,
		// whether or not a new action was emitted.
		if err := working.AndNot(adj.FBM); err != nil {
			return err
		}
	}
}

// encodeCopy encodes one replication copy: the received header with its
// bitstring replaced by the residual, followed by the payload. Every other
// header field is carried unmodified.
func encodeCopy(hdr *Header, residual *BitString, payload []byte) ([]byte, error) {
	out := *hdr
	out.BitString = residual

	pkt := make([]byte, out.WireSize()+len(payload))
	n, err := MarshalHeader(&out, pkt)
	if err != nil {
		return nil, fmt.Errorf("encode replication copy: %w", err)
	}
	copy(pkt[n:], payload)
	return pkt, nil
}

// Originate encapsulates an application payload for the given sub-domain
// and target bitstring, returning bytes ready for transmission. The
// header carries this router's configured BFR-id as BFIR-id; the caller
// feeds the result back through ProcessIncoming to replicate it.
//
// Locally originated packets always use set identifier 0; wider egress
// sets are split by the configuration layer before they reach the engine.
func (e *Engine) Originate(subDomain uint8, target *BitString, payload []byte) ([]byte, error) {
	table := e.table.Load()
	bift, ok := table.ByKey(Key{SubDomain: subDomain, SetIndex: 0})
	if !ok {
		return nil, fmt.Errorf("originate: sub-domain %d: %w", subDomain, ErrUnknownSubDomain)
	}
	if target == nil || target.BSL() != bift.BSL {
		return nil, fmt.Errorf("originate: sub-domain %d wants %s: %w",
			subDomain, bift.BSL, ErrLengthMismatch)
	}

	hdr := &Header{
		BIFTID:    bift.ID,
		TTL:       defaultTTL,
		Nibble:    NibbleBIER,
		Ver:       Version,
		Proto:     e.proto,
		BFIRID:    bift.LocalBFRID,
		BitString: target,
	}

	pkt := make([]byte, hdr.WireSize()+len(payload))
	n, err := MarshalHeader(hdr, pkt)
	if err != nil {
		return nil, fmt.Errorf("originate: %w", err)
	}
	copy(pkt[n:], payload)
	return pkt, nil
}
