package topo_test

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dantte-lp/gobier/internal/bier"
	"github.com/dantte-lp/gobier/internal/config"
	"github.com/dantte-lp/gobier/internal/topo"
)

// diamondTopo is an extended diamond:
//
//	    a
//	  /   \
//	 b     c
//	  \   /
//	    d
//	    |
//	    e
const diamondTopo = `a b 1 1
a c 1 1
b d 1 1
c d 1 1
d e 1 1
`

const diamondAddrs = `0 babe:cafe:0::1/64
1 babe:cafe:1::1/64
2 babe:cafe:2::1/64
3 babe:cafe:3::1/64
4 babe:cafe:4::1/64
`

func diamondGraph(t *testing.T) *topo.Graph {
	t.Helper()

	g, err := topo.ParseTopology(strings.NewReader(diamondTopo))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	addrs, err := topo.ParseAddrs(strings.NewReader(diamondAddrs))
	if err != nil {
		t.Fatalf("ParseAddrs: %v", err)
	}
	if err := g.SetAddrs(addrs); err != nil {
		t.Fatalf("SetAddrs: %v", err)
	}
	return g
}

func TestParseTopology(t *testing.T) {
	t.Parallel()

	g := diamondGraph(t)

	if g.NumNodes() != 5 {
		t.Fatalf("NumNodes = %d, want 5", g.NumNodes())
	}

	// First-appearance order assigns bit positions.
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		if got := g.NodeName(i); got != name {
			t.Errorf("NodeName(%d) = %q, want %q", i, got, name)
		}
		idx, ok := g.NodeIndex(name)
		if !ok || idx != i {
			t.Errorf("NodeIndex(%q) = %d, %v, want %d, true", name, idx, ok, i)
		}
	}

	// babe:cafe:0::1 normalizes to babe:cafe::1.
	if got := g.NodeAddr(0); got != netip.MustParseAddr("babe:cafe::1") {
		t.Errorf("NodeAddr(0) = %s", got)
	}
	if got := g.NodeAddr(4); got != netip.MustParseAddr("babe:cafe:4::1") {
		t.Errorf("NodeAddr(4) = %s", got)
	}
}

func TestParseTopologyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"short line", "a b\n", topo.ErrBadTopologyLine},
		{"metric not a number", "a b x\n", topo.ErrBadMetric},
		{"metric zero", "a b 0\n", topo.ErrBadMetric},
		{"metric negative", "a b -3\n", topo.ErrBadMetric},
		{"self link", "a a 1\n", topo.ErrSelfLink},
		{"empty", "\n\n", topo.ErrEmptyTopology},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := topo.ParseTopology(strings.NewReader(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseAddrsErrors(t *testing.T) {
	t.Parallel()

	if _, err := topo.ParseAddrs(strings.NewReader("0\n")); !errors.Is(err, topo.ErrBadAddrLine) {
		t.Errorf("short line: err = %v, want %v", err, topo.ErrBadAddrLine)
	}
	if _, err := topo.ParseAddrs(strings.NewReader("0 not-an-addr/64\n")); err == nil {
		t.Error("bad address: err = nil, want parse error")
	}
}

func TestSetAddrsCountMismatch(t *testing.T) {
	t.Parallel()

	g, err := topo.ParseTopology(strings.NewReader(diamondTopo))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	short := []netip.Addr{netip.MustParseAddr("10.0.0.1")}
	if err := g.SetAddrs(short); !errors.Is(err, topo.ErrAddrCount) {
		t.Errorf("err = %v, want %v", err, topo.ErrAddrCount)
	}
}

func TestLoadFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	topoPath := filepath.Join(dir, "topo.ntf")
	addrsPath := filepath.Join(dir, "addrs.txt")
	if err := os.WriteFile(topoPath, []byte(diamondTopo), 0o600); err != nil {
		t.Fatalf("write topo: %v", err)
	}
	if err := os.WriteFile(addrsPath, []byte(diamondAddrs), 0o600); err != nil {
		t.Fatalf("write addrs: %v", err)
	}

	g, err := topo.Load(topoPath, addrsPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.NumNodes() != 5 {
		t.Errorf("NumNodes = %d, want 5", g.NumNodes())
	}

	if _, err := topo.Load(filepath.Join(dir, "missing"), addrsPath); err == nil {
		t.Error("missing topology file: err = nil")
	}
}

// wantPath is one expected candidate adjacency.
type wantPath struct {
	nh  string
	fbm string
}

// wantEntry is one expected destination entry.
type wantEntry struct {
	bfr   uint16
	paths []wantPath
}

func TestDiamondSections(t *testing.T) {
	t.Parallel()

	const (
		a = "babe:cafe::1"
		b = "babe:cafe:1::1"
		c = "babe:cafe:2::1"
		d = "babe:cafe:3::1"
		e = "babe:cafe:4::1"
	)

	// Each node's expected entries: every destination, every equal-cost
	// next hop in node order, bitmask of destinations served via that
	// neighbor.
	want := [][]wantEntry{
		{ // node a, bfr 1
			{1, []wantPath{{a, "1"}}},
			{2, []wantPath{{b, "11010"}}},
			{3, []wantPath{{c, "11100"}}},
			{4, []wantPath{{b, "11010"}, {c, "11100"}}},
			{5, []wantPath{{b, "11010"}, {c, "11100"}}},
		},
		{ // node b, bfr 2
			{1, []wantPath{{a, "101"}}},
			{2, []wantPath{{b, "10"}}},
			{3, []wantPath{{a, "101"}, {d, "11100"}}},
			{4, []wantPath{{d, "11100"}}},
			{5, []wantPath{{d, "11100"}}},
		},
		{ // node c, bfr 3
			{1, []wantPath{{a, "11"}}},
			{2, []wantPath{{a, "11"}, {d, "11010"}}},
			{3, []wantPath{{c, "100"}}},
			{4, []wantPath{{d, "11010"}}},
			{5, []wantPath{{d, "11010"}}},
		},
		{ // node d, bfr 4
			{1, []wantPath{{b, "11"}, {c, "101"}}},
			{2, []wantPath{{b, "11"}}},
			{3, []wantPath{{c, "101"}}},
			{4, []wantPath{{d, "1000"}}},
			{5, []wantPath{{e, "10000"}}},
		},
		{ // node e, bfr 5
			{1, []wantPath{{d, "1111"}}},
			{2, []wantPath{{d, "1111"}}},
			{3, []wantPath{{d, "1111"}}},
			{4, []wantPath{{d, "1111"}}},
			{5, []wantPath{{e, "10000"}}},
		},
	}

	g := diamondGraph(t)
	sections, err := g.AllSections(topo.GenerateOptions{})
	if err != nil {
		t.Fatalf("AllSections: %v", err)
	}
	if len(sections) != 5 {
		t.Fatalf("sections = %d, want 5", len(sections))
	}

	for node, sec := range sections {
		if sec.BIFTID != 1 || sec.SubDomain != 0 || sec.SetIndex != 0 {
			t.Errorf("node %d: identity = %d/%d/%d, want 1/0/0",
				node, sec.BIFTID, sec.SubDomain, sec.SetIndex)
		}
		if sec.BSL != 64 {
			t.Errorf("node %d: bsl = %d, want 64", node, sec.BSL)
		}
		if sec.BFRID != uint16(node+1) {
			t.Errorf("node %d: bfr_id = %d, want %d", node, sec.BFRID, node+1)
		}
		if len(sec.Entries) != len(want[node]) {
			t.Fatalf("node %d: entries = %d, want %d", node, len(sec.Entries), len(want[node]))
		}

		for i, entry := range sec.Entries {
			w := want[node][i]
			if entry.BFR != w.bfr {
				t.Errorf("node %d entry %d: bfr = %d, want %d", node, i, entry.BFR, w.bfr)
			}
			if len(entry.Paths) != len(w.paths) {
				t.Fatalf("node %d entry %d: paths = %d, want %d",
					node, i, len(entry.Paths), len(w.paths))
			}
			for p, path := range entry.Paths {
				if path.NextHop != w.paths[p].nh {
					t.Errorf("node %d entry %d path %d: next hop = %q, want %q",
						node, i, p, path.NextHop, w.paths[p].nh)
				}
				if path.Bitmask != w.paths[p].fbm {
					t.Errorf("node %d entry %d path %d: bitmask = %q, want %q",
						node, i, p, path.Bitmask, w.paths[p].fbm)
				}
			}
		}
	}
}

// Generated sections must validate and build into a forwarding table
// without further massaging.
func TestGeneratedSectionsBuildTable(t *testing.T) {
	t.Parallel()

	g := diamondGraph(t)
	sec, err := g.NodeSection(0, topo.GenerateOptions{})
	if err != nil {
		t.Fatalf("NodeSection: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.BIFTs = []config.BIFTSection{sec}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	table, err := config.BuildTable(cfg)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}

	// The self entry is served by local delivery, not an adjacency.
	if table.NumEntries() != 4 {
		t.Errorf("NumEntries = %d, want 4", table.NumEntries())
	}
	bift, ok := table.ByID(1)
	if !ok {
		t.Fatal("BIFT 1 not installed")
	}
	if bift.LocalBFRID != 1 {
		t.Errorf("LocalBFRID = %d, want 1", bift.LocalBFRID)
	}
}

func TestNodeSectionOptions(t *testing.T) {
	t.Parallel()

	g := diamondGraph(t)

	sec, err := g.NodeSection(2, topo.GenerateOptions{
		BIFTID:    77,
		SubDomain: 5,
		SetIndex:  1,
		BSL:       256,
	})
	if err != nil {
		t.Fatalf("NodeSection: %v", err)
	}
	if sec.BIFTID != 77 || sec.SubDomain != 5 || sec.SetIndex != 1 || sec.BSL != 256 {
		t.Errorf("section identity = %+v", sec)
	}
	if sec.BFRID != 3 {
		t.Errorf("bfr_id = %d, want 3", sec.BFRID)
	}

	if _, err := g.NodeSection(0, topo.GenerateOptions{BSL: 63}); err == nil {
		t.Error("invalid bsl: err = nil")
	}
}

// A chain longer than 64 nodes must auto-size to the next bitstring
// length.
func TestBSLAutoSize(t *testing.T) {
	t.Parallel()

	var topoBuf, addrBuf strings.Builder
	const n = 70
	for i := 0; i < n-1; i++ {
		fmt.Fprintf(&topoBuf, "n%d n%d 1\n", i, i+1)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&addrBuf, "%d 2001:db8::%x\n", i, i+1)
	}

	g, err := topo.ParseTopology(strings.NewReader(topoBuf.String()))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	addrs, err := topo.ParseAddrs(strings.NewReader(addrBuf.String()))
	if err != nil {
		t.Fatalf("ParseAddrs: %v", err)
	}
	if err := g.SetAddrs(addrs); err != nil {
		t.Fatalf("SetAddrs: %v", err)
	}

	sec, err := g.NodeSection(0, topo.GenerateOptions{})
	if err != nil {
		t.Fatalf("NodeSection: %v", err)
	}
	if sec.BSL != 128 {
		t.Errorf("bsl = %d, want 128", sec.BSL)
	}
	if len(sec.Entries) != n {
		t.Errorf("entries = %d, want %d", len(sec.Entries), n)
	}

	// Forcing a too-small bitstring length must fail.
	if _, err := g.NodeSection(0, topo.GenerateOptions{BSL: 64}); !errors.Is(err, bier.ErrBitRange) {
		t.Errorf("bsl 64 with %d nodes: err = %v, want %v", n, err, bier.ErrBitRange)
	}
}

func TestUnreachableDestination(t *testing.T) {
	t.Parallel()

	g, err := topo.ParseTopology(strings.NewReader("a b 1\nc d 1\n"))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("10.0.0.3"),
		netip.MustParseAddr("10.0.0.4"),
	}
	if err := g.SetAddrs(addrs); err != nil {
		t.Fatalf("SetAddrs: %v", err)
	}

	if _, err := g.NodeSection(0, topo.GenerateOptions{}); !errors.Is(err, topo.ErrUnreachable) {
		t.Errorf("err = %v, want %v", err, topo.ErrUnreachable)
	}
}

// Unequal metrics steer all traffic over the cheaper branch.
func TestMetricSteering(t *testing.T) {
	t.Parallel()

	// Same diamond but the a-b branch costs 10; everything from a goes
	// via c.
	g, err := topo.ParseTopology(strings.NewReader("a b 10\na c 1\nb d 1\nc d 1\n"))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("10.0.0.3"),
		netip.MustParseAddr("10.0.0.4"),
	}
	if err := g.SetAddrs(addrs); err != nil {
		t.Fatalf("SetAddrs: %v", err)
	}

	sec, err := g.NodeSection(0, topo.GenerateOptions{})
	if err != nil {
		t.Fatalf("NodeSection: %v", err)
	}

	// Destination b (bfr 2) is now reached a -> c -> d -> b (cost 3)
	// rather than the direct cost-10 link.
	entry := sec.Entries[1]
	if len(entry.Paths) != 1 {
		t.Fatalf("paths = %d, want 1", len(entry.Paths))
	}
	if entry.Paths[0].NextHop != "10.0.0.3" {
		t.Errorf("next hop = %q, want 10.0.0.3", entry.Paths[0].NextHop)
	}
	// c serves b, c, and d: bits 1, 2, 3.
	if entry.Paths[0].Bitmask != "1110" {
		t.Errorf("bitmask = %q, want 1110", entry.Paths[0].Bitmask)
	}
}
