// Package topo builds per-node BIER forwarding configuration from a
// link-state topology description.
//
// A topology file lists one undirected link per line:
//
//	a b 1 1
//	a c 1 1
//
// The first two fields name the endpoints, the third is the IGP metric.
// Trailing fields are ignored. Node bit positions follow first
// appearance order: the first node named gets BFR-id 1, the next BFR-id
// 2, and so on.
//
// A separate address file maps each node, in the same order, to its
// routable address:
//
//	0 babe:cafe:0::1/64
//	1 babe:cafe:1::1/64
//
// From the graph the generator runs shortest-path first from every node
// and emits one BIFT section per node. Where multiple equal-cost
// shortest paths exist, every candidate next hop is emitted as a
// separate path; each path carries the forwarding bitmask of all
// destinations reachable through that neighbor on a shortest path.
package topo

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/dantte-lp/gobier/internal/bier"
	"github.com/dantte-lp/gobier/internal/config"
)

// Parsing and generation errors.
var (
	// ErrBadTopologyLine indicates a topology line with fewer than
	// three fields.
	ErrBadTopologyLine = errors.New("topology line needs <node> <node> <metric>")

	// ErrBadMetric indicates a link metric that is not a positive integer.
	ErrBadMetric = errors.New("link metric must be a positive integer")

	// ErrSelfLink indicates a link from a node to itself.
	ErrSelfLink = errors.New("link endpoints must differ")

	// ErrBadAddrLine indicates an address mapping line without an address
	// field.
	ErrBadAddrLine = errors.New("address line needs <index> <addr>[/prefix]")

	// ErrAddrCount indicates the address file does not cover every node.
	ErrAddrCount = errors.New("address count does not match node count")

	// ErrUnreachable indicates a node with no path to some destination.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrEmptyTopology indicates a topology file with no links.
	ErrEmptyTopology = errors.New("topology has no links")
)

// link is one directed half of an undirected adjacency.
type link struct {
	to   int
	cost int
}

// Graph is a parsed topology with node addresses attached.
type Graph struct {
	names []string
	index map[string]int
	addrs []netip.Addr
	adj   [][]link
}

// -------------------------------------------------------------------------
// Parsing
// -------------------------------------------------------------------------

// ParseTopology reads a link list and returns the graph without
// addresses. Blank lines are skipped.
func ParseTopology(r io.Reader) (*Graph, error) {
	g := &Graph{index: make(map[string]int)}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: %w", lineNo, ErrBadTopologyLine)
		}

		a := g.node(fields[0])
		b := g.node(fields[1])
		if a == b {
			return nil, fmt.Errorf("line %d: %q: %w", lineNo, fields[0], ErrSelfLink)
		}

		metric, err := strconv.Atoi(fields[2])
		if err != nil || metric <= 0 {
			return nil, fmt.Errorf("line %d: metric %q: %w", lineNo, fields[2], ErrBadMetric)
		}

		g.adj[a] = append(g.adj[a], link{to: b, cost: metric})
		g.adj[b] = append(g.adj[b], link{to: a, cost: metric})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	if len(g.names) == 0 {
		return nil, ErrEmptyTopology
	}

	return g, nil
}

// node returns the index for name, registering it on first sight.
func (g *Graph) node(name string) int {
	if id, ok := g.index[name]; ok {
		return id
	}
	id := len(g.names)
	g.index[name] = id
	g.names = append(g.names, name)
	g.adj = append(g.adj, nil)
	return id
}

// ParseAddrs reads the node address mapping, one node per line in node
// order. The address is the second field; a /prefix suffix is stripped.
func ParseAddrs(r io.Reader) ([]netip.Addr, error) {
	var addrs []netip.Addr

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: %w", lineNo, ErrBadAddrLine)
		}

		addrStr, _, _ := strings.Cut(fields[1], "/")
		addr, err := netip.ParseAddr(addrStr)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse address %q: %w", lineNo, addrStr, err)
		}
		addrs = append(addrs, addr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read addresses: %w", err)
	}

	return addrs, nil
}

// SetAddrs attaches node addresses to the graph. The slice must have
// exactly one address per node, in node order.
func (g *Graph) SetAddrs(addrs []netip.Addr) error {
	if len(addrs) != len(g.names) {
		return fmt.Errorf("%d addresses for %d nodes: %w", len(addrs), len(g.names), ErrAddrCount)
	}
	g.addrs = slices.Clone(addrs)
	return nil
}

// Load parses a topology file and its node address file.
func Load(topoPath, addrsPath string) (*Graph, error) {
	tf, err := os.Open(topoPath)
	if err != nil {
		return nil, fmt.Errorf("open topology %s: %w", topoPath, err)
	}
	defer tf.Close()

	g, err := ParseTopology(tf)
	if err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", topoPath, err)
	}

	af, err := os.Open(addrsPath)
	if err != nil {
		return nil, fmt.Errorf("open addresses %s: %w", addrsPath, err)
	}
	defer af.Close()

	addrs, err := ParseAddrs(af)
	if err != nil {
		return nil, fmt.Errorf("parse addresses %s: %w", addrsPath, err)
	}
	if err := g.SetAddrs(addrs); err != nil {
		return nil, err
	}

	return g, nil
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.names) }

// NodeName returns the name of node i.
func (g *Graph) NodeName(i int) string { return g.names[i] }

// NodeAddr returns the address of node i.
func (g *Graph) NodeAddr(i int) netip.Addr { return g.addrs[i] }

// NodeIndex returns the index of the named node.
func (g *Graph) NodeIndex(name string) (int, bool) {
	id, ok := g.index[name]
	return id, ok
}

// -------------------------------------------------------------------------
// Shortest Paths
// -------------------------------------------------------------------------

type heapItem struct {
	node int
	dist int
}

type nodeHeap []heapItem

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// predecessors runs Dijkstra from src and returns, for every node, the
// set of predecessors lying on some shortest path from src. A node on
// several equal-cost shortest paths keeps all of them.
func (g *Graph) predecessors(src int) [][]int {
	n := len(g.names)
	dist := make([]int, n)
	for i := range dist {
		dist[i] = math.MaxInt
	}
	dist[src] = 0
	preds := make([][]int, n)

	pq := &nodeHeap{{node: src, dist: 0}}
	for pq.Len() > 0 {
		item := heap.Pop(pq).(heapItem)
		if item.dist > dist[item.node] {
			continue // stale queue entry
		}
		for _, l := range g.adj[item.node] {
			nd := item.dist + l.cost
			switch {
			case nd < dist[l.to]:
				dist[l.to] = nd
				preds[l.to] = []int{item.node}
				heap.Push(pq, heapItem{node: l.to, dist: nd})
			case nd == dist[l.to] && !slices.Contains(preds[l.to], item.node):
				preds[l.to] = append(preds[l.to], item.node)
			}
		}
	}

	return preds
}

// outNeighbors walks the predecessor sets back from dst and collects the
// neighbors of src that lie on a shortest path to dst, sorted by node
// index. For dst == src the node itself is returned.
func outNeighbors(preds [][]int, src, dst int) []int {
	if src == dst {
		return []int{src}
	}

	var out []int
	visited := make([]bool, len(preds))
	stack := []int{dst}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		for _, p := range preds[n] {
			if p == src {
				out = append(out, n)
				continue
			}
			if !visited[p] {
				stack = append(stack, p)
			}
		}
	}

	slices.Sort(out)
	return out
}

// -------------------------------------------------------------------------
// BIFT Generation
// -------------------------------------------------------------------------

// GenerateOptions selects the table identity for generated sections.
// Zero values fall back to BIFT-id 1, sub-domain 0, set 0, and the
// smallest bitstring length that fits the topology.
type GenerateOptions struct {
	BIFTID    uint32
	SubDomain uint16
	SetIndex  uint16
	BSL       int
}

// normalize fills option defaults and validates the bitstring length
// against the node count.
func (o GenerateOptions) normalize(numNodes int) (GenerateOptions, bier.BSL, error) {
	if o.BIFTID == 0 {
		o.BIFTID = 1
	}
	if o.BSL == 0 {
		o.BSL = 64
		for o.BSL < numNodes && o.BSL < 4096 {
			o.BSL *= 2
		}
	}

	bsl, err := bier.BSLForBits(o.BSL)
	if err != nil {
		return o, 0, err
	}
	if numNodes > bsl.Bits() {
		return o, 0, fmt.Errorf("%d nodes exceed bsl %d: %w", numNodes, o.BSL, bier.ErrBitRange)
	}
	return o, bsl, nil
}

// NodeSection computes the BIFT section for one node. Every destination
// gets one entry; every equal-cost next hop toward it becomes a path
// whose bitmask covers all destinations shortest-path-reachable via
// that neighbor. The node's own entry points at its own address with
// only its own bit set.
func (g *Graph) NodeSection(node int, opts GenerateOptions) (config.BIFTSection, error) {
	n := len(g.names)
	opts, _, err := opts.normalize(n)
	if err != nil {
		return config.BIFTSection{}, err
	}
	if len(g.addrs) != n {
		return config.BIFTSection{}, ErrAddrCount
	}

	preds := g.predecessors(node)
	nextHops := make([][]int, n)
	for dst := range nextHops {
		nextHops[dst] = outNeighbors(preds, node, dst)
	}

	sec := config.BIFTSection{
		BIFTID:    opts.BIFTID,
		SubDomain: opts.SubDomain,
		SetIndex:  opts.SetIndex,
		BSL:       opts.BSL,
		BFRID:     uint16(node + 1),
	}

	for dst := 0; dst < n; dst++ {
		if len(nextHops[dst]) == 0 {
			return config.BIFTSection{}, fmt.Errorf("%s to %s: %w",
				g.names[node], g.names[dst], ErrUnreachable)
		}

		entry := config.EntryConfig{BFR: uint16(dst + 1)}
		for _, nh := range nextHops[dst] {
			entry.Paths = append(entry.Paths, config.PathConfig{
				NextHop: g.addrs[nh].String(),
				Bitmask: bitmaskVia(nextHops, nh),
			})
		}
		sec.Entries = append(sec.Entries, entry)
	}

	return sec, nil
}

// AllSections computes one BIFT section per node, in node order.
func (g *Graph) AllSections(opts GenerateOptions) ([]config.BIFTSection, error) {
	sections := make([]config.BIFTSection, 0, len(g.names))
	for node := range g.names {
		sec, err := g.NodeSection(node, opts)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", g.names[node], err)
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// bitmaskVia renders the forwarding bitmask for the given next hop as a
// binary literal, highest bit first, leading zeros trimmed. Bit i is set
// when destination i is shortest-path-reachable through via.
func bitmaskVia(nextHops [][]int, via int) string {
	var b strings.Builder
	for dst := len(nextHops) - 1; dst >= 0; dst-- {
		if slices.Contains(nextHops[dst], via) {
			b.WriteByte('1')
		} else if b.Len() > 0 {
			b.WriteByte('0')
		}
	}
	return b.String()
}
