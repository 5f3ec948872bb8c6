package graph

import (
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
)

// ErrStoreCorrupt is returned when a store violates its structural
// invariants. Callers must not try to repair such a store.
var ErrStoreCorrupt = errors.New("graph store corrupt")

// EdgePolicy decides what happens when a merged triple repeats a
// (source, target, relation) fact that is already in the graph.
type EdgePolicy int

const (
	// EdgeAccumulate appends every fact, so repeated facts become repeated
	// links, each with its own sentence.
	EdgeAccumulate EdgePolicy = iota
	// EdgeDedupe keeps only the first link for a (source, target, relation).
	EdgeDedupe
)

// ParseEdgePolicy maps a config value to an EdgePolicy. Unknown values fall
// back to EdgeAccumulate.
func ParseEdgePolicy(s string) EdgePolicy {
	if s == "dedupe" {
		return EdgeDedupe
	}
	return EdgeAccumulate
}

func (p EdgePolicy) String() string {
	if p == EdgeDedupe {
		return "dedupe"
	}
	return "accumulate"
}

type linkKey struct {
	source   int
	target   int
	relation string
}

// Graph owns a Store together with the lookup indices needed to merge new
// triples into it. A Graph is not safe for concurrent mutation; the build
// loop merges sequentially so that node ids stay deterministic.
type Graph struct {
	store  *common.Store
	policy EdgePolicy

	nodeIndex map[string]int
	sentIndex map[string]int
	linkIndex map[linkKey]struct{}
}

// Size is the element count of a graph at one point in time.
type Size struct {
	Nodes int `json:"nodes"`
	Links int `json:"links"`
	Sents int `json:"sents"`
}

// Elements returns the number of nodes plus links, the quantity the
// extend ratio is measured against.
func (s Size) Elements() int {
	return s.Nodes + s.Links
}

// New returns an empty graph at version 0.
func New(policy EdgePolicy) *Graph {
	g, _ := FromStore(&common.Store{
		Nodes: []common.Node{},
		Links: []common.Link{},
		Sents: []string{},
	}, policy)
	return g
}

// FromStore validates s and wraps it. The graph takes ownership of s.
func FromStore(s *common.Store, policy EdgePolicy) (*Graph, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil store", ErrStoreCorrupt)
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	if s.Nodes == nil {
		s.Nodes = []common.Node{}
	}
	if s.Links == nil {
		s.Links = []common.Link{}
	}
	if s.Sents == nil {
		s.Sents = []string{}
	}

	g := &Graph{
		store:     s,
		policy:    policy,
		nodeIndex: make(map[string]int, len(s.Nodes)),
		sentIndex: make(map[string]int, len(s.Sents)),
	}
	for i, n := range s.Nodes {
		g.nodeIndex[n.Name] = i
	}
	for i, sent := range s.Sents {
		if _, ok := g.sentIndex[sent]; !ok {
			g.sentIndex[sent] = i
		}
	}
	if policy == EdgeDedupe {
		g.linkIndex = make(map[linkKey]struct{}, len(s.Links))
		for _, l := range s.Links {
			g.linkIndex[linkKey{l.Source, l.Target, l.Name}] = struct{}{}
		}
	}
	return g, nil
}

// Validate checks the invariants every store must satisfy: node ids equal
// their position, names are unique and non-empty, and every link points at
// existing nodes and sentences.
func Validate(s *common.Store) error {
	seen := make(map[string]struct{}, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID != i {
			return fmt.Errorf("%w: node %q has id %d at position %d", ErrStoreCorrupt, n.Name, n.ID, i)
		}
		if n.Name == "" {
			return fmt.Errorf("%w: node %d has empty name", ErrStoreCorrupt, i)
		}
		if _, ok := seen[n.Name]; ok {
			return fmt.Errorf("%w: duplicate node name %q", ErrStoreCorrupt, n.Name)
		}
		seen[n.Name] = struct{}{}
		if n.Weight < 0 {
			return fmt.Errorf("%w: node %q has negative weight", ErrStoreCorrupt, n.Name)
		}
		for _, line := range n.Lines {
			if line < 0 || line >= len(s.Sents) {
				return fmt.Errorf("%w: node %q references sentence %d of %d", ErrStoreCorrupt, n.Name, line, len(s.Sents))
			}
		}
	}
	for i, l := range s.Links {
		if l.Source < 0 || l.Source >= len(s.Nodes) || l.Target < 0 || l.Target >= len(s.Nodes) {
			return fmt.Errorf("%w: link %d references node out of range (%d -> %d, %d nodes)", ErrStoreCorrupt, i, l.Source, l.Target, len(s.Nodes))
		}
		if l.Sent < 0 || l.Sent >= len(s.Sents) {
			return fmt.Errorf("%w: link %d references sentence %d of %d", ErrStoreCorrupt, i, l.Sent, len(s.Sents))
		}
	}
	return nil
}

// Store returns the underlying store. The caller must not mutate it while
// the graph is still in use.
func (g *Graph) Store() *common.Store {
	return g.store
}

// Version returns the committed version of the graph.
func (g *Graph) Version() int {
	return g.store.Version
}

// SetVersion sets the version recorded on the store.
func (g *Graph) SetVersion(v int) {
	g.store.Version = v
}

// Policy returns the edge policy the graph merges with.
func (g *Graph) Policy() EdgePolicy {
	return g.policy
}

// Size returns the current element counts.
func (g *Graph) Size() Size {
	return Size{
		Nodes: len(g.store.Nodes),
		Links: len(g.store.Links),
		Sents: len(g.store.Sents),
	}
}

// NodeID returns the id of the node called name.
func (g *Graph) NodeID(name string) (int, bool) {
	id, ok := g.nodeIndex[name]
	return id, ok
}

// Clone returns a deep copy. Rounds merge into a clone so the previous
// version stays intact until the new one is committed.
func (g *Graph) Clone() *Graph {
	s := &common.Store{
		Nodes:   make([]common.Node, len(g.store.Nodes)),
		Links:   make([]common.Link, len(g.store.Links)),
		Sents:   make([]string, len(g.store.Sents)),
		Version: g.store.Version,
	}
	for i, n := range g.store.Nodes {
		n.Lines = append(make([]int, 0, len(n.Lines)), n.Lines...)
		s.Nodes[i] = n
	}
	copy(s.Links, g.store.Links)
	copy(s.Sents, g.store.Sents)

	c := &Graph{
		store:     s,
		policy:    g.policy,
		nodeIndex: make(map[string]int, len(g.nodeIndex)),
		sentIndex: make(map[string]int, len(g.sentIndex)),
	}
	for k, v := range g.nodeIndex {
		c.nodeIndex[k] = v
	}
	for k, v := range g.sentIndex {
		c.sentIndex[k] = v
	}
	if g.linkIndex != nil {
		c.linkIndex = make(map[linkKey]struct{}, len(g.linkIndex))
		for k := range g.linkIndex {
			c.linkIndex[k] = struct{}{}
		}
	}
	return c
}

// ExtendRatio is the share of graph elements added between before and
// after, relative to the size before. Growing an empty graph counts as 1.
func ExtendRatio(before, after Size) float64 {
	added := after.Elements() - before.Elements()
	if added <= 0 {
		return 0
	}
	if before.Elements() == 0 {
		return 1
	}
	return float64(added) / float64(before.Elements())
}
