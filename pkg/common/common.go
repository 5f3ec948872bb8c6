package common

import "strings"

// Store is the canonical knowledge graph built by the construction loop.
// It is also the shape of the converted data file served to retrieval.
//
// A store contains:
//   - Nodes: deduplicated entities, identified by name
//   - Links: directed facts between two nodes, one per extracted triple
//   - Sents: the source sentences links point back to
//
// Version is not part of the served document; it is carried by the
// checkpoint that wraps the store.
type Store struct {
	Nodes   []Node   `json:"nodes"`
	Links   []Link   `json:"links"`
	Sents   []string `json:"sents"`
	Version int      `json:"-"`
}

// Node is an entity of the graph. ID is its dense position in Store.Nodes
// and Name is the identity key. Weight counts mentions and Lines holds the
// indices of the sentences that mention it, in first-seen order.
type Node struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Category int    `json:"category"`
	Weight   int    `json:"value"`
	Lines    []int  `json:"lines"`
}

// Link is a single extracted fact. Source and Target are node ids and Sent
// is the index of the sentence the fact was extracted from.
type Link struct {
	Source int    `json:"source"`
	Target int    `json:"target"`
	Name   string `json:"name"`
	Sent   int    `json:"sent"`
}

// Triple is one raw extraction result before any ids are assigned.
type Triple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
	Sentence string `json:"sentence"`
}

// TripleSet holds all triples extracted from one input line.
type TripleSet struct {
	Sentence string   `json:"sentence"`
	Triples  []Triple `json:"triples"`
}

// Len returns the number of triples in the set.
func (t TripleSet) Len() int {
	return len(t.Triples)
}

// Subgraph is a request-scoped slice of a Store built by retrieval. Its ids
// are local to the subgraph and unrelated to the backing store.
type Subgraph struct {
	Nodes []Node   `json:"nodes"`
	Links []Link   `json:"links"`
	Sents []string `json:"sents"`
}

// NewSubgraph returns an empty subgraph whose slices marshal as [] rather
// than null.
func NewSubgraph() *Subgraph {
	return &Subgraph{
		Nodes: []Node{},
		Links: []Link{},
		Sents: []string{},
	}
}

// Found reports whether the subgraph holds any context at all.
func (s *Subgraph) Found() bool {
	return s != nil && len(s.Links) > 0
}

// Triples flattens the subgraph into (source, relation, target) name triples.
// If entity is non-empty only links with an endpoint containing entity are
// returned.
func (s *Subgraph) Triples(entity string) [][3]string {
	if s == nil {
		return nil
	}

	triples := make([][3]string, 0, len(s.Links))
	for _, link := range s.Links {
		if link.Source < 0 || link.Source >= len(s.Nodes) || link.Target < 0 || link.Target >= len(s.Nodes) {
			continue
		}
		source := s.Nodes[link.Source].Name
		target := s.Nodes[link.Target].Name
		if entity != "" && !strings.Contains(source, entity) && !strings.Contains(target, entity) {
			continue
		}
		triples = append(triples, [3]string{source, link.Name, target})
	}
	return triples
}
