package graph

import (
	"slices"
	"strings"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
)

// MergeStats reports what a merge added to the graph.
type MergeStats struct {
	Triples  int `json:"triples"`
	Skipped  int `json:"skipped"`
	NewNodes int `json:"new_nodes"`
	NewLinks int `json:"new_links"`
	NewSents int `json:"new_sents"`
}

// Add accumulates o into s.
func (s *MergeStats) Add(o MergeStats) {
	s.Triples += o.Triples
	s.Skipped += o.Skipped
	s.NewNodes += o.NewNodes
	s.NewLinks += o.NewLinks
	s.NewSents += o.NewSents
}

// Merge folds the triples of one line into the graph. Nodes are
// deduplicated by exact name, every mention bumps the node weight and
// records the sentence, and each triple appends a link unless the graph
// runs with EdgeDedupe and the fact is already present.
//
// Triples with an empty subject, object or relation are skipped. The
// sentence of a triple falls back to the set's sentence when empty.
func (g *Graph) Merge(set common.TripleSet) MergeStats {
	var stats MergeStats
	for _, t := range set.Triples {
		subject := strings.TrimSpace(t.Subject)
		object := strings.TrimSpace(t.Object)
		relation := strings.TrimSpace(t.Relation)
		sentence := strings.TrimSpace(t.Sentence)
		if sentence == "" {
			sentence = strings.TrimSpace(set.Sentence)
		}
		if subject == "" || object == "" || relation == "" || sentence == "" {
			stats.Skipped++
			continue
		}

		stats.Triples++
		sentID, added := g.addSentence(sentence)
		if added {
			stats.NewSents++
		}

		source, added := g.mention(subject, sentID)
		if added {
			stats.NewNodes++
		}
		target, added := g.mention(object, sentID)
		if added {
			stats.NewNodes++
		}

		if g.addLink(common.Link{Source: source, Target: target, Name: relation, Sent: sentID}) {
			stats.NewLinks++
		}
	}
	return stats
}

// MergeAll merges sets in order and returns the summed stats.
func (g *Graph) MergeAll(sets []common.TripleSet) MergeStats {
	var stats MergeStats
	for _, set := range sets {
		stats.Add(g.Merge(set))
	}
	return stats
}

func (g *Graph) addSentence(sentence string) (int, bool) {
	if id, ok := g.sentIndex[sentence]; ok {
		return id, false
	}
	id := len(g.store.Sents)
	g.store.Sents = append(g.store.Sents, sentence)
	g.sentIndex[sentence] = id
	return id, true
}

func (g *Graph) mention(name string, sentID int) (int, bool) {
	if id, ok := g.nodeIndex[name]; ok {
		node := &g.store.Nodes[id]
		node.Weight++
		if !slices.Contains(node.Lines, sentID) {
			node.Lines = append(node.Lines, sentID)
		}
		return id, false
	}

	id := len(g.store.Nodes)
	g.store.Nodes = append(g.store.Nodes, common.Node{
		ID:     id,
		Name:   name,
		Weight: 1,
		Lines:  []int{sentID},
	})
	g.nodeIndex[name] = id
	return id, true
}

func (g *Graph) addLink(l common.Link) bool {
	if g.policy == EdgeDedupe {
		key := linkKey{l.Source, l.Target, l.Name}
		if _, ok := g.linkIndex[key]; ok {
			return false
		}
		g.linkIndex[key] = struct{}{}
	}
	g.store.Links = append(g.store.Links, l)
	return true
}
