package retrieve

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// DefaultDepth is the number of expansion rounds used when a caller passes
// a depth below one.
const DefaultDepth = 1

type snapshot struct {
	store   *common.Store
	modTime time.Time
	size    int64
}

func (s *snapshot) fresh(info os.FileInfo) bool {
	return s != nil && s.modTime.Equal(info.ModTime()) && s.size == info.Size()
}

// Engine answers subgraph queries against the converted store at a fixed
// path. The store is loaded lazily and reloaded whenever the file changes.
// Engine is safe for concurrent use.
type Engine struct {
	path string
	read func(path string) (*common.Store, error)

	snap    atomic.Pointer[snapshot]
	loads   singleflight.Group
	reloads atomic.Int64
}

// New returns an engine serving the store file at path. Nothing is read
// until the first query.
func New(path string) *Engine {
	return &Engine{path: path, read: graph.ReadStore}
}

// Path returns the store file the engine serves.
func (e *Engine) Path() string { return e.path }

// Store returns the current snapshot of the backing store, reloading it if
// the file's modification time or size differs from the cached copy.
// Concurrent reloads of the same file version are collapsed into one read.
func (e *Engine) Store(ctx context.Context) (*common.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat graph data: %w", err)
	}
	if s := e.snap.Load(); s.fresh(info) {
		return s.store, nil
	}

	// A caller that saw a different version must not join a load started
	// for another one.
	key := fmt.Sprintf("%s|%d|%d", e.path, info.ModTime().UnixNano(), info.Size())
	v, err, _ := e.loads.Do(key, func() (any, error) {
		if s := e.snap.Load(); s.fresh(info) {
			return s, nil
		}
		store, err := e.read(e.path)
		if err != nil {
			return nil, fmt.Errorf("failed to load graph data %s: %w", e.path, err)
		}
		s := &snapshot{store: store, modTime: info.ModTime(), size: info.Size()}
		e.install(s)
		e.reloads.Add(1)
		logger.Info("[Retrieve] graph data loaded", "path", e.path, "nodes", len(store.Nodes), "links", len(store.Links), "sents", len(store.Sents))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot).store, nil
}

// install publishes s unless a snapshot of a newer file version is already
// cached.
func (e *Engine) install(s *snapshot) {
	for {
		cur := e.snap.Load()
		if cur != nil && cur.modTime.After(s.modTime) {
			return
		}
		if e.snap.CompareAndSwap(cur, s) {
			return
		}
	}
}

func (e *Engine) invalidate() {
	e.snap.Store(nil)
}

// Stats describes the store currently served.
type Stats struct {
	Path    string    `json:"path"`
	Nodes   int       `json:"nodes"`
	Links   int       `json:"links"`
	Sents   int       `json:"sents"`
	ModTime time.Time `json:"mod_time"`
}

// Stats loads the store if needed and reports its size.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	store, err := e.Store(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Path: e.path, Nodes: len(store.Nodes), Links: len(store.Links), Sents: len(store.Sents)}
	if s := e.snap.Load(); s != nil {
		st.ModTime = s.modTime
	}
	return st, nil
}

// Retrieve builds a fresh subgraph around seeds. A seed that matches
// nothing is not an error; the result is then empty. On a load failure the
// returned subgraph is empty and the cause is returned alongside it.
func (e *Engine) Retrieve(ctx context.Context, seeds []string, depth int) (*common.Subgraph, error) {
	c := NewCollector()
	if err := e.Expand(ctx, c, seeds, depth); err != nil {
		return common.NewSubgraph(), err
	}
	return c.Subgraph(), nil
}

// Expand grows the collector's subgraph around seeds using the current
// store snapshot.
func (e *Engine) Expand(ctx context.Context, c *Collector, seeds []string, depth int) error {
	store, err := e.Store(ctx)
	if err != nil {
		return err
	}
	before := len(c.sub.Nodes)
	c.Search(store, seeds, depth)
	logger.Debug("[Retrieve] expanded", "seeds", seeds, "depth", depth, "new_nodes", len(c.sub.Nodes)-before, "links", len(c.sub.Links))
	return nil
}

// Collector accumulates one request-scoped subgraph across searches. Node
// names and sentences are deduplicated by content and every store link is
// added at most once. A Collector is not safe for concurrent use.
type Collector struct {
	sub   *common.Subgraph
	names map[string]int
	sents map[string]int
	links map[int]struct{}
	store *common.Store
}

// NewCollector returns a collector holding an empty subgraph.
func NewCollector() *Collector {
	return &Collector{
		sub:   common.NewSubgraph(),
		names: map[string]int{},
		sents: map[string]int{},
		links: map[int]struct{}{},
	}
}

// Subgraph returns the accumulated subgraph. It stays owned by the
// collector and changes with further searches.
func (c *Collector) Subgraph() *common.Subgraph { return c.sub }

// Search runs a breadth-first expansion over store for exactly depth rounds.
// A link matches a frontier name when either endpoint name contains it or
// is contained in it. The next frontier holds the names first added in the
// current round, and expansion stops early once a round adds none.
func (c *Collector) Search(store *common.Store, seeds []string, depth int) {
	if depth < 1 {
		depth = DefaultDepth
	}
	if c.store != store {
		// link indices are only meaningful within one snapshot
		c.store = store
		clear(c.links)
	}

	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s = strings.TrimSpace(s); s != "" {
			frontier = append(frontier, s)
		}
	}

	for range depth {
		var added []string
		for _, name := range frontier {
			for i, link := range store.Links {
				if _, ok := c.links[i]; ok {
					continue
				}
				source := store.Nodes[link.Source]
				target := store.Nodes[link.Target]
				if !matches(source.Name, name) && !matches(target.Name, name) {
					continue
				}
				c.links[i] = struct{}{}

				sent := c.sentence(store.Sents[link.Sent])
				src, isNew := c.node(source, sent)
				if isNew {
					added = append(added, source.Name)
				}
				dst, isNew := c.node(target, sent)
				if isNew {
					added = append(added, target.Name)
				}
				c.sub.Links = append(c.sub.Links, common.Link{
					Source: src,
					Target: dst,
					Name:   link.Name,
					Sent:   sent,
				})
			}
		}
		if len(added) == 0 {
			return
		}
		frontier = added
	}
}

func matches(stored, query string) bool {
	return strings.Contains(stored, query) || strings.Contains(query, stored)
}

func (c *Collector) sentence(text string) int {
	if id, ok := c.sents[text]; ok {
		return id
	}
	id := len(c.sub.Sents)
	c.sub.Sents = append(c.sub.Sents, text)
	c.sents[text] = id
	return id
}

// node returns the local id for n, adding a copy on first sight. Lines of
// the copy refer to local sentence ids.
func (c *Collector) node(n common.Node, sent int) (int, bool) {
	if id, ok := c.names[n.Name]; ok {
		local := &c.sub.Nodes[id]
		if !slices.Contains(local.Lines, sent) {
			local.Lines = append(local.Lines, sent)
		}
		return id, false
	}
	id := len(c.sub.Nodes)
	c.sub.Nodes = append(c.sub.Nodes, common.Node{
		ID:       id,
		Name:     n.Name,
		Category: n.Category,
		Weight:   n.Weight,
		Lines:    []int{sent},
	})
	c.names[n.Name] = id
	return id, true
}
