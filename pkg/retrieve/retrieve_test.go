package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
)

func writeStore(t *testing.T, path string, triples ...[4]string) {
	t.Helper()
	g := graph.New(graph.EdgeAccumulate)
	for _, tr := range triples {
		g.Merge(common.TripleSet{
			Sentence: tr[3],
			Triples:  []common.Triple{{Subject: tr[0], Relation: tr[1], Object: tr[2], Sentence: tr[3]}},
		})
	}
	if err := graph.WriteStore(path, g.Store()); err != nil {
		t.Fatalf("WriteStore() error = %v", err)
	}
}

func names(sub *common.Subgraph) []string {
	out := make([]string, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		out = append(out, n.Name)
	}
	slices.Sort(out)
	return out
}

var chain = [][4]string{
	{"张三", "工作单位", "北京大学", "张三在北京大学工作。"},
	{"北京大学", "地点", "海淀区", "北京大学位于海淀区。"},
	{"海淀区", "包含", "中关村", "海淀区包含中关村。"},
}

func TestRetrieve_SubstringMatchesBothWays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, [4]string{"北京大学", "位于", "北京", "北京大学位于北京。"})
	e := New(path)

	tests := []struct {
		name string
		seed string
	}{
		{name: "seed equals short name", seed: "北京"},
		{name: "seed contained in name", seed: "大学"},
		{name: "name contained in seed", seed: "北京大学的校长是谁"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := e.Retrieve(context.Background(), []string{tt.seed}, 1)
			if err != nil {
				t.Fatalf("Retrieve() error = %v", err)
			}
			if got := names(sub); !slices.Equal(got, []string{"北京", "北京大学"}) {
				t.Fatalf("nodes = %v", got)
			}
			if len(sub.Links) != 1 || len(sub.Sents) != 1 {
				t.Fatalf("links = %v, sents = %v", sub.Links, sub.Sents)
			}
			l := sub.Links[0]
			if sub.Nodes[l.Source].Name != "北京大学" || sub.Nodes[l.Target].Name != "北京" || l.Name != "位于" || l.Sent != 0 {
				t.Fatalf("link = %+v", l)
			}
		})
	}
}

func TestRetrieve_NoMatchIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, chain...)

	sub, err := New(path).Retrieve(context.Background(), []string{"上海"}, 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if sub.Found() {
		t.Fatalf("Found() = true for %+v", sub)
	}
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"nodes":[],"links":[],"sents":[]}` {
		t.Fatalf("json = %s", data)
	}
}

func TestRetrieve_Depth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, chain...)
	e := New(path)

	tests := []struct {
		depth     int
		wantNodes []string
		wantLinks int
	}{
		{depth: 0, wantNodes: []string{"北京大学", "张三"}, wantLinks: 1},
		{depth: 1, wantNodes: []string{"北京大学", "张三"}, wantLinks: 1},
		{depth: 2, wantNodes: []string{"北京大学", "张三", "海淀区"}, wantLinks: 2},
		{depth: 3, wantNodes: []string{"中关村", "北京大学", "张三", "海淀区"}, wantLinks: 3},
		{depth: 10, wantNodes: []string{"中关村", "北京大学", "张三", "海淀区"}, wantLinks: 3},
	}
	for _, tt := range tests {
		sub, err := e.Retrieve(context.Background(), []string{"张三"}, tt.depth)
		if err != nil {
			t.Fatalf("Retrieve(depth=%d) error = %v", tt.depth, err)
		}
		if got := names(sub); !slices.Equal(got, tt.wantNodes) {
			t.Fatalf("depth %d: nodes = %v, want %v", tt.depth, got, tt.wantNodes)
		}
		if len(sub.Links) != tt.wantLinks {
			t.Fatalf("depth %d: links = %d, want %d", tt.depth, len(sub.Links), tt.wantLinks)
		}
	}
}

func TestRetrieve_SentenceAndNodeDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	sentence := "张三和李四都在北京大学工作。"
	writeStore(t, path,
		[4]string{"张三", "工作单位", "北京大学", sentence},
		[4]string{"李四", "工作单位", "北京大学", sentence},
	)

	sub, err := New(path).Retrieve(context.Background(), []string{"北京大学"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Sents) != 1 || len(sub.Links) != 2 || len(sub.Nodes) != 3 {
		t.Fatalf("subgraph = %+v", sub)
	}
	for i, n := range sub.Nodes {
		if n.ID != i {
			t.Fatalf("node %q has id %d, want local id %d", n.Name, n.ID, i)
		}
		if !slices.Equal(n.Lines, []int{0}) {
			t.Fatalf("node %q lines = %v, want [0]", n.Name, n.Lines)
		}
	}
}

func TestCollector_AccumulatesAcrossSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, chain...)
	e := New(path)
	c := NewCollector()

	for _, seed := range []string{"张三", "中关村", "张三"} {
		if err := e.Expand(context.Background(), c, []string{seed}, 1); err != nil {
			t.Fatalf("Expand(%s) error = %v", seed, err)
		}
	}
	sub := c.Subgraph()
	if got := names(sub); !slices.Equal(got, []string{"中关村", "北京大学", "张三", "海淀区"}) {
		t.Fatalf("nodes = %v", got)
	}
	if len(sub.Links) != 2 {
		t.Fatalf("links = %+v, want the two matched links once each", sub.Links)
	}
	if got := sub.Triples("张三"); len(got) != 1 || got[0] != [3]string{"张三", "工作单位", "北京大学"} {
		t.Fatalf("Triples(张三) = %v", got)
	}
}

func TestRetrieve_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, [4]string{"张三", "工作单位", "北京大学", "张三在北京大学工作。"})
	e := New(path)

	if _, err := e.Retrieve(context.Background(), []string{"张三"}, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Retrieve(context.Background(), []string{"张三"}, 1); err != nil {
		t.Fatal(err)
	}
	if n := e.reloads.Load(); n != 1 {
		t.Fatalf("reloads = %d after two reads of an unchanged file, want 1", n)
	}

	writeStore(t, path, [4]string{"张三", "工作单位", "清华大学", "张三在清华大学工作。"})
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	sub, err := e.Retrieve(context.Background(), []string{"张三"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(sub); !slices.Equal(got, []string{"张三", "清华大学"}) {
		t.Fatalf("nodes after change = %v, want the new content", got)
	}
	if n := e.reloads.Load(); n != 2 {
		t.Fatalf("reloads = %d, want 2", n)
	}
}

func TestRetrieve_ConcurrentReadersShareOneLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, chain...)
	e := New(path)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Retrieve(context.Background(), []string{"海淀区"}, 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := e.reloads.Load(); n != 1 {
		t.Fatalf("reloads = %d, want 1", n)
	}
}

func TestRetrieve_ReaderOfNewerFileDoesNotJoinOlderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, [4]string{"张三", "工作单位", "北京大学", "张三在北京大学工作。"})
	e := New(path)

	entered := make(chan struct{})
	gate := make(chan struct{})
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(gate) }) })
	var calls atomic.Int32
	e.read = func(p string) (*common.Store, error) {
		store, err := graph.ReadStore(p)
		if calls.Add(1) == 1 {
			close(entered)
			<-gate
		}
		return store, err
	}

	first := make(chan *common.Subgraph, 1)
	go func() {
		sub, err := e.Retrieve(context.Background(), []string{"张三"}, 1)
		if err != nil {
			t.Error(err)
		}
		first <- sub
	}()
	<-entered

	writeStore(t, path, [4]string{"张三", "工作单位", "清华大学", "张三在清华大学工作。"})
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	second := make(chan *common.Subgraph, 1)
	go func() {
		sub, err := e.Retrieve(context.Background(), []string{"张三"}, 1)
		if err != nil {
			t.Error(err)
		}
		second <- sub
	}()
	select {
	case sub := <-second:
		if got := names(sub); !slices.Equal(got, []string{"张三", "清华大学"}) {
			t.Fatalf("newer reader got %v, want the new content", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("newer reader waited on the load of the older file")
	}

	release.Do(func() { close(gate) })
	if got := names(<-first); !slices.Equal(got, []string{"张三", "北京大学"}) {
		t.Fatalf("older reader got %v", got)
	}

	sub, err := e.Retrieve(context.Background(), []string{"张三"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(sub); !slices.Equal(got, []string{"张三", "清华大学"}) {
		t.Fatalf("late older load replaced the newer snapshot: %v", got)
	}
	if n := e.reloads.Load(); n != 2 {
		t.Fatalf("reloads = %d, want 2", n)
	}
}

func TestRetrieve_CorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	doc := `{"nodes":[{"id":0,"name":"a"}],"links":[{"source":0,"target":5,"name":"r","sent":0}],"sents":["s"]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	sub, err := New(path).Retrieve(context.Background(), []string{"a"}, 1)
	if !errors.Is(err, graph.ErrStoreCorrupt) {
		t.Fatalf("Retrieve() error = %v, want ErrStoreCorrupt", err)
	}
	if sub == nil || sub.Found() || sub.Nodes == nil {
		t.Fatalf("subgraph = %+v, want empty", sub)
	}
}

func TestRetrieve_MissingFile(t *testing.T) {
	sub, err := New(filepath.Join(t.TempDir(), "missing.json")).Retrieve(context.Background(), []string{"a"}, 1)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Retrieve() error = %v, want ErrNotExist", err)
	}
	if sub.Found() {
		t.Fatal("missing file produced a subgraph")
	}
}

func TestStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, chain...)

	st, err := New(path).Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Nodes != 4 || st.Links != 3 || st.Sents != 3 || st.ModTime.IsZero() {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestWatch_ReloadsWithoutQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeStore(t, path, [4]string{"张三", "工作单位", "北京大学", "s1"})
	e := New(path)
	if _, err := e.Store(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeStore(t, path, chain...)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := e.snap.Load(); s != nil && len(s.store.Nodes) == 4 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the changed store")
}
