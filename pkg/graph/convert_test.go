package graph

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/chatkg/pkg/triplelog"
)

func sampleLog() []triplelog.Record {
	return []triplelog.Record{
		{
			ID:       0,
			SentText: "张三在北京大学工作。",
			RelationMentions: []triplelog.RelationMention{
				{Em1Text: "张三", Em2Text: "北京大学", Label: "工作单位"},
			},
		},
		{
			ID:       1,
			SentText: "北京大学位于北京。",
			RelationMentions: []triplelog.RelationMention{
				{Em1Text: "北京大学", Em2Text: "北京", Label: "位于"},
				{Em1Text: "", Em2Text: "北京", Label: "位于"},
			},
		},
		{
			ID:               2,
			SentText:         "   ",
			RelationMentions: []triplelog.RelationMention{{Em1Text: "A", Em2Text: "B", Label: "r"}},
		},
	}
}

func TestConvert_MatchesMerge(t *testing.T) {
	g := Convert(sampleLog(), EdgeAccumulate)
	s := g.Store()

	names := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		names = append(names, n.Name)
	}
	if !reflect.DeepEqual(names, []string{"张三", "北京大学", "北京"}) {
		t.Fatalf("unexpected node order: %v", names)
	}
	if len(s.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(s.Links))
	}
	if !reflect.DeepEqual(s.Sents, []string{"张三在北京大学工作。", "北京大学位于北京。"}) {
		t.Fatalf("unexpected sentences: %v", s.Sents)
	}
	pku := s.Nodes[1]
	if pku.Weight != 2 || !reflect.DeepEqual(pku.Lines, []int{0, 1}) {
		t.Fatalf("unexpected 北京大学 node: %+v", pku)
	}
}

func TestConvertFile_Reproducible(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "knowledge_graph.json")
	if err := triplelog.Append(logPath, sampleLog()); err != nil {
		t.Fatalf("append: %v", err)
	}

	out1 := filepath.Join(dir, "a", "data.json")
	out2 := filepath.Join(dir, "b", "data.json")
	if _, err := ConvertFile(logPath, out1, EdgeAccumulate); err != nil {
		t.Fatalf("convert: %v", err)
	}
	size, err := ConvertFile(logPath, out2, EdgeAccumulate)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if size.Nodes != 3 || size.Links != 2 || size.Sents != 2 {
		t.Fatalf("unexpected size: %+v", size)
	}

	a, _ := os.ReadFile(out1)
	b, _ := os.ReadFile(out2)
	if !bytes.Equal(a, b) {
		t.Fatal("converted output is not reproducible")
	}
	if !bytes.Contains(a, []byte("北京大学")) {
		t.Fatal("expected unescaped non-ASCII names in output")
	}

	s, err := ReadStore(out1)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if len(s.Nodes) != 3 {
		t.Fatalf("expected 3 nodes after reload, got %d", len(s.Nodes))
	}
}

func TestReadStore_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	if err := os.WriteFile(path, []byte(`{"nodes":[{"id":0,"name":"A"}],"links":[{"source":0,"target":3,"name":"r","sent":0}],"sents":["s"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadStore(path); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"nodes":`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadStore(path); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt for invalid json, got %v", err)
	}
}
