package triplelog

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge_graph.json")

	first := FromTripleSets(0, []common.TripleSet{
		{Sentence: "a", Triples: []common.Triple{{Subject: "A", Relation: "r", Object: "B", Sentence: "a"}}},
		{Sentence: "b"},
	})
	second := FromTripleSets(2, []common.TripleSet{
		{Sentence: "c", Triples: []common.Triple{{Subject: "C", Relation: "r", Object: "D", Sentence: "c"}}},
	})

	if err := Append(path, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := Append(path, second); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	ids := []int{got[0].ID, got[1].ID, got[2].ID}
	if !reflect.DeepEqual(ids, []int{0, 1, 2}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if len(got[1].RelationMentions) != 0 {
		t.Fatalf("expected no mentions for line without triples, got %v", got[1].RelationMentions)
	}
}

func TestDecode_SkipsBlankLinesAndReportsBadOnes(t *testing.T) {
	input := "{\"id\":0,\"sentText\":\"x\",\"relationMentions\":[]}\n\n   \n"
	got, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}

	_, err = Decode(strings.NewReader("{\"id\":0}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected error on line 2, got %v", err)
	}
}

func TestRecordTripleSet_DropsIncompleteMentions(t *testing.T) {
	rec := Record{
		ID:       0,
		SentText: " s ",
		RelationMentions: []RelationMention{
			{Em1Text: "A", Em2Text: "B", Label: "r"},
			{Em1Text: "A", Em2Text: "", Label: "r"},
			{Em1Text: "A", Em2Text: "B", Label: " "},
		},
	}
	set := rec.TripleSet()
	want := common.TripleSet{
		Sentence: "s",
		Triples:  []common.Triple{{Subject: "A", Relation: "r", Object: "B", Sentence: "s"}},
	}
	if !reflect.DeepEqual(set, want) {
		t.Fatalf("TripleSet() = %+v, want %+v", set, want)
	}
}
