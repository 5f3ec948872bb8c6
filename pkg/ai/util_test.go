package ai

import (
	"encoding/json"
	"strings"
	"testing"
)

type mention struct {
	Subject  string `json:"em1Text"`
	Object   string `json:"em2Text"`
	Relation string `json:"label,omitempty"`
}

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	want := mention{Subject: "张三", Object: "北京大学"}
	tests := []struct {
		name  string
		input string
	}{
		{name: "valid object", input: `{"em1Text":"张三","em2Text":"北京大学"}`},
		{name: "unquoted keys and single quotes", input: `{em1Text: '张三', em2Text: '北京大学'}`},
		{name: "trailing comma", input: `{"em1Text":"张三","em2Text":"北京大学",}`},
		{name: "truncated output", input: `{"em1Text":"张三","em2Text":"北京大学`},
		{name: "stringified object", input: `"{em1Text: '张三', em2Text: '北京大学'}"`},
		{name: "duplicate leading brace", input: "{\n{\n  \"em1Text\": \"张三\", \"em2Text\": \"北京大学\"\n}\n"},
		{name: "fenced output", input: "```json\n{\"em1Text\":\"张三\",\"em2Text\":\"北京大学\"}\n```"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got mention
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got != want {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	input := `[{em1Text:'张三', em2Text:'北京大学', label:'毕业院校'},{em1Text:'北京大学', em2Text:'海淀区', label:'位于',}]`
	var got []mention
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Relation != "毕业院校" || got[1].Object != "海淀区" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want two mentions", got)
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got mention
	if err := UnmarshalFlexible("无法解析", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
}

func TestMetricsRecorder(t *testing.T) {
	var r MetricsRecorder
	r.Add(ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 500})
	r.Add(ModelMetrics{InputTokens: 20, OutputTokens: 15, TotalTokens: 35, DurationMs: 500})

	got := r.Snapshot()
	if got.TotalTokens != 50 || got.DurationMs != 1000 {
		t.Fatalf("Snapshot() = %+v, want 50 tokens over 1000ms", got)
	}
	if got.TokenPerSecond != 50 {
		t.Fatalf("TokenPerSecond = %v, want 50", got.TokenPerSecond)
	}

	r.Reset()
	if got := r.Snapshot(); got != (ModelMetrics{}) {
		t.Fatalf("Snapshot() after Reset = %+v, want zero", got)
	}
}

func TestGenerateSchema_DisallowsAdditionalProperties(t *testing.T) {
	type entity struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type output struct {
		Entities []entity `json:"entities"`
	}

	schema, err := json.Marshal(GenerateSchema(&output{}))
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	s := string(schema)
	if !strings.Contains(s, `"entities"`) || !strings.Contains(s, `"additionalProperties":false`) {
		t.Fatalf("schema = %s, want entities property and closed objects", s)
	}
	if strings.Contains(s, `"$ref"`) {
		t.Fatalf("schema = %s, want inlined definitions", s)
	}
}
