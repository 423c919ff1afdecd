package doctree

import "testing"

func TestFlatten(t *testing.T) {
	nodes := []*DocNode{
		{Title: "Intro", Text: "Welcome.", Children: []*DocNode{
			{Text: "  nested body  "},
			{Title: "Details"},
		}},
		{Text: "   "},
		{Text: "Closing."},
	}
	want := "Intro\n\nWelcome.\n\nnested body\n\nDetails\n\nClosing."
	if got := Flatten(nodes); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got := Flatten(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestPageOf(t *testing.T) {
	if PageOf(0) != nil || PageOf(-3) != nil {
		t.Error("expected nil page for non-positive input")
	}
	p := PageOf(4)
	if p == nil || *p != 4 {
		t.Fatalf("expected page 4, got %v", p)
	}
}

func TestNewResponse_SourcesFollowChunks(t *testing.T) {
	chunks := []Chunk{
		{Text: "a", Metadata: Metadata{Source: "b.pdf", Page: PageOf(2)}},
		{Text: "b", Metadata: Metadata{Source: "a.txt"}},
	}
	resp := NewResponse("answer", chunks, UsageMetrics{})
	if len(resp.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(resp.Sources))
	}
	if resp.Sources[0].Source != "b.pdf" || *resp.Sources[0].Page != 2 {
		t.Errorf("unexpected first source %+v", resp.Sources[0])
	}
	if resp.Sources[1].Page != nil {
		t.Errorf("expected nil page, got %v", *resp.Sources[1].Page)
	}

	empty := NewResponse("none", nil, UsageMetrics{})
	if empty.Sources == nil || len(empty.Sources) != 0 {
		t.Errorf("expected empty non-nil sources, got %#v", empty.Sources)
	}
}

func TestUsageMetrics_Empty(t *testing.T) {
	if !(UsageMetrics{}).Empty() {
		t.Error("expected zero value to be empty")
	}
	n := 5
	if (UsageMetrics{OutputTokens: &n}).Empty() {
		t.Error("expected usage with output tokens to be non-empty")
	}
}
