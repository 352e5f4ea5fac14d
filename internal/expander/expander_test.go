package expander

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/docqa/ragserve/internal/cache"
	"github.com/docqa/ragserve/llm"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := cache.New(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("connecting cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type fakeProvider struct {
	responses []string
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &llm.ChatResponse{Content: f.responses[idx]}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestExpandParsesValidJSON(t *testing.T) {
	p := &fakeProvider{responses: []string{
		`{"intent":"lookup","sub_questions":["q1","q2","q3"],"reasoning":"because"}`,
	}}
	e := New(p, "test-model", nil, time.Hour)

	exp, err := e.Expand(context.Background(), "What is X?", "en")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if exp.Intent != "lookup" || len(exp.SubQuestions) != 3 || exp.CacheHit {
		t.Errorf("unexpected expansion: %+v", exp)
	}
}

func TestExpandRetriesOnParseFailure(t *testing.T) {
	p := &fakeProvider{responses: []string{
		"not json at all",
		`{"intent":"lookup","sub_questions":["q1","q2","q3","q4"],"reasoning":""}`,
	}}
	e := New(p, "test-model", nil, time.Hour)

	exp, err := e.Expand(context.Background(), "query", "en")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", p.calls)
	}
	if len(exp.SubQuestions) != 4 {
		t.Errorf("SubQuestions = %v", exp.SubQuestions)
	}
}

func TestExpandFallsBackToDegenerateOnRepeatedFailure(t *testing.T) {
	p := &fakeProvider{responses: []string{"garbage", "still garbage"}}
	e := New(p, "test-model", nil, time.Hour)

	exp, err := e.Expand(context.Background(), "original query", "en")
	if err != nil {
		t.Fatalf("Expand should not error, got: %v", err)
	}
	if exp.Intent != "direct" || len(exp.SubQuestions) != 1 {
		t.Errorf("expected single-element degenerate expansion, got %+v", exp)
	}
	if exp.SubQuestions[0] != "original query" {
		t.Errorf("SubQuestions[0] = %q, want original query", exp.SubQuestions[0])
	}
}

func TestExpandCacheHitReturnsRealIntent(t *testing.T) {
	p := &fakeProvider{responses: []string{
		`{"intent":"comparison","sub_questions":["q1","q2","q3"],"reasoning":"why"}`,
	}}
	c := newTestCache(t)
	e := New(p, "test-model", c, time.Hour)

	first, err := e.Expand(context.Background(), "What is X?", "en")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if first.CacheHit {
		t.Fatal("first call should be a cache miss")
	}

	second, err := e.Expand(context.Background(), "What is X?", "en")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("second call should be a cache hit")
	}
	if second.Intent != "comparison" || second.Reasoning != "why" {
		t.Errorf("cache hit should return the real cached intent/reasoning, got %+v", second)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (second Expand should not call the provider)", p.calls)
	}
}

func TestCacheKeyNormalizesCaseAndWhitespace(t *testing.T) {
	a := CacheKey("  What Is X?  ", "en")
	b := CacheKey("what is x?", "en")
	if a != b {
		t.Errorf("CacheKey should normalize case/whitespace: %q != %q", a, b)
	}
	c := CacheKey("what is x?", "zh")
	if a == c {
		t.Error("CacheKey should differ across locales")
	}
}

func TestValidSubQuestionsPadsAndTruncates(t *testing.T) {
	got := validSubQuestions([]string{"only one"}, "original")
	if len(got) != 3 {
		t.Fatalf("expected padding to 3, got %v", got)
	}
	got = validSubQuestions([]string{"a", "b", "c", "d", "e", "f"}, "original")
	if len(got) != 5 {
		t.Fatalf("expected truncation to 5, got %v", got)
	}
}
