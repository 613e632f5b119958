package reranking

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scoutops/scoutd/internal/ollama"
	"github.com/scoutops/scoutd/internal/retrieval"
)

type mockChatter struct {
	chatFn func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, model, msgs, schema)
	}
	return `{"score": 0.5}`, nil
}

// --- helpers ---

func makeItems(n int, relevance float64) []retrieval.Item {
	items := make([]retrieval.Item, n)
	for i := range items {
		items[i].Note.ID = int64(i + 1)
		items[i].Excerpt = fmt.Sprintf("excerpt %d", i)
		items[i].Relevance = relevance
	}
	return items
}

func newLLMReranker(chat Chatter, threshold float64, timeout time.Duration, topK int) *LLMReranker {
	return &LLMReranker{
		chat:      chat,
		model:     "phi3.5",
		timeout:   timeout,
		threshold: threshold,
		topK:      topK,
	}
}

// --- tests ---

func TestLLMReranker_ReordersItems(t *testing.T) {
	scores := []float64{0.9, 0.3, 0.7}
	var callIdx atomic.Int32
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			i := int(callIdx.Add(1)) - 1
			return fmt.Sprintf(`{"score": %g}`, scores[i]), nil
		},
	}

	items := makeItems(3, 0.5)
	r := newLLMReranker(chat, 0.3, 5*time.Second, 0)
	result, err := r.Rerank(context.Background(), "query", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result) != 3 {
		t.Fatalf("got %d items, want 3", len(result))
	}
	wantOrder := []float64{0.9, 0.7, 0.3}
	for i, it := range result {
		if it.Relevance != wantOrder[i] {
			t.Errorf("result[%d].Relevance = %g, want %g", i, it.Relevance, wantOrder[i])
		}
	}
}

func TestLLMReranker_DropsLowScore(t *testing.T) {
	// One item scores 0.1 (below threshold 0.3), two score above.
	scores := []float64{0.8, 0.1, 0.7}
	var callIdx atomic.Int32
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			i := int(callIdx.Add(1)) - 1
			return fmt.Sprintf(`{"score": %g}`, scores[i]), nil
		},
	}

	items := makeItems(3, 0.5)
	r := newLLMReranker(chat, 0.3, 5*time.Second, 0)
	result, err := r.Rerank(context.Background(), "query", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("got %d items, want 2 (low-score item should be dropped)", len(result))
	}
	for _, it := range result {
		if it.Relevance < 0.3 {
			t.Errorf("item with score %g below threshold was not dropped", it.Relevance)
		}
	}
}

func TestLLMReranker_Timeout(t *testing.T) {
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			// Hang until context is cancelled.
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	items := makeItems(3, 0.8)
	r := newLLMReranker(chat, 0.3, 200*time.Millisecond, 0)

	start := time.Now()
	result, err := r.Rerank(context.Background(), "query", items)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Rerank took %v, want < 500ms (2.5x timeout)", elapsed)
	}
	// Graceful degradation: original order, nothing dropped.
	if len(result) != 3 {
		t.Fatalf("got %d items, want original 3 on timeout", len(result))
	}
	for i, it := range result {
		if it.Note.ID != items[i].Note.ID {
			t.Errorf("result[%d] = note %d, want original order preserved", i, it.Note.ID)
		}
	}
}

func TestLLMReranker_MarkdownCodeFence(t *testing.T) {
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			return "```json\n{\"score\": 0.8}\n```", nil
		},
	}

	items := makeItems(1, 0.5)
	r := newLLMReranker(chat, 0.3, 5*time.Second, 0)
	result, err := r.Rerank(context.Background(), "query", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d items, want 1", len(result))
	}
	if result[0].Relevance != 0.8 {
		t.Errorf("score = %g, want 0.8 (parsed from markdown-fenced JSON)", result[0].Relevance)
	}
}

func TestLLMReranker_ConversationalFiller(t *testing.T) {
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			return `The relevance score is: {"score": 0.6}`, nil
		},
	}

	items := makeItems(1, 0.5)
	r := newLLMReranker(chat, 0.3, 5*time.Second, 0)
	result, err := r.Rerank(context.Background(), "query", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d items, want 1", len(result))
	}
	if result[0].Relevance != 0.6 {
		t.Errorf("score = %g, want 0.6 (extracted from conversational filler)", result[0].Relevance)
	}
}

func TestLLMReranker_MalformedJSON(t *testing.T) {
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			return "completely unparseable garbage blah blah", nil
		},
	}

	items := makeItems(1, 0.9)
	r := newLLMReranker(chat, 0.3, 5*time.Second, 0)
	result, err := r.Rerank(context.Background(), "query", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d items, want 1 (item should not be dropped on parse failure)", len(result))
	}
	if result[0].Relevance != 0.9 {
		t.Errorf("score = %g, want original 0.9 (should not be penalised)", result[0].Relevance)
	}
}

func TestLLMReranker_EarlyReturn(t *testing.T) {
	const total = 10
	const quickCount = 5

	var callCount atomic.Int32
	chat := &mockChatter{
		chatFn: func(ctx context.Context, model string, msgs []ollama.Message, schema *ollama.Schema) (string, error) {
			n := int(callCount.Add(1))
			if n <= quickCount {
				return `{"score": 0.8}`, nil // score quickly
			}
			// Hang until context is cancelled.
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	items := makeItems(total, 0.5)
	// topK=5, total=10: early return fires once 5 items are scored.
	r := newLLMReranker(chat, 0.3, 10*time.Second, quickCount)

	done := make(chan []retrieval.Item, 1)
	go func() {
		result, _ := r.Rerank(context.Background(), "query", items)
		done <- result
	}()

	select {
	case result := <-done:
		if len(result) != quickCount {
			t.Errorf("got %d items, want %d (early return set)", len(result), quickCount)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Rerank did not return early")
	}
}

func TestLLMReranker_EmptyItems(t *testing.T) {
	r := newLLMReranker(&mockChatter{}, 0.3, 5*time.Second, 0)
	result, err := r.Rerank(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("got %d items, want 0 for empty input", len(result))
	}
}

func TestNoOpReranker(t *testing.T) {
	items := makeItems(3, 0.5)
	items[0].Relevance = 0.3
	items[1].Relevance = 0.9
	items[2].Relevance = 0.1

	r := &NoOpReranker{}
	result, err := r.Rerank(context.Background(), "query", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d items, want 3", len(result))
	}
	for i, it := range result {
		if it.Relevance != items[i].Relevance {
			t.Errorf("result[%d].Relevance = %g, want %g (order must be unchanged)", i, it.Relevance, items[i].Relevance)
		}
	}
}

func TestNewReranker_Enabled(t *testing.T) {
	r := NewReranker(&mockChatter{}, "phi3.5", true, 5*time.Second, 0.3, 5)
	if _, ok := r.(*LLMReranker); !ok {
		t.Errorf("NewReranker(enabled=true) returned %T, want *LLMReranker", r)
	}
}

func TestNewReranker_Disabled(t *testing.T) {
	r := NewReranker(nil, "", false, 0, 0, 0)
	if _, ok := r.(*NoOpReranker); !ok {
		t.Errorf("NewReranker(enabled=false) returned %T, want *NoOpReranker", r)
	}
}

func TestNewReranker_NilClient(t *testing.T) {
	// Enabled but nil client must fall back to NoOpReranker rather than panic later.
	r := NewReranker(nil, "phi3.5", true, 5*time.Second, 0.3, 5)
	if _, ok := r.(*NoOpReranker); !ok {
		t.Errorf("NewReranker(enabled=true, chat=nil) returned %T, want *NoOpReranker", r)
	}
}
