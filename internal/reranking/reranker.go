package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scoutops/scoutd/internal/ollama"
	"github.com/scoutops/scoutd/internal/retrieval"
)

const defaultConcurrency = 3

// Chatter is the slice of the Ollama client the reranker needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Reranker re-scores retrieved evidence by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []retrieval.Item) ([]retrieval.Item, error)
}

// NewReranker returns an LLMReranker if enabled, NoOpReranker otherwise.
//
// topK controls the early-return threshold: once topK items have been scored,
// the reranker returns that subset immediately without waiting for remaining
// items. Set topK to 0 (or >= len(items)) to disable early return.
func NewReranker(chat Chatter, model string, enabled bool, timeout time.Duration, threshold float64, topK int) Reranker {
	if !enabled || chat == nil {
		return &NoOpReranker{}
	}
	return &LLMReranker{
		chat:      chat,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
		topK:      topK,
	}
}

// LLMReranker uses a local LLM to score (query, excerpt) relevance pairs.
// Scoring runs concurrently (bounded to defaultConcurrency goroutines).
// Results are filtered by threshold and sorted by score descending.
type LLMReranker struct {
	chat      Chatter
	model     string
	timeout   time.Duration
	threshold float64
	topK      int // early-return threshold; 0 = score all
}

// Rerank scores each evidence item against the query and returns a filtered,
// sorted result set. If the timeout fires before scoring completes, the
// original order is returned unchanged (graceful degradation).
func (r *LLMReranker) Rerank(ctx context.Context, query string, items []retrieval.Item) ([]retrieval.Item, error) {
	if len(items) == 0 {
		return items, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Early return fires when topK > 0 and topK < len(items).
	earlyReturnAt := r.topK
	if earlyReturnAt <= 0 || earlyReturnAt >= len(items) {
		earlyReturnAt = 0
	}

	// Buffered channel prevents goroutines from blocking on send after we stop reading.
	results := make(chan retrieval.Item, len(items))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(item retrieval.Item) {
			defer wg.Done()
			// Acquire concurrency slot or bail on cancellation.
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scoreItem(timeoutCtx, query, item)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return // context cancelled -- don't send partial result
				}
				slog.Debug("reranker: score failed, retaining original", "error", err)
				results <- item // original score preserved
				return
			}
			item.Relevance = score
			results <- item
		}(it)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	scored := make([]retrieval.Item, 0, len(items))
collect:
	for {
		select {
		case it, ok := <-results:
			if !ok {
				break collect // all goroutines finished
			}
			scored = append(scored, it)
			if earlyReturnAt > 0 && len(scored) >= earlyReturnAt {
				cancel() // stop remaining goroutines
				break collect
			}
		case <-timeoutCtx.Done():
			// Hard timeout hit before enough items were scored: graceful degradation.
			return items, nil
		}
	}

	if len(scored) == 0 {
		return items, nil
	}

	// Filter items below the relevance threshold.
	filtered := make([]retrieval.Item, 0, len(scored))
	for _, it := range scored {
		if it.Relevance >= r.threshold {
			filtered = append(filtered, it)
		}
	}

	// Sort by score descending.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Relevance > filtered[j].Relevance
	})

	return filtered, nil
}

func (r *LLMReranker) scoreItem(ctx context.Context, query string, item retrieval.Item) (float64, error) {
	prompt := "Rate the relevance of the following scouting note to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + query + "\n" +
		"Note: " + item.Excerpt + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	schema := &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"score": {Type: "number", Description: "Relevance score 0.0-1.0"},
		},
		Required: []string{"score"},
	}

	resp, err := r.chat.Chat(ctx, r.model, []ollama.Message{
		{Role: "user", Content: prompt},
	}, schema)
	if err != nil {
		return item.Relevance, err
	}

	score, parseErr := parseScore(resp, item.Relevance)
	if parseErr != nil {
		slog.Debug("reranker: parse failed, using original score", "resp", resp, "error", parseErr)
		return item.Relevance, nil
	}
	return score, nil
}

// parseScore robustly extracts a relevance score float from an LLM response.
// Small local models (phi3.5) frequently wrap JSON in markdown code fences or
// prepend conversational filler. The parser:
//  1. Strips markdown code fences if present (```json ... ```)
//  2. Finds the first { and last } to extract the JSON object
//  3. Attempts json.Unmarshal on the extracted substring
//  4. On failure: returns originalScore so the item is not penalised
func parseScore(resp string, originalScore float64) (float64, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Extract JSON object by brace position.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return originalScore, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return originalScore, fmt.Errorf("unmarshal score: %w", err)
	}
	return obj.Score, nil
}

// NoOpReranker passes items through unchanged. Used when reranking is disabled.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, items []retrieval.Item) ([]retrieval.Item, error) {
	return items, nil
}
