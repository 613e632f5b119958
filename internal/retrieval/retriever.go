package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/scoutops/scoutd/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable signals that neither the keyword index nor the semantic
// index produced results because both failed.
var ErrUnavailable = errors.New("search unavailable: keyword and semantic indexes both failed")

// NoteStore is the slice of the storage layer the retriever needs.
type NoteStore interface {
	SearchNotesKeyword(ctx context.Context, query string, playerID int64, team string) ([]storage.KeywordHit, error)
	GetNotesByIDs(ctx context.Context, ids []int64) ([]storage.NoteWithPlayer, error)
}

// Item is one ranked hybrid search hit.
type Item struct {
	Note storage.NoteWithPlayer `json:"note"`

	// Excerpt is a short fragment of the note content centered on the first
	// query match, at most 200 characters.
	Excerpt string `json:"excerpt"`

	// Relevance is the combined score used for ranking.
	Relevance float64 `json:"relevance"`

	// KeywordScore is the normalized keyword score in [0, 1).
	KeywordScore float64 `json:"keyword_score"`

	// SemanticScore is the cosine similarity clamped to [0, 1].
	SemanticScore float64 `json:"semantic_score"`
}

// Result is the outcome of a hybrid search.
type Result struct {
	Items []Item `json:"items"`

	// Degraded is true when one of the two indexes was unavailable and the
	// ranking came from the other alone.
	Degraded bool `json:"degraded"`
}

// Weights blend the two score components into the combined relevance.
type Weights struct {
	Keyword  float64
	Semantic float64
}

// Retriever combines keyword (FTS5/bm25) and semantic (embedding cosine)
// search over scouting notes.
type Retriever struct {
	notes    NoteStore
	embedder *Embedder
	vectors  VectorStore
	weights  Weights
	topK     int
}

// candidatePool bounds how many hits each index contributes before merging.
const candidatePool = 50

// NewRetriever creates a hybrid Retriever. topK is the default result count
// when the caller passes 0.
func NewRetriever(notes NoteStore, embedder *Embedder, vectors VectorStore, weights Weights, topK int) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{notes: notes, embedder: embedder, vectors: vectors, weights: weights, topK: topK}
}

// Search runs both indexes in parallel and merges their hits.
//
// Keyword scores are squashed to [0, 1) with x/(1+x); semantic scores are
// cosine similarities with negatives clamped to zero. A note present in only
// one index keeps a zero for the missing component. Results are ordered by
// combined relevance, then semantic score, then note ID, and truncated to topK.
//
// When one index fails the other's ranking is returned with Degraded set.
// Only when both fail does Search return ErrUnavailable.
func (r *Retriever) Search(ctx context.Context, query string, f Filter, topK int) (Result, error) {
	return r.SearchWithWeights(ctx, query, f, topK, r.weights)
}

// SearchWithWeights is Search with per-call blend weights. Zero weights fall
// back to the retriever's defaults.
func (r *Retriever) SearchWithWeights(ctx context.Context, query string, f Filter, topK int, w Weights) (Result, error) {
	if topK <= 0 {
		topK = r.topK
	}
	if w.Keyword == 0 && w.Semantic == 0 {
		w = r.weights
	}

	var (
		kwHits  []storage.KeywordHit
		kwErr   error
		semHits []ScoredNote
		semErr  error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kwHits, kwErr = r.notes.SearchNotesKeyword(gCtx, query, f.PlayerID, f.Team)
		return nil
	})
	g.Go(func() error {
		var vec []float32
		vec, semErr = r.embedder.Embed(gCtx, query)
		if semErr != nil {
			return nil
		}
		semHits, semErr = r.vectors.Search(vec, candidatePool, f)
		return nil
	})
	g.Wait()

	if kwErr != nil && semErr != nil {
		return Result{}, errors.Join(ErrUnavailable, kwErr, semErr)
	}

	type scorePair struct {
		keyword  float64
		semantic float64
	}
	scores := make(map[int64]scorePair)
	for _, h := range kwHits {
		p := scores[h.NoteID]
		p.keyword = h.Score / (1 + h.Score)
		scores[h.NoteID] = p
	}
	for _, h := range semHits {
		p := scores[h.NoteID]
		p.semantic = float64(h.Score)
		if p.semantic < 0 {
			p.semantic = 0
		}
		scores[h.NoteID] = p
	}

	if len(scores) == 0 {
		return Result{Degraded: kwErr != nil || semErr != nil}, nil
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	notes, err := r.notes.GetNotesByIDs(ctx, ids)
	if err != nil {
		return Result{}, err
	}

	items := make([]Item, 0, len(notes))
	for _, n := range notes {
		p := scores[n.ID]
		items = append(items, Item{
			Note:          n,
			Excerpt:       makeExcerpt(n.Content, query),
			Relevance:     w.Keyword*p.keyword + w.Semantic*p.semantic,
			KeywordScore:  p.keyword,
			SemanticScore: p.semantic,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Relevance != items[j].Relevance {
			return items[i].Relevance > items[j].Relevance
		}
		if items[i].SemanticScore != items[j].SemanticScore {
			return items[i].SemanticScore > items[j].SemanticScore
		}
		return items[i].Note.ID < items[j].Note.ID
	})

	if len(items) > topK {
		items = items[:topK]
	}

	return Result{Items: items, Degraded: kwErr != nil || semErr != nil}, nil
}

// excerptLen is the maximum excerpt length in bytes, before ellipses.
const excerptLen = 200

// makeExcerpt returns a fragment of content centered on the first match of
// the query (or, failing that, of any query token). With no match it returns
// the head of the content.
func makeExcerpt(content, query string) string {
	if len(content) <= excerptLen {
		return content
	}

	lower := strings.ToLower(content)
	pos := strings.Index(lower, strings.ToLower(query))
	if pos < 0 {
		for _, tok := range strings.Fields(strings.ToLower(query)) {
			if p := strings.Index(lower, tok); p >= 0 && (pos < 0 || p < pos) {
				pos = p
			}
		}
	}
	if pos < 0 {
		pos = 0
	}

	start := pos - excerptLen/2
	if start < 0 {
		start = 0
	}
	end := start + excerptLen
	if end > len(content) {
		end = len(content)
		start = end - excerptLen
	}

	excerpt := content[start:end]
	if start > 0 {
		excerpt = "..." + excerpt
	}
	if end < len(content) {
		excerpt = excerpt + "..."
	}
	return excerpt
}
