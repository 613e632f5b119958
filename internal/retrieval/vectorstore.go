package retrieval

// VectorStore is the interface for the semantic note index. The default
// implementation uses SQLite with brute-force cosine similarity, which is
// comfortable up to tens of thousands of notes. An ANN-capable backend can
// replace it behind this interface if a scouting department ever outgrows that.
type VectorStore interface {
	// Upsert stores (or replaces) the embedding for a note along with the
	// metadata used for filtered search.
	Upsert(noteID int64, vector []float32, meta Meta) error

	// Delete removes a note's embedding. Deleting a note that was never
	// embedded is not an error.
	Delete(noteID int64) error

	// Search returns the top-K notes most similar to the query vector,
	// restricted by the filter. Scores are cosine similarities.
	Search(vector []float32, topK int, f Filter) ([]ScoredNote, error)

	// Count returns the number of embedded notes.
	Count() (int, error)
}

// Meta is the filterable metadata stored next to each embedding.
type Meta struct {
	PlayerID int64
	Team     string
}

// Filter narrows a search to one player and/or team. Zero values match everything.
type Filter struct {
	PlayerID int64
	Team     string
}

// ScoredNote is one semantic search hit.
type ScoredNote struct {
	NoteID int64
	Score  float32
}
