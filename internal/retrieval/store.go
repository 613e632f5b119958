package retrieval

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by the note_vectors table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The note_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert stores or replaces the embedding for a note.
func (s *SQLiteStore) Upsert(noteID int64, vector []float32, meta Meta) error {
	blob := encodeFloat32s(vector)
	_, err := s.db.Exec(`
		INSERT INTO note_vectors (note_id, player_id, team, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET
			player_id = excluded.player_id,
			team = excluded.team,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		noteID, meta.PlayerID, meta.Team, blob, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting vector for note %d: %w", noteID, err)
	}
	return nil
}

// Delete removes a note's embedding. Idempotent.
func (s *SQLiteStore) Delete(noteID int64) error {
	if _, err := s.db.Exec("DELETE FROM note_vectors WHERE note_id = ?", noteID); err != nil {
		return fmt.Errorf("deleting vector for note %d: %w", noteID, err)
	}
	return nil
}

// Search performs brute-force cosine similarity search over embedded notes,
// returning the top-K most similar ones. The filter is pushed down to SQL so
// the scan only touches candidate rows.
func (s *SQLiteStore) Search(vector []float32, topK int, f Filter) ([]ScoredNote, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	query := "SELECT note_id, embedding FROM note_vectors WHERE 1=1"
	var args []interface{}
	if f.PlayerID > 0 {
		query += " AND player_id = ?"
		args = append(args, f.PlayerID)
	}
	if f.Team != "" {
		query += " AND team LIKE ? COLLATE NOCASE"
		args = append(args, "%"+f.Team+"%")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &scoredHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for note %d: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, ScoredNote{NoteID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = ScoredNote{NoteID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	// Pop the min-heap into descending order.
	results := make([]ScoredNote, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(ScoredNote)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results, nil
}

// Count returns the number of embedded notes.
func (s *SQLiteStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM note_vectors").Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
// Returns an error if the byte slice length is not a multiple of 4.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// scoredHeap is a min-heap of ScoredNote ordered by Score.
// Used during the scan phase of Search to track top-K candidates.
type scoredHeap []ScoredNote

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(ScoredNote)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
