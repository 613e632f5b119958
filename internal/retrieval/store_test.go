package retrieval

import (
	"testing"

	"github.com/scoutops/scoutd/internal/storage"
)

func openTestVectorStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLiteStore(s.DB())
}

func TestUpsertAndSearch(t *testing.T) {
	vs := openTestVectorStore(t)

	vectors := map[int64][]float32{
		1: {1, 0, 0},
		2: {0.9, 0.1, 0},
		3: {0, 1, 0},
	}
	for id, v := range vectors {
		if err := vs.Upsert(id, v, Meta{PlayerID: id}); err != nil {
			t.Fatalf("Upsert(%d): %v", id, err)
		}
	}

	hits, err := vs.Search([]float32{1, 0, 0}, 2, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].NoteID != 1 {
		t.Errorf("top hit = note %d, want 1 (exact match)", hits[0].NoteID)
	}
	if hits[1].NoteID != 2 {
		t.Errorf("second hit = note %d, want 2", hits[1].NoteID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %f < %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("exact match score = %f, want ~1", hits[0].Score)
	}
}

func TestUpsertReplacesVector(t *testing.T) {
	vs := openTestVectorStore(t)

	if err := vs.Upsert(1, []float32{1, 0}, Meta{PlayerID: 7}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := vs.Upsert(1, []float32{0, 1}, Meta{PlayerID: 7}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	count, err := vs.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (upsert replaced)", count)
	}

	hits, err := vs.Search([]float32{0, 1}, 1, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Score < 0.999 {
		t.Errorf("hits = %+v, want the replaced vector to match exactly", hits)
	}
}

func TestSearchFilters(t *testing.T) {
	vs := openTestVectorStore(t)

	vs.Upsert(1, []float32{1, 0}, Meta{PlayerID: 10, Team: "Eagles"})
	vs.Upsert(2, []float32{1, 0}, Meta{PlayerID: 11, Team: "Hawks"})
	vs.Upsert(3, []float32{1, 0}, Meta{PlayerID: 10, Team: "Eagles"})

	byPlayer, err := vs.Search([]float32{1, 0}, 10, Filter{PlayerID: 11})
	if err != nil {
		t.Fatalf("Search by player: %v", err)
	}
	if len(byPlayer) != 1 || byPlayer[0].NoteID != 2 {
		t.Errorf("player filter hits = %+v", byPlayer)
	}

	byTeam, err := vs.Search([]float32{1, 0}, 10, Filter{Team: "eagles"})
	if err != nil {
		t.Fatalf("Search by team: %v", err)
	}
	if len(byTeam) != 2 {
		t.Errorf("team filter returned %d hits, want 2", len(byTeam))
	}
}

func TestSearchZeroVector(t *testing.T) {
	vs := openTestVectorStore(t)
	vs.Upsert(1, []float32{1, 0}, Meta{})

	hits, err := vs.Search([]float32{0, 0}, 5, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits != nil {
		t.Errorf("zero query vector produced hits: %+v", hits)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	vs := openTestVectorStore(t)
	vs.Upsert(1, []float32{1, 0}, Meta{})

	if err := vs.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := vs.Delete(1); err != nil {
		t.Errorf("second Delete: %v", err)
	}

	count, _ := vs.Count()
	if count != 0 {
		t.Errorf("count after delete = %d, want 0", count)
	}
}

func TestDecodeRejectsCorruptBlob(t *testing.T) {
	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for blob length not divisible by 4")
	}
}
