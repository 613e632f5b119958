package retrieval

import (
	"context"
	"errors"
	"testing"
)

func TestEmbedWrapsFailures(t *testing.T) {
	e := NewEmbedder(&mockEmbedClient{
		embed: func(ctx context.Context, model, text string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}, "nomic-embed-text")

	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbedBatch(t *testing.T) {
	e := NewEmbedder(&mockEmbedClient{
		embed: func(ctx context.Context, model, text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	}, "nomic-embed-text")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	// Results keep input order regardless of goroutine scheduling.
	for i, want := range []float32{1, 2, 3} {
		if vecs[i][0] != want {
			t.Errorf("vecs[%d] = %f, want %f", i, vecs[i][0], want)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := NewEmbedder(&mockEmbedClient{
		embed: func(ctx context.Context, model, text string) ([]float32, error) {
			t.Fatal("embed called for empty batch")
			return nil, nil
		},
	}, "nomic-embed-text")

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", vecs, err)
	}
}
