package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

// JobStore abstracts the job queue and note lookups.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetNotesByIDs(ctx context.Context, ids []int64) ([]storage.NoteWithPlayer, error)
	ListNoteIDs(ctx context.Context) ([]int64, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the slice of the vector store the worker needs.
type VectorIndex interface {
	Upsert(noteID int64, vector []float32, meta retrieval.Meta) error
	Delete(noteID int64) error
}

// Worker processes note_embed jobs from the SQLite job queue, keeping the
// vector index in sync with note text.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorIndex
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorIndex, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single note_embed job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobTypeNoteEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload storage.NoteEmbedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	notes, err := w.store.GetNotesByIDs(ctx, []int64{payload.NoteID})
	if err != nil {
		return fmt.Errorf("loading note %d: %w", payload.NoteID, err)
	}
	if len(notes) == 0 {
		// Note deleted between enqueue and claim. Drop any stale vector.
		if err := w.vectors.Delete(payload.NoteID); err != nil {
			return fmt.Errorf("removing vector for deleted note %d: %w", payload.NoteID, err)
		}
		w.logger.Info("note gone, vector removed", "note_id", payload.NoteID)
		return nil
	}
	note := notes[0]

	vec, err := w.embedder.Embed(ctx, embedText(note))
	if err != nil {
		return fmt.Errorf("embedding note %d: %w", note.ID, err)
	}

	meta := retrieval.Meta{PlayerID: note.PlayerID, Team: note.PlayerTeam}
	if err := w.vectors.Upsert(note.ID, vec, meta); err != nil {
		return fmt.Errorf("upserting vector for note %d: %w", note.ID, err)
	}
	return nil
}

// reindexChunk bounds how many notes go through one batch embedding call.
const reindexChunk = 16

// Reindex re-embeds every note and rewrites its vector, walking the corpus in
// chunks. Used after restoring a database without vectors or after changing
// the embedding model. Returns the number of notes indexed; on error the
// count covers the notes already written.
func (w *Worker) Reindex(ctx context.Context) (int, error) {
	ids, err := w.store.ListNoteIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing notes: %w", err)
	}

	total := 0
	for start := 0; start < len(ids); start += reindexChunk {
		end := min(start+reindexChunk, len(ids))
		notes, err := w.store.GetNotesByIDs(ctx, ids[start:end])
		if err != nil {
			return total, fmt.Errorf("loading notes: %w", err)
		}

		texts := make([]string, len(notes))
		for i, n := range notes {
			texts[i] = embedText(n)
		}
		vecs, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embedding batch: %w", err)
		}

		for i, n := range notes {
			meta := retrieval.Meta{PlayerID: n.PlayerID, Team: n.PlayerTeam}
			if err := w.vectors.Upsert(n.ID, vecs[i], meta); err != nil {
				return total, fmt.Errorf("upserting vector for note %d: %w", n.ID, err)
			}
			total++
		}
		w.logger.Debug("reindex progress", "indexed", total, "of", len(ids))
	}
	return total, nil
}

// embedText flattens the searchable fields of a note into one passage. The
// player name is included so semantic queries naming a player land on their
// notes.
func embedText(n storage.NoteWithPlayer) string {
	parts := []string{n.PlayerName, n.Title, n.Content}
	if n.Tags != "" {
		parts = append(parts, "Tags: "+n.Tags)
	}
	return strings.Join(parts, "\n")
}
