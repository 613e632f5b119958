package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const noteColumns = "id, player_id, title, content, tags, game_date, is_important, created_at, updated_at"

// JobTypeNoteEmbed is the job type for (re)embedding a note into the vector index.
const JobTypeNoteEmbed = "note_embed"

// NoteEmbedPayload is the JSON payload of a note_embed job.
type NoteEmbedPayload struct {
	NoteID int64 `json:"note_id"`
}

// CreateNote inserts a note and enqueues a note_embed job in the same
// transaction, so the vector index catches up with the new searchable text.
// The FTS5 keyword index is maintained by triggers. Returns ErrNotFound if the
// player does not exist.
func (s *Store) CreateNote(ctx context.Context, n Note) (Note, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM players WHERE id = ?", n.PlayerID).Scan(&exists); err != nil {
		return Note{}, fmt.Errorf("checking player %d: %w", n.PlayerID, err)
	}
	if exists == 0 {
		return Note{}, ErrNotFound
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("beginning note transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notes (player_id, title, content, tags, game_date, is_important, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.PlayerID, n.Title, n.Content, n.Tags, n.GameDate, n.IsImportant,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Note{}, fmt.Errorf("inserting note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Note{}, err
	}

	if err := enqueueEmbedJobTx(ctx, tx, id, now); err != nil {
		return Note{}, err
	}

	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("committing note: %w", err)
	}

	n.ID = id
	n.CreatedAt = now
	n.UpdatedAt = now
	return n, nil
}

// GetNote returns the note with the given ID, or ErrNotFound.
func (s *Store) GetNote(ctx context.Context, id int64) (Note, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+noteColumns+" FROM notes WHERE id = ?", id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	return n, err
}

// UpdateNote applies the non-nil fields of u to the note. When title, content,
// or tags change, a note_embed job is enqueued in the same transaction so the
// vector index is rebuilt for the note.
func (s *Store) UpdateNote(ctx context.Context, id int64, u NoteUpdate) (Note, error) {
	current, err := s.GetNote(ctx, id)
	if err != nil {
		return Note{}, err
	}

	searchableChanged := false
	if u.Title != nil && *u.Title != current.Title {
		current.Title = *u.Title
		searchableChanged = true
	}
	if u.Content != nil && *u.Content != current.Content {
		current.Content = *u.Content
		searchableChanged = true
	}
	if u.Tags != nil && *u.Tags != current.Tags {
		current.Tags = *u.Tags
		searchableChanged = true
	}
	if u.GameDate != nil {
		current.GameDate = *u.GameDate
	}
	if u.IsImportant != nil {
		current.IsImportant = *u.IsImportant
	}

	now := time.Now().UTC()
	current.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE notes SET title = ?, content = ?, tags = ?, game_date = ?, is_important = ?, updated_at = ?
		WHERE id = ?`,
		current.Title, current.Content, current.Tags, current.GameDate, current.IsImportant,
		now.Format(time.RFC3339), id,
	)
	if err != nil {
		return Note{}, fmt.Errorf("updating note %d: %w", id, err)
	}

	if searchableChanged {
		if err := enqueueEmbedJobTx(ctx, tx, id, now); err != nil {
			return Note{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("committing update: %w", err)
	}
	return current, nil
}

// DeleteNote removes a note. The FTS row is removed by trigger and the vector
// row by the foreign-key cascade.
func (s *Store) DeleteNote(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting note %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNotesForPlayer returns all notes for a player, newest first.
func (s *Store) ListNotesForPlayer(ctx context.Context, playerID int64) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+noteColumns+" FROM notes WHERE player_id = ? ORDER BY created_at DESC", playerID)
	if err != nil {
		return nil, fmt.Errorf("listing notes for player %d: %w", playerID, err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// ListNoteIDs returns the IDs of every note, ascending. Used by the bulk
// re-embed path to walk the whole corpus.
func (s *Store) ListNoteIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM notes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing note IDs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetNotesByIDs returns notes joined with their player's name and team.
func (s *Store) GetNotesByIDs(ctx context.Context, ids []int64) ([]NoteWithPlayer, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT n.id, n.player_id, n.title, n.content, n.tags, n.game_date, n.is_important,
		n.created_at, n.updated_at, p.name, p.team
		FROM notes n JOIN players p ON p.id = n.player_id
		WHERE n.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notes by IDs: %w", err)
	}
	defer rows.Close()

	var results []NoteWithPlayer
	for rows.Next() {
		var nw NoteWithPlayer
		var createdAt, updatedAt string
		if err := rows.Scan(&nw.ID, &nw.PlayerID, &nw.Title, &nw.Content, &nw.Tags, &nw.GameDate,
			&nw.IsImportant, &createdAt, &updatedAt, &nw.PlayerName, &nw.PlayerTeam); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		if nw.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for note %d: %w", nw.ID, err)
		}
		if nw.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for note %d: %w", nw.ID, err)
		}
		results = append(results, nw)
	}
	return results, rows.Err()
}

// SearchNotesKeyword runs a ranked FTS5 query over the keyword index.
// Title matches weigh 3x and tag matches 2x relative to content. Scores are
// positive bm25 relevance, higher is better, unnormalized. playerID 0 and
// team "" disable the respective filter.
func (s *Store) SearchNotesKeyword(ctx context.Context, query string, playerID int64, team string) ([]KeywordHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	q := `SELECT n.id, -bm25(notes_fts, 3.0, 1.0, 2.0) AS score
		FROM notes_fts
		JOIN notes n ON n.id = notes_fts.rowid
		JOIN players p ON p.id = n.player_id
		WHERE notes_fts MATCH ?`
	args := []interface{}{match}
	if playerID > 0 {
		q += " AND n.player_id = ?"
		args = append(args, playerID)
	}
	if team != "" {
		q += " AND p.team LIKE ? COLLATE NOCASE"
		args = append(args, "%"+team+"%")
	}
	q += " ORDER BY score DESC LIMIT 50"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.NoteID, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning keyword hit: %w", err)
		}
		if h.Score < 0 {
			h.Score = 0
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into a safe FTS5 match expression: each token is
// quoted and tokens are ORed, approximating a plain-language query.
func ftsQuery(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}

func scanNote(r rowScanner) (Note, error) {
	var n Note
	var createdAt, updatedAt string
	err := r.Scan(&n.ID, &n.PlayerID, &n.Title, &n.Content, &n.Tags, &n.GameDate, &n.IsImportant, &createdAt, &updatedAt)
	if err != nil {
		return Note{}, err
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return Note{}, fmt.Errorf("parsing created_at for note %d: %w", n.ID, err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Note{}, fmt.Errorf("parsing updated_at for note %d: %w", n.ID, err)
	}
	return n, nil
}

func enqueueEmbedJobTx(ctx context.Context, tx *sql.Tx, noteID int64, now time.Time) error {
	payload, err := json.Marshal(NoteEmbedPayload{NoteID: noteID})
	if err != nil {
		return fmt.Errorf("marshalling embed payload: %w", err)
	}
	ts := now.Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, 3, ?, ?, ?)`,
		uuid.New().String(), JobTypeNoteEmbed, string(payload), ts, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("enqueueing embed job: %w", err)
	}
	return nil
}
