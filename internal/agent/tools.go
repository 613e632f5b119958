package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

// Tool names form a closed set; dispatch is an exhaustive switch in Execute.
const (
	ToolSearchPlayers    = "search_players"
	ToolGetPlayerDetails = "get_player_details"
	ToolSearchNotes      = "search_notes"
	ToolCreateNote       = "create_note"
	ToolUpdateNote       = "update_note"
	ToolCreatePlayer     = "create_player"
)

// ToolNames lists every tool in the order they are described to the model.
var ToolNames = []string{
	ToolSearchPlayers,
	ToolGetPlayerDetails,
	ToolSearchNotes,
	ToolCreateNote,
	ToolUpdateNote,
	ToolCreatePlayer,
}

// Store is the slice of the storage layer the tools need.
type Store interface {
	SearchPlayers(ctx context.Context, f storage.PlayerFilter) ([]storage.Player, error)
	GetPlayer(ctx context.Context, id int64) (storage.Player, error)
	ListNotesForPlayer(ctx context.Context, playerID int64) ([]storage.Note, error)
	CreateNote(ctx context.Context, n storage.Note) (storage.Note, error)
	UpdateNote(ctx context.Context, id int64, u storage.NoteUpdate) (storage.Note, error)
	CreatePlayer(ctx context.Context, p storage.Player) (storage.Player, error)
}

// Searcher runs hybrid note search for the search_notes tool.
type Searcher interface {
	Search(ctx context.Context, query string, f retrieval.Filter, topK int) (retrieval.Result, error)
}

// Toolbox executes assistant tools against the store and search index.
type Toolbox struct {
	store  Store
	search Searcher
}

// NewToolbox creates a Toolbox over the given store and searcher.
func NewToolbox(store Store, search Searcher) *Toolbox {
	return &Toolbox{store: store, search: search}
}

type searchPlayersArgs struct {
	Query    string `json:"query"`
	Team     string `json:"team"`
	Position string `json:"position"`
}

type getPlayerDetailsArgs struct {
	PlayerID int64 `json:"player_id"`
}

type searchNotesArgs struct {
	Query    string `json:"query"`
	PlayerID int64  `json:"player_id"`
	Team     string `json:"team"`
	TopK     int    `json:"top_k"`
}

type createNoteArgs struct {
	PlayerID    int64  `json:"player_id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Tags        string `json:"tags"`
	GameDate    string `json:"game_date"`
	IsImportant bool   `json:"is_important"`
}

type updateNoteArgs struct {
	NoteID      int64   `json:"note_id"`
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	Tags        *string `json:"tags"`
	GameDate    *string `json:"game_date"`
	IsImportant *bool   `json:"is_important"`
}

type createPlayerArgs struct {
	Name         string `json:"name"`
	Position     string `json:"position"`
	Team         string `json:"team"`
	JerseyNumber int    `json:"jersey_number"`
	Height       string `json:"height"`
	Weight       string `json:"weight"`
	Age          int    `json:"age"`
}

// Execute runs the named tool with JSON-encoded arguments and returns the
// JSON-encoded result. Unknown tools, invalid arguments, and store failures
// return an error; the caller records the step as failed and feeds the error
// back to the model as an observation so it can recover.
func (t *Toolbox) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case ToolSearchPlayers:
		var a searchPlayersArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		return t.searchPlayers(ctx, a)
	case ToolGetPlayerDetails:
		var a getPlayerDetailsArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		if a.PlayerID <= 0 {
			return "", errors.New("get_player_details: player_id is required")
		}
		return t.getPlayerDetails(ctx, a)
	case ToolSearchNotes:
		var a searchNotesArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		if a.Query == "" {
			return "", errors.New("search_notes: query is required")
		}
		return t.searchNotes(ctx, a)
	case ToolCreateNote:
		var a createNoteArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		if a.PlayerID <= 0 || a.Title == "" || a.Content == "" {
			return "", errors.New("create_note: player_id, title and content are required")
		}
		return t.createNote(ctx, a)
	case ToolUpdateNote:
		var a updateNoteArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		if a.NoteID <= 0 {
			return "", errors.New("update_note: note_id is required")
		}
		if a.Title == nil && a.Content == nil && a.Tags == nil && a.GameDate == nil && a.IsImportant == nil {
			return "", errors.New("update_note: no fields to update")
		}
		return t.updateNote(ctx, a)
	case ToolCreatePlayer:
		var a createPlayerArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return "", err
		}
		if a.Name == "" {
			return "", errors.New("create_player: name is required")
		}
		return t.createPlayer(ctx, a)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func unmarshalArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

func (t *Toolbox) searchPlayers(ctx context.Context, a searchPlayersArgs) (string, error) {
	players, err := t.store.SearchPlayers(ctx, storage.PlayerFilter{
		Name:     a.Query,
		Team:     a.Team,
		Position: a.Position,
		Limit:    20,
	})
	if err != nil {
		return "", fmt.Errorf("search_players: %w", err)
	}
	return marshalResult(map[string]interface{}{
		"success": true,
		"players": players,
		"count":   len(players),
	})
}

func (t *Toolbox) getPlayerDetails(ctx context.Context, a getPlayerDetailsArgs) (string, error) {
	player, err := t.store.GetPlayer(ctx, a.PlayerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("player with ID %d not found", a.PlayerID)
		}
		return "", fmt.Errorf("get_player_details: %w", err)
	}
	notes, err := t.store.ListNotesForPlayer(ctx, a.PlayerID)
	if err != nil {
		return "", fmt.Errorf("get_player_details: %w", err)
	}
	return marshalResult(map[string]interface{}{
		"success":     true,
		"player":      player,
		"notes":       notes,
		"notes_count": len(notes),
	})
}

func (t *Toolbox) searchNotes(ctx context.Context, a searchNotesArgs) (string, error) {
	res, err := t.search.Search(ctx, a.Query, retrieval.Filter{PlayerID: a.PlayerID, Team: a.Team}, a.TopK)
	if err != nil {
		return "", fmt.Errorf("search_notes: %w", err)
	}
	return marshalResult(map[string]interface{}{
		"success":  true,
		"query":    a.Query,
		"results":  res.Items,
		"count":    len(res.Items),
		"degraded": res.Degraded,
	})
}

func (t *Toolbox) createNote(ctx context.Context, a createNoteArgs) (string, error) {
	note, err := t.store.CreateNote(ctx, storage.Note{
		PlayerID:    a.PlayerID,
		Title:       a.Title,
		Content:     a.Content,
		Tags:        a.Tags,
		GameDate:    a.GameDate,
		IsImportant: a.IsImportant,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("player with ID %d not found", a.PlayerID)
		}
		return "", fmt.Errorf("create_note: %w", err)
	}
	return marshalResult(map[string]interface{}{
		"success": true,
		"note":    note,
		"message": fmt.Sprintf("Created note %d for player %d", note.ID, note.PlayerID),
	})
}

func (t *Toolbox) updateNote(ctx context.Context, a updateNoteArgs) (string, error) {
	note, err := t.store.UpdateNote(ctx, a.NoteID, storage.NoteUpdate{
		Title:       a.Title,
		Content:     a.Content,
		Tags:        a.Tags,
		GameDate:    a.GameDate,
		IsImportant: a.IsImportant,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("note with ID %d not found", a.NoteID)
		}
		return "", fmt.Errorf("update_note: %w", err)
	}
	return marshalResult(map[string]interface{}{
		"success": true,
		"note":    note,
		"message": fmt.Sprintf("Updated note %d", note.ID),
	})
}

func (t *Toolbox) createPlayer(ctx context.Context, a createPlayerArgs) (string, error) {
	player, err := t.store.CreatePlayer(ctx, storage.Player{
		Name:         a.Name,
		Position:     a.Position,
		Team:         a.Team,
		JerseyNumber: a.JerseyNumber,
		Height:       a.Height,
		Weight:       a.Weight,
		Age:          a.Age,
	})
	if err != nil {
		return "", fmt.Errorf("create_player: %w", err)
	}
	return marshalResult(map[string]interface{}{
		"success": true,
		"player":  player,
		"message": fmt.Sprintf("Created player profile for %s", player.Name),
	})
}

func marshalResult(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling tool result: %w", err)
	}
	return string(b), nil
}
