package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/scoutops/scoutd/internal/generation"
	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:     store,
		Retriever: &mockSearcher{},
		Generator: &mockGenerator{},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_SearchNotes(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var gotFilter retrieval.Filter
	deps.Retriever = &mockSearcher{
		searchFn: func(_ context.Context, _ string, f retrieval.Filter, _ int, _ retrieval.Weights) (retrieval.Result, error) {
			gotFilter = f
			return retrieval.Result{Items: []retrieval.Item{
				{Excerpt: "strong in transition", Relevance: 0.8},
				{Excerpt: "weak closeouts", Relevance: 0.5},
			}}, nil
		},
	}
	handler := mcpSearchNotes(deps)

	req := makeCallToolRequest("search_notes", map[string]interface{}{
		"query":     "transition defense",
		"player_id": 3,
		"team":      "Eagles",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if gotFilter.PlayerID != 3 || gotFilter.Team != "Eagles" {
		t.Errorf("filter = %+v, want player 3 / Eagles", gotFilter)
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestMCPTool_SearchNotes_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearchNotes(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_notes", map[string]interface{}{
		"query": "nothing here",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_SearchNotes_Error(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Retriever = &mockSearcher{
		searchFn: func(context.Context, string, retrieval.Filter, int, retrieval.Weights) (retrieval.Result, error) {
			return retrieval.Result{}, errors.New("both indexes down")
		},
	}
	handler := mcpSearchNotes(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_notes", map[string]interface{}{
		"query": "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_AskScout(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Generator = &mockGenerator{
		answer: generation.Answer{
			Query:      "How does Webb defend?",
			Text:       "Webb defends well in space [1].",
			Citations:  []generation.Citation{{NoteID: 7, Ref: 1}},
			Sufficient: true,
			Confidence: generation.ConfidenceMedium,
		},
	}
	handler := mcpAskScout(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_scout", map[string]interface{}{
		"question": "How does Webb defend?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var answer generation.Answer
	if err := json.Unmarshal([]byte(toolText(t, result)), &answer); err != nil {
		t.Fatalf("failed to parse answer: %v", err)
	}
	if !strings.Contains(answer.Text, "[1]") || len(answer.Citations) != 1 {
		t.Errorf("answer = %+v, want cited text", answer)
	}
}

func TestMCPTool_AskScout_GenerationError(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Generator = &mockGenerator{err: generation.ErrGeneration}
	handler := mcpAskScout(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_scout", map[string]interface{}{
		"question": "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_CreateNote(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	p, err := store.CreatePlayer(context.Background(), storage.Player{Name: "Marcus Webb", Team: "Eagles"})
	if err != nil {
		t.Fatalf("seeding player: %v", err)
	}
	handler := mcpCreateNote(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_note", map[string]interface{}{
		"player_id": int(p.ID),
		"title":     "Transition defense",
		"content":   "Sprints back, takes charges.",
		"tags":      "defense,effort",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	notes, err := store.ListNotesForPlayer(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("listing notes: %v", err)
	}
	if len(notes) != 1 || notes[0].Title != "Transition defense" {
		t.Errorf("persisted notes = %+v", notes)
	}
}

func TestMCPTool_CreateNote_PlayerMissing(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpCreateNote(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_note", map[string]interface{}{
		"player_id": 44,
		"title":     "x",
		"content":   "y",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing player")
	}
}

func TestMCPResource_Players(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	if _, err := store.CreatePlayer(context.Background(), storage.Player{Name: "Marcus Webb", Team: "Eagles"}); err != nil {
		t.Fatalf("seeding player: %v", err)
	}

	handler := mcpResourcePlayers(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("scout://players"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var players []storage.Player
	if err := json.Unmarshal([]byte(tc.Text), &players); err != nil {
		t.Fatalf("failed to parse players: %v", err)
	}
	if len(players) != 1 || players[0].Name != "Marcus Webb" {
		t.Errorf("players = %+v", players)
	}
}
