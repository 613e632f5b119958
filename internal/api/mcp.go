package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/scoutops/scoutd/internal/generation"
	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The same retriever and
// generator back the HTTP API.
type MCPDeps struct {
	Store     *storage.Store
	Retriever Searcher
	Generator AnswerGenerator
}

// NewMCPServer creates an MCP server exposing scouting search, grounded Q&A,
// and note capture to MCP clients over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scoutd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scoutd: basketball scouting notes with hybrid search, grounded answers, and note capture."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Hybrid keyword+semantic search over scouting notes."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("player_id", mcp.Description("Restrict to one player")),
			mcp.WithString("team", mcp.Description("Restrict to a team")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_scout",
			mcp.WithDescription("Ask a question answered strictly from stored scouting notes, with citations."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithNumber("player_id", mcp.Description("Restrict evidence to one player")),
			mcp.WithString("team", mcp.Description("Restrict evidence to a team")),
		),
		mcpAskScout(deps),
	)

	s.AddTool(
		mcp.NewTool("create_note",
			mcp.WithDescription("Record a new scouting note for a player."),
			mcp.WithNumber("player_id", mcp.Description("Player the note is about"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Note title"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Note body"), mcp.Required()),
			mcp.WithString("tags", mcp.Description("Comma-separated tags")),
			mcp.WithString("game_date", mcp.Description("Game date, YYYY-MM-DD")),
		),
		mcpCreateNote(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"scout://players",
			"Player Roster",
			mcp.WithResourceDescription("All tracked players as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePlayers(deps),
	)

	return s
}

func mcpSearchNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		f := retrieval.Filter{
			PlayerID: int64(req.GetInt("player_id", 0)),
			Team:     req.GetString("team", ""),
		}
		topK := req.GetInt("top_k", 0)

		res, err := deps.Retriever.SearchWithWeights(ctx, query, f, topK, retrieval.Weights{})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(res.Items) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(res.Items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskScout(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		f := retrieval.Filter{
			PlayerID: int64(req.GetInt("player_id", 0)),
			Team:     req.GetString("team", ""),
		}

		res, err := deps.Retriever.SearchWithWeights(ctx, question, f, 0, retrieval.Weights{})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		answer, err := deps.Generator.Generate(ctx, question, res.Items)
		if err != nil {
			return mcpError(fmt.Sprintf("answer generation failed: %v", err)), nil
		}

		if answer.Citations == nil {
			answer.Citations = []generation.Citation{}
		}
		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		playerID, err := req.RequireInt("player_id")
		if err != nil {
			return mcpError("player_id is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		n, createErr := deps.Store.CreateNote(ctx, storage.Note{
			PlayerID: int64(playerID),
			Title:    title,
			Content:  content,
			Tags:     req.GetString("tags", ""),
			GameDate: req.GetString("game_date", ""),
		})
		if createErr == storage.ErrNotFound {
			return mcpError(fmt.Sprintf("player %d not found", playerID)), nil
		}
		if createErr != nil {
			return mcpError(fmt.Sprintf("failed to save note: %v", createErr)), nil
		}
		return mcpText(fmt.Sprintf("Stored note %d for player %d", n.ID, n.PlayerID)), nil
	}
}

func mcpResourcePlayers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		players, err := deps.Store.SearchPlayers(ctx, storage.PlayerFilter{Limit: 100})
		if err != nil {
			return nil, fmt.Errorf("listing players: %w", err)
		}
		if players == nil {
			players = []storage.Player{}
		}
		b, err := json.Marshal(players)
		if err != nil {
			return nil, fmt.Errorf("marshalling players: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
