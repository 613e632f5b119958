package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/scoutops/scoutd/internal/ollama"
)

const extractionTimeout = 3 * time.Second

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Filters holds the structured extraction result from a user question:
// which player and team the question is scoped to, if any.
type Filters struct {
	PlayerName string `json:"player_name"`
	Team       string `json:"team"`
}

// Extractor uses a fast local LLM to pull search filters out of free-form
// questions, so "how is Marcus Webb shooting" narrows retrieval to that player.
type Extractor struct {
	client OllamaChatter
	model  string
}

// NewExtractor creates an Extractor using the given Ollama client and model name.
func NewExtractor(client OllamaChatter, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Extract analyses the question and returns the filters it implies. On any
// failure (timeout, malformed JSON, Ollama error) it returns zero-value
// Filters; answering must not block on extraction failures, it just searches
// unfiltered.
func (e *Extractor) Extract(ctx context.Context, query string) Filters {
	if query == "" {
		return Filters{}
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(query), filtersSchema())
	if err != nil {
		slog.Warn("filter extraction chat failed", "error", err)
		return Filters{}
	}

	var result Filters
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal filters from LLM response", "error", err, "response", raw)
		return Filters{}
	}
	return result
}

// filtersSchema returns the Ollama JSON schema for structured filter output.
func filtersSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"player_name": {Type: "string", Description: "Full name of the player the question is about, or empty"},
			"team":        {Type: "string", Description: "Team name the question is scoped to, or empty"},
		},
		Required: []string{"player_name", "team"},
	}
}
