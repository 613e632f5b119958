package intent

import (
	"github.com/scoutops/scoutd/internal/ollama"
)

const systemPrompt = `You are a query filter extraction engine for a basketball scouting system. Analyze the user's question and extract who it is about. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Set player_name to the full name of the player the question is about, exactly as written by the user. Use an empty string if no specific player is mentioned.
- Set team to the team name if the question is scoped to one team. Use an empty string otherwise.
- Never invent names that are not present in the question.`

// BuildPrompt constructs the chat messages for filter extraction.
func BuildPrompt(query string) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}
}
