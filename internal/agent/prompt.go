package agent

import (
	"fmt"
	"strings"

	"github.com/scoutops/scoutd/internal/ollama"
)

const systemPrompt = `You are an AI assistant for an NBA scouting team. You help scouts manage player profiles and scouting notes.

You work in rounds. Each round you either call ONE tool or give your final answer. After a tool call you will be shown its result before the next round.

Available tools:

search_players - Find players by name, team, or position.
  Arguments: query (partial name), team, position. All optional.

get_player_details - Full profile and all notes for one player.
  Arguments: player_id (required).

search_notes - Search scouting notes by meaning and keywords.
  Arguments: query (required), player_id, team, top_k.

create_note - Record a new scouting note for a player.
  Arguments: player_id, title, content (all required), tags, game_date (YYYY-MM-DD), is_important.

update_note - Change fields of an existing note.
  Arguments: note_id (required), plus any of title, content, tags, game_date, is_important.

create_player - Add a new player profile.
  Arguments: name (required), position, team, jersey_number, height, weight, age.

Rules:
1. Look up a player's ID with search_players before using tools that need player_id.
2. Base answers about players strictly on stored notes; use search_notes or get_player_details first.
3. If a tool fails, read the error and try a corrected call or explain the problem in your final answer.
4. When the scout asks to record or change information, confirm what you did in your final answer.
5. Answer with action "final" as soon as you have what you need. Do not repeat identical tool calls.`

// decision is one round of the loop: call a tool or finish.
type decision struct {
	Action    string `json:"action"`    // "tool" or "final"
	Tool      string `json:"tool"`      // tool name when action is "tool"
	Arguments string `json:"arguments"` // JSON-encoded object of tool arguments
	Answer    string `json:"answer"`    // final answer when action is "final"
	Reason    string `json:"reason"`    // one line explaining the choice
}

// decisionSchema constrains the model to a single tool call or final answer.
func decisionSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"action":    {Type: "string", Description: "What to do this round", Enum: []string{"tool", "final"}},
			"tool":      {Type: "string", Description: "Tool to call when action is tool", Enum: ToolNames},
			"arguments": {Type: "string", Description: "JSON object of tool arguments, e.g. {\"query\": \"Webb\"}"},
			"answer":    {Type: "string", Description: "Final answer for the scout when action is final"},
			"reason":    {Type: "string", Description: "One line on why this action"},
		},
		Required: []string{"action", "reason"},
	}
}

// observationMessage renders a tool result (or failure) for the model.
func observationMessage(tool, output string, execErr error) ollama.Message {
	var content string
	if execErr != nil {
		content = fmt.Sprintf(`TOOL RESULT for %s: {"success": false, "error": %q}`, tool, execErr.Error())
	} else {
		content = fmt.Sprintf("TOOL RESULT for %s: %s", tool, output)
	}
	return ollama.Message{Role: "user", Content: content}
}

// capMessages bounds the working transcript. The system prompt always
// survives; the oldest turns after it are dropped first.
func capMessages(messages []ollama.Message, max int) []ollama.Message {
	if max <= 1 || len(messages) <= max {
		return messages
	}
	capped := make([]ollama.Message, 0, max)
	capped = append(capped, messages[0])
	capped = append(capped, messages[len(messages)-(max-1):]...)
	return capped
}

// summarizeOutput shortens a tool output for the observation step description.
func summarizeOutput(output string) string {
	const maxLen = 160
	s := strings.Join(strings.Fields(output), " ")
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
