package generation

import (
	"fmt"
	"strings"

	"github.com/scoutops/scoutd/internal/retrieval"
)

// groundingPrompt constrains the model to the retrieved notes. The insufficiency
// sentence in rule 3 is matched verbatim by the confidence heuristic, so keep
// them in sync.
const groundingPrompt = `You are an expert NBA scout assistant. Your job is to answer questions about players based ONLY on the provided scouting notes.

STRICT RULES:
1. Only use information from the notes below
2. Cite every claim using [1], [2], etc. notation
3. If the notes don't contain enough information to answer, say: "I don't have enough information in the scouting notes to answer this question."
4. Do not make up or infer information not explicitly in the notes
5. If asked about a player not in the notes, say you don't have notes on them

SCOUTING NOTES:
%s

QUESTION: %s

ANSWER (with citations):`

// insufficiencyMarker is the fragment of the rule-3 sentence the confidence
// heuristic looks for.
const insufficiencyMarker = "don't have enough information"

// buildPrompt renders the grounding prompt with numbered evidence.
func buildPrompt(query string, evidence []retrieval.Item) string {
	return fmt.Sprintf(groundingPrompt, buildContext(evidence), query)
}

// buildContext formats evidence as numbered context blocks. The numbering is
// what the model's [N] citations refer back to.
func buildContext(evidence []retrieval.Item) string {
	parts := make([]string, len(evidence))
	for i, item := range evidence {
		parts[i] = fmt.Sprintf("[%d] Player: %s\n    Title: %s\n    Content: %s\n    Game Date: %s\n    Tags: %s",
			i+1,
			item.Note.PlayerName,
			item.Note.Title,
			item.Excerpt,
			orNA(item.Note.GameDate),
			orNA(item.Note.Tags),
		)
	}
	return strings.Join(parts, "\n\n")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
