package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scoutops/scoutd/internal/ollama"
	"github.com/scoutops/scoutd/internal/retrieval"
)

// ErrGeneration signals that the language model failed to produce an answer.
// Callers surface it to the user rather than silently downgrading to a
// low-confidence answer.
var ErrGeneration = errors.New("answer generation failed")

// Confidence levels for generated answers.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// noEvidenceAnswer is returned without calling the model when retrieval found
// nothing to ground on.
const noEvidenceAnswer = "I don't have any scouting notes to answer this question."

// Chatter is the slice of the Ollama client the generator needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// Answer is a grounded, cited response to a question.
type Answer struct {
	Query      string     `json:"query"`
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Sufficient bool       `json:"has_sufficient_information"`
	Confidence string     `json:"confidence"`
}

// Generator produces grounded answers over retrieved evidence.
type Generator struct {
	chat  Chatter
	model string
}

// NewGenerator creates a Generator using the given chat client and model.
func NewGenerator(chat Chatter, model string) *Generator {
	return &Generator{chat: chat, model: model}
}

// Generate answers the query using only the provided evidence. Empty evidence
// short-circuits to a low-confidence insufficiency answer without a model
// call. Model failures and empty completions return ErrGeneration.
func (g *Generator) Generate(ctx context.Context, query string, evidence []retrieval.Item) (Answer, error) {
	if len(evidence) == 0 {
		return Answer{
			Query:      query,
			Text:       noEvidenceAnswer,
			Sufficient: false,
			Confidence: ConfidenceLow,
		}, nil
	}

	raw, err := g.chat.Chat(ctx, g.model, []ollama.Message{
		{Role: "user", Content: buildPrompt(query, evidence)},
	}, nil)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return Answer{}, fmt.Errorf("%w: model returned an empty answer", ErrGeneration)
	}

	citations := ExtractCitations(text, evidence)

	// An answer that cites nothing is not grounded, even when the model
	// never admits insufficiency.
	sufficient := len(citations) > 0 && !strings.Contains(strings.ToLower(text), insufficiencyMarker)

	return Answer{
		Query:      query,
		Text:       text,
		Citations:  citations,
		Sufficient: sufficient,
		Confidence: assessConfidence(text, citations),
	}, nil
}

// assessConfidence grades an answer by how well it grounds itself: three or
// more distinct cited notes is high, one or two is medium, none is low.
// Insufficiency language forces low regardless of citations.
func assessConfidence(answer string, citations []Citation) string {
	lower := strings.ToLower(answer)
	if strings.Contains(lower, insufficiencyMarker) ||
		strings.Contains(lower, "i don't have") ||
		strings.Contains(lower, "no information") {
		return ConfidenceLow
	}

	distinct := make(map[int64]bool)
	for _, c := range citations {
		distinct[c.NoteID] = true
	}

	switch {
	case len(distinct) >= 3:
		return ConfidenceHigh
	case len(distinct) >= 1:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
