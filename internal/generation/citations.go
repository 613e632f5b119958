package generation

import (
	"regexp"
	"strconv"

	"github.com/scoutops/scoutd/internal/retrieval"
)

// Citation links one [N] reference in an answer back to the note it cites.
type Citation struct {
	NoteID     int64  `json:"note_id"`
	PlayerName string `json:"player_name"`
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt"`
	Ref        int    `json:"reference_number"`
}

var citationRef = regexp.MustCompile(`\[(\d+)\]`)

// ExtractCitations parses [1], [2], ... references from an answer and resolves
// them against the numbered evidence. References are deduplicated in order of
// first appearance; references outside the evidence range are dropped.
// The function is pure: same answer and evidence always yield the same result.
func ExtractCitations(answer string, evidence []retrieval.Item) []Citation {
	matches := citationRef.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int]bool)
	var citations []Citation
	for _, m := range matches {
		ref, err := strconv.Atoi(m[1])
		if err != nil || ref < 1 || ref > len(evidence) || seen[ref] {
			continue
		}
		seen[ref] = true
		item := evidence[ref-1]
		citations = append(citations, Citation{
			NoteID:     item.Note.ID,
			PlayerName: item.Note.PlayerName,
			Title:      item.Note.Title,
			Excerpt:    item.Excerpt,
			Ref:        ref,
		})
	}
	return citations
}
