package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scoutops/scoutd/internal/config"
	"github.com/scoutops/scoutd/internal/ingest"
)

// --- ask ---

type askResponse struct {
	Answer     string `json:"answer"`
	Confidence string `json:"confidence"`
	Sufficient bool   `json:"has_sufficient_information"`
	Degraded   bool   `json:"degraded"`
	Citations  []struct {
		NoteID     int64  `json:"note_id"`
		PlayerName string `json:"player_name"`
		Title      string `json:"title"`
		Ref        int    `json:"reference_number"`
	} `json:"citations"`
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from stored scouting notes",
	Long: `Ask a question answered strictly from stored scouting notes.

Examples:
  scoutd ask "How does Marcus Webb handle ball pressure?"
  scoutd ask --player 3 "Is he ready for a starting role?"
  scoutd ask --team Eagles "Who defends the pick and roll best?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		playerID, _ := cmd.Flags().GetInt64("player")
		team, _ := cmd.Flags().GetString("team")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"question": question}
		if playerID != 0 {
			req["player_id"] = playerID
		}
		if team != "" {
			req["team"] = team
		}

		resp, err := client.post(cmd.Context(), "/ask", req)
		if err != nil {
			return err
		}

		var answer askResponse
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		if answer.Degraded {
			printWarning("one search index was unavailable; answer may be incomplete")
		}
		fmt.Println(answer.Answer)
		if len(answer.Citations) > 0 {
			fmt.Println()
			for _, c := range answer.Citations {
				fmt.Printf("%s %s: %s (note %d)\n",
					colorize(colorCyan, fmt.Sprintf("[%d]", c.Ref)),
					c.PlayerName, c.Title, c.NoteID)
			}
		}
		fmt.Printf("\n%s %s\n", colorize(colorBold, "confidence:"), answer.Confidence)
		if !answer.Sufficient {
			printWarning("the stored notes do not fully cover this question")
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Int64("player", 0, "restrict evidence to one player ID")
	askCmd.Flags().String("team", "", "restrict evidence to a team")
}

// --- search ---

type searchResponse struct {
	Degraded bool `json:"degraded"`
	Results  []struct {
		Note struct {
			ID         int64  `json:"id"`
			Title      string `json:"title"`
			PlayerName string `json:"player_name"`
		} `json:"note"`
		Excerpt   string  `json:"excerpt"`
		Relevance float64 `json:"relevance"`
	} `json:"results"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid keyword+semantic search over scouting notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		playerID, _ := cmd.Flags().GetInt64("player")
		team, _ := cmd.Flags().GetString("team")
		topK, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"query": query}
		if playerID != 0 {
			req["player_id"] = playerID
		}
		if team != "" {
			req["team"] = team
		}
		if topK != 0 {
			req["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/search", req)
		if err != nil {
			return err
		}

		var res searchResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if res.Degraded {
			printWarning("one search index was unavailable; ranking may be incomplete")
		}
		if len(res.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range res.Results {
			fmt.Printf("\n%s [relevance: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Relevance)
			fmt.Printf("  %s: %s (note %d)\n", r.Note.PlayerName, r.Note.Title, r.Note.ID)
			fmt.Printf("  %s\n", r.Excerpt)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int64("player", 0, "restrict to one player ID")
	searchCmd.Flags().String("team", "", "restrict to a team")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
}

// --- note ---

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Manage scouting notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a new scouting note",
	Long: `Record a new scouting note for a player.

Examples:
  scoutd note add --player 3 --title "Transition defense" --content "Sprints back every possession."
  scoutd note add --player 3 --title "Shot selection" --content "Settles for contested threes." --tags offense,shooting --game-date 2026-02-14`,
	RunE: func(cmd *cobra.Command, args []string) error {
		playerID, _ := cmd.Flags().GetInt64("player")
		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")
		tags, _ := cmd.Flags().GetString("tags")
		gameDate, _ := cmd.Flags().GetString("game-date")
		important, _ := cmd.Flags().GetBool("important")

		if playerID == 0 || title == "" || content == "" {
			return fmt.Errorf("--player, --title, and --content are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/notes", map[string]any{
			"player_id":    playerID,
			"title":        title,
			"content":      content,
			"tags":         tags,
			"game_date":    gameDate,
			"is_important": important,
		})
		if err != nil {
			return err
		}

		var note struct {
			ID int64 `json:"id"`
		}
		if err := decodeJSON(resp, &note); err != nil {
			return err
		}

		printSuccess("Stored note %d for player %d", note.ID, playerID)
		return nil
	},
}

func init() {
	noteAddCmd.Flags().Int64("player", 0, "player the note is about")
	noteAddCmd.Flags().String("title", "", "note title")
	noteAddCmd.Flags().String("content", "", "note body")
	noteAddCmd.Flags().String("tags", "", "comma-separated tags")
	noteAddCmd.Flags().String("game-date", "", "game date, YYYY-MM-DD")
	noteAddCmd.Flags().Bool("important", false, "flag the note as important")
	noteCmd.AddCommand(noteAddCmd)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file-or-url>",
	Short: "Import a scouting report as a note",
	Long: `Import a scouting report as a note for a player.

PDF files are converted to plain text. URLs are fetched and stripped of
markup. Anything else is stored verbatim.

Examples:
  scoutd import report.pdf --player 3
  scoutd import https://example.com/game-recap --player 3 --tags recap
  scoutd import notes.txt --player 3 --title "Film session"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		playerID, _ := cmd.Flags().GetInt64("player")
		title, _ := cmd.Flags().GetString("title")
		tags, _ := cmd.Flags().GetString("tags")
		gameDate, _ := cmd.Flags().GetString("game-date")

		if playerID == 0 {
			return fmt.Errorf("--player is required")
		}

		content, extractedTitle, err := loadReport(cmd.Context(), source)
		if err != nil {
			return err
		}
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("no text extracted from %s", source)
		}
		if title == "" {
			title = extractedTitle
		}
		if title == "" {
			title = filepath.Base(source)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/notes", map[string]any{
			"player_id": playerID,
			"title":     title,
			"content":   content,
			"tags":      tags,
			"game_date": gameDate,
		})
		if err != nil {
			return err
		}

		var note struct {
			ID int64 `json:"id"`
		}
		if err := decodeJSON(resp, &note); err != nil {
			return err
		}

		printSuccess("Imported %s as note %d (%d characters)", source, note.ID, len(content))
		return nil
	},
}

// loadReport reads a local file or fetches a URL and extracts plain text.
// The second return value is a title when the source carries one.
func loadReport(ctx context.Context, source string) (content, title string, err error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, "GET", source, nil)
		if err != nil {
			return "", "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", "", fmt.Errorf("fetching %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", "", fmt.Errorf("fetching %s: HTTP %d", source, resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", "", fmt.Errorf("reading %s: %w", source, err)
		}
		pageTitle, text, err := ingest.ExtractHTML(data)
		if err != nil {
			return "", "", err
		}
		return text, pageTitle, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return "", "", fmt.Errorf("reading %s: %w", source, err)
	}
	if strings.EqualFold(filepath.Ext(source), ".pdf") {
		text, err := ingest.ExtractPDF(data)
		if err != nil {
			return "", "", err
		}
		return text, "", nil
	}
	return string(data), "", nil
}

func init() {
	importCmd.Flags().Int64("player", 0, "player the report is about")
	importCmd.Flags().String("title", "", "note title (default: page title or file name)")
	importCmd.Flags().String("tags", "", "comma-separated tags")
	importCmd.Flags().String("game-date", "", "game date, YYYY-MM-DD")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
