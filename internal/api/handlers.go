package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scoutops/scoutd/internal/agent"
	"github.com/scoutops/scoutd/internal/generation"
	"github.com/scoutops/scoutd/internal/intent"
	"github.com/scoutops/scoutd/internal/reranking"
	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Searcher abstracts hybrid note search for the API layer.
type Searcher interface {
	SearchWithWeights(ctx context.Context, query string, f retrieval.Filter, topK int, w retrieval.Weights) (retrieval.Result, error)
}

// AnswerGenerator abstracts grounded answer generation.
type AnswerGenerator interface {
	Generate(ctx context.Context, query string, evidence []retrieval.Item) (generation.Answer, error)
}

// FilterExtractor abstracts the intent pre-pass for /ask.
type FilterExtractor interface {
	Extract(ctx context.Context, query string) intent.Filters
}

// RunStarter abstracts the agent loop for the assistant endpoints.
type RunStarter interface {
	Run(ctx context.Context, runID string, events chan<- agent.Event) error
}

// VectorCounter reports how many notes the semantic index holds.
type VectorCounter interface {
	Count() (int, error)
}

// Deps holds everything the HTTP handlers need. Reranker and Intent are
// optional; nil disables the corresponding pre-pass.
type Deps struct {
	Store     *storage.Store
	Retriever Searcher
	Generator AnswerGenerator
	Intent    FilterExtractor
	Reranker  reranking.Reranker
	Runner    RunStarter
	Vectors   VectorCounter
	Token     string
}

// NewHandler builds the scoutd HTTP API. When Token is non-empty every route
// except /health requires a matching bearer token.
func NewHandler(deps Deps) http.Handler {
	root := chi.NewRouter()
	root.Get("/health", handleHealth(deps))

	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Post("/search", handleSearch(deps))
	r.Post("/ask", handleAsk(deps))

	r.Post("/assistant/chat", handleAssistantChat(deps))
	r.Post("/assistant/conversations", handleCreateConversation(deps))
	r.Get("/assistant/conversations/{id}", handleGetConversation(deps))
	r.Get("/assistant/runs/{id}", handleGetRun(deps))

	r.Post("/players", handleCreatePlayer(deps))
	r.Get("/players", handleListPlayers(deps))
	r.Get("/players/{id}", handleGetPlayer(deps))
	r.Get("/players/{id}/notes", handleListPlayerNotes(deps))

	r.Post("/notes", handleCreateNote(deps))
	r.Get("/notes/{id}", handleGetNote(deps))
	r.Patch("/notes/{id}", handleUpdateNote(deps))
	r.Delete("/notes/{id}", handleDeleteNote(deps))

	root.Mount("/", r)
	return root
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Store.PendingJobCount(r.Context(), storage.JobTypeNoteEmbed)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checking job queue: %v", err)
			return
		}
		indexed, err := deps.Vectors.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checking vector index: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":             "ok",
			"pending_embed_jobs": pending,
			"indexed_notes":      indexed,
		})
	}
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query          string  `json:"query"`
	PlayerID       int64   `json:"player_id"`
	Team           string  `json:"team"`
	TopK           int     `json:"top_k"`
	KeywordWeight  float64 `json:"keyword_weight"`
	SemanticWeight float64 `json:"semantic_weight"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		res, err := deps.Retriever.SearchWithWeights(r.Context(), req.Query,
			retrieval.Filter{PlayerID: req.PlayerID, Team: req.Team},
			req.TopK,
			retrieval.Weights{Keyword: req.KeywordWeight, Semantic: req.SemanticWeight},
		)
		if errors.Is(err, retrieval.ErrUnavailable) {
			httpError(w, http.StatusServiceUnavailable, "retrieval_error", "search unavailable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		items := res.Items
		if items == nil {
			items = []retrieval.Item{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":    req.Query,
			"results":  items,
			"degraded": res.Degraded,
		})
	}
}

// AskRequest is the body of POST /ask.
type AskRequest struct {
	Question string `json:"question"`
	PlayerID int64  `json:"player_id"`
	Team     string `json:"team"`
	TopK     int    `json:"top_k"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		filter := retrieval.Filter{PlayerID: req.PlayerID, Team: req.Team}
		if filter.PlayerID == 0 && filter.Team == "" && deps.Intent != nil {
			filter = resolveIntent(r.Context(), deps, req.Question)
		}

		res, err := deps.Retriever.SearchWithWeights(r.Context(), req.Question, filter, req.TopK, retrieval.Weights{})
		if errors.Is(err, retrieval.ErrUnavailable) {
			httpError(w, http.StatusServiceUnavailable, "retrieval_error", "search unavailable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		items := res.Items
		if deps.Reranker != nil {
			if reranked, err := deps.Reranker.Rerank(r.Context(), req.Question, items); err == nil {
				items = reranked
			}
		}

		answer, err := deps.Generator.Generate(r.Context(), req.Question, items)
		if errors.Is(err, generation.ErrGeneration) {
			httpError(w, http.StatusBadGateway, "generation_error", "answer generation failed: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "answer generation failed: %v", err)
			return
		}

		if answer.Citations == nil {
			answer.Citations = []generation.Citation{}
		}
		if items == nil {
			items = []retrieval.Item{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":                      answer.Query,
			"answer":                     answer.Text,
			"citations":                  answer.Citations,
			"confidence":                 answer.Confidence,
			"has_sufficient_information": answer.Sufficient,
			"retrieved_notes":            items,
			"degraded":                   res.Degraded,
		})
	}
}

// resolveIntent extracts player/team hints from the question and resolves a
// player name to an ID. Any failure falls back to an unfiltered search.
func resolveIntent(ctx context.Context, deps Deps, question string) retrieval.Filter {
	hints := deps.Intent.Extract(ctx, question)
	f := retrieval.Filter{Team: hints.Team}
	if hints.PlayerName == "" {
		return f
	}
	players, err := deps.Store.SearchPlayers(ctx, storage.PlayerFilter{Name: hints.PlayerName, Limit: 1})
	if err == nil && len(players) > 0 {
		f.PlayerID = players[0].ID
	}
	return f
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Store.CreateConversation(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Store.GetConversation(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// PlayerRequest is the body of POST /players.
type PlayerRequest struct {
	Name         string `json:"name"`
	Position     string `json:"position"`
	Team         string `json:"team"`
	JerseyNumber int    `json:"jersey_number"`
	Height       string `json:"height"`
	Weight       string `json:"weight"`
	Age          int    `json:"age"`
}

func handleCreatePlayer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PlayerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		p, err := deps.Store.CreatePlayer(r.Context(), storage.Player{
			Name:         req.Name,
			Position:     req.Position,
			Team:         req.Team,
			JerseyNumber: req.JerseyNumber,
			Height:       req.Height,
			Weight:       req.Weight,
			Age:          req.Age,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating player: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleListPlayers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		players, err := deps.Store.SearchPlayers(r.Context(), storage.PlayerFilter{
			Name:     q.Get("q"),
			Team:     q.Get("team"),
			Position: q.Get("position"),
			Limit:    parseIntParam(r, "limit", 20, 100),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing players: %v", err)
			return
		}
		if players == nil {
			players = []storage.Player{}
		}
		writeJSON(w, http.StatusOK, players)
	}
}

func handleGetPlayer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		p, err := deps.Store.GetPlayer(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "player not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting player: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleListPlayerNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if _, err := deps.Store.GetPlayer(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "player not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting player: %v", err)
			return
		}
		notes, err := deps.Store.ListNotesForPlayer(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing notes: %v", err)
			return
		}
		if notes == nil {
			notes = []storage.Note{}
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

// NoteRequest is the body of POST /notes.
type NoteRequest struct {
	PlayerID    int64  `json:"player_id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Tags        string `json:"tags"`
	GameDate    string `json:"game_date"`
	IsImportant bool   `json:"is_important"`
}

func handleCreateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req NoteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.PlayerID <= 0 || req.Title == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "player_id, title and content are required")
			return
		}
		n, err := deps.Store.CreateNote(r.Context(), storage.Note{
			PlayerID:    req.PlayerID,
			Title:       req.Title,
			Content:     req.Content,
			Tags:        req.Tags,
			GameDate:    req.GameDate,
			IsImportant: req.IsImportant,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "player %d not found", req.PlayerID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating note: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		n, err := deps.Store.GetNote(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

// NoteUpdateRequest is the body of PATCH /notes/{id}. Absent fields are left as is.
type NoteUpdateRequest struct {
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	Tags        *string `json:"tags"`
	GameDate    *string `json:"game_date"`
	IsImportant *bool   `json:"is_important"`
}

func handleUpdateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req NoteUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		n, err := deps.Store.UpdateNote(r.Context(), id, storage.NoteUpdate{
			Title:       req.Title,
			Content:     req.Content,
			Tags:        req.Tags,
			GameDate:    req.GameDate,
			IsImportant: req.IsImportant,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		err := deps.Store.DeleteNote(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid id")
		return 0, false
	}
	return id, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
