package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scoutops/scoutd/internal/agent"
	"github.com/scoutops/scoutd/internal/generation"
	"github.com/scoutops/scoutd/internal/intent"
	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

// --- mocks ---

type mockSearcher struct {
	searchFn func(ctx context.Context, query string, f retrieval.Filter, topK int, w retrieval.Weights) (retrieval.Result, error)
}

func (m *mockSearcher) SearchWithWeights(ctx context.Context, query string, f retrieval.Filter, topK int, w retrieval.Weights) (retrieval.Result, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, query, f, topK, w)
	}
	return retrieval.Result{}, nil
}

type mockGenerator struct {
	answer       generation.Answer
	err          error
	lastEvidence []retrieval.Item
}

func (m *mockGenerator) Generate(_ context.Context, query string, evidence []retrieval.Item) (generation.Answer, error) {
	m.lastEvidence = evidence
	if m.err != nil {
		return generation.Answer{}, m.err
	}
	a := m.answer
	if a.Query == "" {
		a.Query = query
	}
	return a, nil
}

type mockIntent struct {
	filters intent.Filters
}

func (m *mockIntent) Extract(context.Context, string) intent.Filters {
	return m.filters
}

type mockRunner struct {
	runFn func(ctx context.Context, runID string, events chan<- agent.Event) error
}

func (m *mockRunner) Run(ctx context.Context, runID string, events chan<- agent.Event) error {
	if m.runFn != nil {
		return m.runFn(ctx, runID, events)
	}
	events <- agent.Event{Type: agent.EventFinal, Response: "done"}
	return nil
}

// --- helpers ---

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &Deps{
		Store:     store,
		Retriever: &mockSearcher{},
		Generator: &mockGenerator{},
		Runner:    &mockRunner{},
		Vectors:   retrieval.NewSQLiteStore(store.DB()),
	}
}

func newTestServer(t *testing.T, deps *Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(*deps))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshalling body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// --- tests ---

func TestHealth(t *testing.T) {
	deps := newTestDeps(t)
	srv := newTestServer(t, deps)

	p, err := deps.Store.CreatePlayer(context.Background(), storage.Player{Name: "Marcus Webb"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Store.CreateNote(context.Background(), storage.Note{
		PlayerID: p.ID, Title: "t", Content: "c",
	}); err != nil {
		t.Fatal(err)
	}

	resp := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status           string `json:"status"`
		PendingEmbedJobs int    `json:"pending_embed_jobs"`
		IndexedNotes     int    `json:"indexed_notes"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.PendingEmbedJobs != 1 {
		t.Errorf("pending_embed_jobs = %d, want 1", body.PendingEmbedJobs)
	}
	if body.IndexedNotes != 0 {
		t.Errorf("indexed_notes = %d, want 0 before the worker runs", body.IndexedNotes)
	}
}

func TestHealthReportsIndexedNotes(t *testing.T) {
	deps := newTestDeps(t)
	srv := newTestServer(t, deps)

	p, err := deps.Store.CreatePlayer(context.Background(), storage.Player{Name: "Marcus Webb"})
	if err != nil {
		t.Fatal(err)
	}
	vectors := retrieval.NewSQLiteStore(deps.Store.DB())
	for i := 0; i < 2; i++ {
		n, err := deps.Store.CreateNote(context.Background(), storage.Note{
			PlayerID: p.ID, Title: fmt.Sprintf("t%d", i), Content: "c",
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := vectors.Upsert(n.ID, []float32{0.1, 0.2, 0.3}, retrieval.Meta{PlayerID: p.ID}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	resp := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		IndexedNotes int `json:"indexed_notes"`
	}
	decodeJSON(t, resp, &body)
	if body.IndexedNotes != 2 {
		t.Errorf("indexed_notes = %d, want 2", body.IndexedNotes)
	}
}

func TestBearerAuth(t *testing.T) {
	deps := newTestDeps(t)
	deps.Token = "sekrit"
	srv := newTestServer(t, deps)

	// /health stays open.
	if resp := getJSON(t, srv.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	// Everything else requires the token.
	resp := postJSON(t, srv.URL+"/search", SearchRequest{Query: "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated /search status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/search", bytes.NewReader([]byte(`{"query":"x"}`)))
	req.Header.Set("Authorization", "Bearer sekrit")
	authResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		t.Errorf("authenticated /search status = %d, want 200", authResp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	deps := newTestDeps(t)
	var gotTopK int
	var gotWeights retrieval.Weights
	deps.Retriever = &mockSearcher{
		searchFn: func(_ context.Context, query string, f retrieval.Filter, topK int, w retrieval.Weights) (retrieval.Result, error) {
			gotTopK, gotWeights = topK, w
			return retrieval.Result{
				Items:    []retrieval.Item{{Excerpt: "guards the perimeter", Relevance: 0.7}},
				Degraded: true,
			}, nil
		},
	}
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/search", SearchRequest{
		Query: "perimeter defense", TopK: 3, KeywordWeight: 0.5, SemanticWeight: 0.5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotTopK != 3 || gotWeights.Keyword != 0.5 {
		t.Errorf("topK = %d weights = %+v", gotTopK, gotWeights)
	}

	var body struct {
		Query    string           `json:"query"`
		Results  []retrieval.Item `json:"results"`
		Degraded bool             `json:"degraded"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Results) != 1 || !body.Degraded {
		t.Errorf("body = %+v", body)
	}
}

func TestSearchEndpointValidation(t *testing.T) {
	deps := newTestDeps(t)
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/search", SearchRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", resp.StatusCode)
	}
}

func TestSearchEndpointUnavailable(t *testing.T) {
	deps := newTestDeps(t)
	deps.Retriever = &mockSearcher{
		searchFn: func(context.Context, string, retrieval.Filter, int, retrieval.Weights) (retrieval.Result, error) {
			return retrieval.Result{}, fmt.Errorf("wrapped: %w", retrieval.ErrUnavailable)
		},
	}
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/search", SearchRequest{Query: "x"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestAskEndpoint(t *testing.T) {
	deps := newTestDeps(t)
	deps.Retriever = &mockSearcher{
		searchFn: func(context.Context, string, retrieval.Filter, int, retrieval.Weights) (retrieval.Result, error) {
			return retrieval.Result{Items: []retrieval.Item{
				{Note: storage.NoteWithPlayer{Note: storage.Note{ID: 7}, PlayerName: "Marcus Webb"}, Excerpt: "quick release"},
			}}, nil
		},
	}
	deps.Generator = &mockGenerator{
		answer: generation.Answer{
			Text:       "Webb has a quick release [1].",
			Citations:  []generation.Citation{{NoteID: 7, PlayerName: "Marcus Webb", Ref: 1}},
			Sufficient: true,
			Confidence: generation.ConfidenceMedium,
		},
	}
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/ask", AskRequest{Question: "How is Webb's release?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Query          string                `json:"query"`
		Answer         string                `json:"answer"`
		Citations      []generation.Citation `json:"citations"`
		Confidence     string                `json:"confidence"`
		HasSufficient  bool                  `json:"has_sufficient_information"`
		RetrievedNotes []retrieval.Item      `json:"retrieved_notes"`
	}
	decodeJSON(t, resp, &body)
	if body.Answer != "Webb has a quick release [1]." {
		t.Errorf("answer = %q", body.Answer)
	}
	if len(body.Citations) != 1 || body.Citations[0].NoteID != 7 {
		t.Errorf("citations = %+v", body.Citations)
	}
	if !body.HasSufficient || body.Confidence != generation.ConfidenceMedium {
		t.Errorf("confidence = %q sufficient = %v", body.Confidence, body.HasSufficient)
	}
	if len(body.RetrievedNotes) != 1 {
		t.Errorf("retrieved_notes = %+v", body.RetrievedNotes)
	}
}

func TestAskEndpointResolvesIntent(t *testing.T) {
	deps := newTestDeps(t)
	p, err := deps.Store.CreatePlayer(context.Background(), storage.Player{Name: "Marcus Webb", Team: "Eagles"})
	if err != nil {
		t.Fatal(err)
	}
	deps.Intent = &mockIntent{filters: intent.Filters{PlayerName: "Marcus Webb"}}

	var gotFilter retrieval.Filter
	deps.Retriever = &mockSearcher{
		searchFn: func(_ context.Context, _ string, f retrieval.Filter, _ int, _ retrieval.Weights) (retrieval.Result, error) {
			gotFilter = f
			return retrieval.Result{}, nil
		},
	}
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/ask", AskRequest{Question: "how has Webb looked lately"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotFilter.PlayerID != p.ID {
		t.Errorf("search filter = %+v, want player %d from intent", gotFilter, p.ID)
	}
}

func TestAskEndpointExplicitFiltersSkipIntent(t *testing.T) {
	deps := newTestDeps(t)
	deps.Intent = &mockIntent{filters: intent.Filters{PlayerName: "Someone Else"}}

	var gotFilter retrieval.Filter
	deps.Retriever = &mockSearcher{
		searchFn: func(_ context.Context, _ string, f retrieval.Filter, _ int, _ retrieval.Weights) (retrieval.Result, error) {
			gotFilter = f
			return retrieval.Result{}, nil
		},
	}
	srv := newTestServer(t, deps)

	postJSON(t, srv.URL+"/ask", AskRequest{Question: "q", PlayerID: 12})
	if gotFilter.PlayerID != 12 {
		t.Errorf("filter = %+v, want explicit player 12", gotFilter)
	}
}

func TestAskEndpointGenerationError(t *testing.T) {
	deps := newTestDeps(t)
	deps.Generator = &mockGenerator{err: fmt.Errorf("model: %w", generation.ErrGeneration)}
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/ask", AskRequest{Question: "q"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestPlayerEndpoints(t *testing.T) {
	deps := newTestDeps(t)
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/players", PlayerRequest{Name: "Marcus Webb", Team: "Eagles", Position: "SG"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created storage.Player
	decodeJSON(t, resp, &created)
	if created.ID == 0 {
		t.Fatal("created player has no ID")
	}

	if resp := getJSON(t, fmt.Sprintf("%s/players/%d", srv.URL, created.ID)); resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}
	if resp := getJSON(t, srv.URL+"/players/999"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing player status = %d, want 404", resp.StatusCode)
	}

	listResp := getJSON(t, srv.URL+"/players?team=Eagles")
	var players []storage.Player
	decodeJSON(t, listResp, &players)
	if len(players) != 1 {
		t.Errorf("team filter returned %d players, want 1", len(players))
	}

	if resp := postJSON(t, srv.URL+"/players", PlayerRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("nameless create status = %d, want 400", resp.StatusCode)
	}
}

func TestNoteEndpoints(t *testing.T) {
	deps := newTestDeps(t)
	srv := newTestServer(t, deps)

	p, err := deps.Store.CreatePlayer(context.Background(), storage.Player{Name: "Marcus Webb"})
	if err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, srv.URL+"/notes", NoteRequest{PlayerID: p.ID, Title: "Shooting", Content: "Streaky."})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var note storage.Note
	decodeJSON(t, resp, &note)

	// PATCH one field, leave the rest.
	b, _ := json.Marshal(map[string]any{"title": "Shooting update"})
	req, _ := http.NewRequest(http.MethodPatch, fmt.Sprintf("%s/notes/%d", srv.URL, note.ID), bytes.NewReader(b))
	patchResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", patchResp.StatusCode)
	}
	var patched storage.Note
	decodeJSON(t, patchResp, &patched)
	if patched.Title != "Shooting update" || patched.Content != "Streaky." {
		t.Errorf("patched note = %+v", patched)
	}

	// Missing player -> 404.
	if resp := postJSON(t, srv.URL+"/notes", NoteRequest{PlayerID: 99, Title: "t", Content: "c"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("orphan note status = %d, want 404", resp.StatusCode)
	}

	// Delete, then reads 404.
	delReq, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/notes/%d", srv.URL, note.ID), nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatal(err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}
	if resp := getJSON(t, fmt.Sprintf("%s/notes/%d", srv.URL, note.ID)); resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted note status = %d, want 404", resp.StatusCode)
	}
}

func TestConversationEndpoints(t *testing.T) {
	deps := newTestDeps(t)
	srv := newTestServer(t, deps)

	resp := postJSON(t, srv.URL+"/assistant/conversations", struct{}{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var conv storage.Conversation
	decodeJSON(t, resp, &conv)

	if resp := getJSON(t, srv.URL+"/assistant/conversations/"+conv.ID); resp.StatusCode != http.StatusOK {
		t.Errorf("get conversation status = %d, want 200", resp.StatusCode)
	}
	if resp := getJSON(t, srv.URL+"/assistant/conversations/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", resp.StatusCode)
	}
	if resp := getJSON(t, srv.URL+"/assistant/runs/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp.StatusCode)
	}
}
