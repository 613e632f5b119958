package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/scoutops/scoutd/internal/agent"
	"github.com/scoutops/scoutd/internal/storage"
)

// ChatRequest is the body of POST /assistant/chat.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// eventBuffer bounds the step event channel; a slow SSE client applies
// backpressure to the loop rather than dropping events.
const eventBuffer = 16

// handleAssistantChat starts an agent run and streams its steps as SSE.
// The stream opens with a "run" event carrying the run and conversation IDs,
// then a "step" event per persisted step update, and ends with "final" or
// "error".
func handleAssistantChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		conversationID := req.ConversationID
		if conversationID == "" {
			conv, err := deps.Store.CreateConversation(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
				return
			}
			conversationID = conv.ID
		}

		run, err := deps.Store.CreateRun(r.Context(), conversationID, req.Message)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating run: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSE(w, flusher, "run", map[string]string{
			"run_id":          run.ID,
			"conversation_id": conversationID,
		})

		events := make(chan agent.Event, eventBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := deps.Runner.Run(r.Context(), run.ID, events); err != nil {
				slog.Warn("assistant run failed", "run", run.ID, "error", err)
			}
		}()

	stream:
		for {
			select {
			case ev := <-events:
				writeSSE(w, flusher, ev.Type, ev)
				if ev.Type == agent.EventFinal || ev.Type == agent.EventError {
					break stream
				}
			case <-done:
				// Drain anything emitted before the runner returned.
				for {
					select {
					case ev := <-events:
						writeSSE(w, flusher, ev.Type, ev)
					default:
						break stream
					}
				}
			case <-r.Context().Done():
				<-done // runner marks the run failed before returning
				break stream
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshalling SSE payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
