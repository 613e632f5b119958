package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/scoutops/scoutd/internal/ollama"
	"github.com/scoutops/scoutd/internal/storage"
)

// ErrIterationLimit is returned when the loop exhausts its round budget
// without producing a final answer.
var ErrIterationLimit = errors.New("agent reached maximum iterations without a final answer")

// Event types streamed to the caller.
const (
	EventStep  = "step"
	EventFinal = "final"
	EventError = "error"
)

// Event is one streamed update from a run. Step events carry the step as
// persisted; the same step is emitted again when its status changes.
type Event struct {
	Type     string       `json:"type"`
	Step     storage.Step `json:"step,omitempty"`
	Response string       `json:"response,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Ledger is the slice of the storage layer the runner needs.
type Ledger interface {
	GetRun(ctx context.Context, id string) (storage.Run, error)
	MarkRunRunning(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id, response string) error
	FailRun(ctx context.Context, id, errMsg string) error
	ListCompletedRuns(ctx context.Context, conversationID, beforeRunID string, limit int) ([]storage.Run, error)
	AppendStep(ctx context.Context, step storage.Step) (storage.Step, error)
	CompleteStep(ctx context.Context, id, toolOutput string) error
	FailStep(ctx context.Context, id, errMsg string) error
}

// Chatter is the slice of the Ollama client the runner needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Options bound the loop. Zero values take the defaults.
type Options struct {
	MaxIterations   int // tool rounds per run (default 10)
	HistoryRuns     int // prior completed runs loaded as context (default 5)
	HistoryMessages int // working transcript cap (default 20)
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.HistoryRuns <= 0 {
		o.HistoryRuns = 5
	}
	if o.HistoryMessages <= 0 {
		o.HistoryMessages = 20
	}
	return o
}

// Runner drives a run through the tool loop, persisting every step to the
// ledger before emitting it.
type Runner struct {
	ledger  Ledger
	chat    Chatter
	toolbox *Toolbox
	model   string
	opts    Options
}

// NewRunner creates a Runner using the given reasoning model.
func NewRunner(ledger Ledger, chat Chatter, toolbox *Toolbox, model string, opts Options) *Runner {
	return &Runner{
		ledger:  ledger,
		chat:    chat,
		toolbox: toolbox,
		model:   model,
		opts:    opts.withDefaults(),
	}
}

// Run executes a pending run to a terminal status. Events, if non-nil,
// receives step and outcome updates; every event is persisted before it is
// sent. On any error, including context cancellation, the run is marked
// failed so it never remains in the running state.
func (r *Runner) Run(ctx context.Context, runID string, events chan<- Event) error {
	run, err := r.ledger.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}

	if err := r.ledger.MarkRunRunning(ctx, run.ID); err != nil {
		return fmt.Errorf("starting run %s: %w", run.ID, err)
	}

	response, err := r.loop(ctx, run, events)
	if err != nil {
		r.fail(run.ID, err, events)
		return err
	}

	if err := r.ledger.CompleteRun(ctx, run.ID, response); err != nil {
		r.fail(run.ID, err, events)
		return fmt.Errorf("completing run %s: %w", run.ID, err)
	}
	r.emit(ctx, events, Event{Type: EventFinal, Response: response})
	return nil
}

func (r *Runner) loop(ctx context.Context, run storage.Run, events chan<- Event) (string, error) {
	stepNum := 1

	// Opening thinking step mirrors the loop's lifecycle for the client.
	thinking, err := r.appendStep(ctx, events, storage.Step{
		RunID:       run.ID,
		StepNumber:  stepNum,
		StepType:    storage.StepThinking,
		Description: "Analyzing your request...",
		Status:      storage.StepStatusRunning,
	})
	if err != nil {
		return "", err
	}
	stepNum++
	if err := r.completeStep(ctx, events, thinking, ""); err != nil {
		return "", err
	}

	messages, err := r.buildMessages(ctx, run)
	if err != nil {
		return "", err
	}

	for i := 0; i < r.opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		dec, raw, err := r.decide(ctx, messages)
		if err != nil {
			return "", err
		}

		if dec.Action == "final" {
			if strings.TrimSpace(dec.Answer) == "" {
				return "", errors.New("model produced an empty final answer")
			}
			_, err := r.appendStep(ctx, events, storage.Step{
				RunID:       run.ID,
				StepNumber:  stepNum,
				StepType:    storage.StepFinal,
				Description: "Generating response...",
				Status:      storage.StepStatusCompleted,
			})
			if err != nil {
				return "", err
			}
			return dec.Answer, nil
		}

		args := normalizeArgs(dec.Arguments)
		step, err := r.appendStep(ctx, events, storage.Step{
			RunID:       run.ID,
			StepNumber:  stepNum,
			StepType:    storage.StepToolCall,
			Description: fmt.Sprintf("Calling %s...", dec.Tool),
			ToolName:    dec.Tool,
			ToolInput:   string(args),
			Status:      storage.StepStatusRunning,
		})
		if err != nil {
			return "", err
		}
		stepNum++

		output, execErr := r.toolbox.Execute(ctx, dec.Tool, args)
		if execErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err := r.failStep(ctx, events, step, execErr); err != nil {
				return "", err
			}
		} else {
			if err := r.completeStep(ctx, events, step, output); err != nil {
				return "", err
			}
		}

		obs := observationMessage(dec.Tool, output, execErr)
		obsDesc := summarizeOutput(obs.Content)
		if _, err := r.appendStep(ctx, events, storage.Step{
			RunID:       run.ID,
			StepNumber:  stepNum,
			StepType:    storage.StepObservation,
			Description: obsDesc,
			Status:      storage.StepStatusCompleted,
		}); err != nil {
			return "", err
		}
		stepNum++

		messages = append(messages, ollama.Message{Role: "assistant", Content: raw}, obs)
		messages = capMessages(messages, r.opts.HistoryMessages)
	}

	return "", ErrIterationLimit
}

// buildMessages assembles the system prompt, prior completed runs of the
// conversation as user/assistant pairs, and the current user message.
func (r *Runner) buildMessages(ctx context.Context, run storage.Run) ([]ollama.Message, error) {
	messages := []ollama.Message{{Role: "system", Content: systemPrompt}}

	history, err := r.ledger.ListCompletedRuns(ctx, run.ConversationID, run.ID, r.opts.HistoryRuns)
	if err != nil {
		// A run can still be answered without its history.
		slog.Warn("agent: loading conversation history failed", "run", run.ID, "error", err)
	}
	for _, prev := range history {
		messages = append(messages,
			ollama.Message{Role: "user", Content: prev.UserMessage},
			ollama.Message{Role: "assistant", Content: prev.AssistantResponse},
		)
	}

	messages = append(messages, ollama.Message{Role: "user", Content: run.UserMessage})
	return capMessages(messages, r.opts.HistoryMessages), nil
}

func (r *Runner) decide(ctx context.Context, messages []ollama.Message) (decision, string, error) {
	raw, err := r.chat.Chat(ctx, r.model, messages, decisionSchema())
	if err != nil {
		return decision{}, "", fmt.Errorf("model decision: %w", err)
	}
	dec, err := parseDecision(raw)
	if err != nil {
		return decision{}, "", err
	}
	return dec, raw, nil
}

// parseDecision extracts a decision from a model response, tolerating
// markdown code fences and conversational filler around the JSON object.
func parseDecision(resp string) (decision, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return decision{}, fmt.Errorf("no JSON object in model response")
	}

	var raw struct {
		Action    string          `json:"action"`
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
		Answer    string          `json:"answer"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return decision{}, fmt.Errorf("unmarshalling model decision: %w", err)
	}

	dec := decision{
		Action:    raw.Action,
		Tool:      raw.Tool,
		Arguments: string(raw.Arguments),
		Answer:    raw.Answer,
		Reason:    raw.Reason,
	}
	switch dec.Action {
	case "final":
	case "tool":
		if dec.Tool == "" {
			return decision{}, errors.New("model chose a tool call without naming a tool")
		}
	default:
		return decision{}, fmt.Errorf("model returned unknown action %q", dec.Action)
	}
	return dec, nil
}

// normalizeArgs accepts tool arguments either as a JSON object or as a
// JSON-encoded string holding one, and returns the object bytes.
func normalizeArgs(args string) json.RawMessage {
	s := strings.TrimSpace(args)
	if s == "" || s == "null" {
		return json.RawMessage("{}")
	}
	if s[0] == '"' {
		if unquoted, err := strconv.Unquote(s); err == nil {
			s = strings.TrimSpace(unquoted)
		}
	}
	if s == "" || s[0] != '{' {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

// appendStep persists a step and then emits it.
func (r *Runner) appendStep(ctx context.Context, events chan<- Event, step storage.Step) (storage.Step, error) {
	persisted, err := r.ledger.AppendStep(ctx, step)
	if err != nil {
		return storage.Step{}, fmt.Errorf("appending step %d: %w", step.StepNumber, err)
	}
	r.emit(ctx, events, Event{Type: EventStep, Step: persisted})
	return persisted, nil
}

func (r *Runner) completeStep(ctx context.Context, events chan<- Event, step storage.Step, toolOutput string) error {
	if err := r.ledger.CompleteStep(ctx, step.ID, toolOutput); err != nil {
		return fmt.Errorf("completing step %d: %w", step.StepNumber, err)
	}
	step.Status = storage.StepStatusCompleted
	step.ToolOutput = toolOutput
	r.emit(ctx, events, Event{Type: EventStep, Step: step})
	return nil
}

func (r *Runner) failStep(ctx context.Context, events chan<- Event, step storage.Step, execErr error) error {
	if err := r.ledger.FailStep(ctx, step.ID, execErr.Error()); err != nil {
		return fmt.Errorf("failing step %d: %w", step.StepNumber, err)
	}
	step.Status = storage.StepStatusFailed
	step.ErrorMessage = execErr.Error()
	r.emit(ctx, events, Event{Type: EventStep, Step: step})
	return nil
}

// emit sends an event unless the context is done. Events are best-effort;
// the ledger is the source of truth.
func (r *Runner) emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// fail marks the run failed on a detached context so cancellation of the
// request cannot leave the run stuck in the running state.
func (r *Runner) fail(runID string, cause error, events chan<- Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.ledger.FailRun(ctx, runID, cause.Error()); err != nil {
		slog.Error("agent: marking run failed", "run", runID, "cause", cause, "error", err)
	}
	r.emit(ctx, events, Event{Type: EventError, Error: cause.Error()})
}
