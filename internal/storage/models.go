package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Step types.
const (
	StepThinking    = "thinking"
	StepToolCall    = "tool_call"
	StepObservation = "observation"
	StepFinal       = "final"
)

// Step statuses.
const (
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

type Player struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Position     string    `json:"position,omitempty"`
	Team         string    `json:"team,omitempty"`
	JerseyNumber int       `json:"jersey_number,omitempty"`
	Height       string    `json:"height,omitempty"`
	Weight       string    `json:"weight,omitempty"`
	Age          int       `json:"age,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Note struct {
	ID          int64     `json:"id"`
	PlayerID    int64     `json:"player_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Tags        string    `json:"tags,omitempty"` // comma-separated
	GameDate    string    `json:"game_date,omitempty"`
	IsImportant bool      `json:"is_important"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NoteWithPlayer joins a note with its owning player's name and team.
type NoteWithPlayer struct {
	Note
	PlayerName string `json:"player_name"`
	PlayerTeam string `json:"player_team,omitempty"`
}

// NoteUpdate carries optional field changes for UpdateNote. Nil means "leave as is".
type NoteUpdate struct {
	Title       *string
	Content     *string
	Tags        *string
	GameDate    *string
	IsImportant *bool
}

// PlayerFilter narrows SearchPlayers results. Zero values match everything.
type PlayerFilter struct {
	Name     string
	Team     string
	Position string
	Limit    int
}

// KeywordHit is one ranked result from the FTS5 keyword index.
type KeywordHit struct {
	NoteID int64
	// Score is the positive bm25 relevance (higher is better), unnormalized.
	Score float64
}

type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Runs      []Run     `json:"runs,omitempty"`
}

type Run struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	UserMessage       string     `json:"user_message"`
	Status            string     `json:"status"`
	AssistantResponse string     `json:"assistant_response,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Steps             []Step     `json:"steps,omitempty"`
}

type Step struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	StepNumber   int       `json:"step_number"`
	StepType     string    `json:"step_type"`
	Description  string    `json:"description"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolInput    string    `json:"tool_input,omitempty"`
	ToolOutput   string    `json:"tool_output,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
