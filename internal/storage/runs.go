package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation inserts a new empty conversation.
func (s *Store) CreateConversation(ctx context.Context) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)",
		c.ID, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation with its runs and their steps,
// runs ordered oldest first.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, runSelect+" WHERE conversation_id = ? ORDER BY created_at ASC", id)
	if err != nil {
		return Conversation{}, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return Conversation{}, err
		}
		c.Runs = append(c.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, err
	}

	for i := range c.Runs {
		steps, err := s.ListRunSteps(ctx, c.Runs[i].ID)
		if err != nil {
			return Conversation{}, err
		}
		c.Runs[i].Steps = steps
	}
	return c, nil
}

// CreateRun inserts a pending run for the conversation and bumps the
// conversation's updated_at.
func (s *Store) CreateRun(ctx context.Context, conversationID, userMessage string) (Run, error) {
	now := time.Now().UTC()
	r := Run{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserMessage:    userMessage,
		Status:         RunPending,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, conversation_id, user_message, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, conversationID, userMessage, RunPending, now.Format(time.RFC3339))
	if err != nil {
		return Run{}, fmt.Errorf("inserting run: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?", now.Format(time.RFC3339), conversationID)
	if err != nil {
		return Run{}, fmt.Errorf("touching conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Run{}, err
	} else if n == 0 {
		return Run{}, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("committing run: %w", err)
	}
	return r, nil
}

// GetRun returns a run with its steps, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Steps, err = s.ListRunSteps(ctx, id)
	return r, err
}

// MarkRunRunning transitions a pending run to running. Transitioning a run
// that is not pending returns ErrNotFound.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	return s.transitionRun(ctx, id, RunPending, RunRunning, "", "")
}

// CompleteRun transitions a running run to completed with the assistant response.
func (s *Store) CompleteRun(ctx context.Context, id, response string) error {
	return s.transitionRun(ctx, id, RunRunning, RunCompleted, response, "")
}

// FailRun transitions a running run to failed with the error message.
// A pending run (never started) may also be failed directly.
func (s *Store) FailRun(ctx context.Context, id, errMsg string) error {
	err := s.transitionRun(ctx, id, RunRunning, RunFailed, "", errMsg)
	if err == ErrNotFound {
		return s.transitionRun(ctx, id, RunPending, RunFailed, "", errMsg)
	}
	return err
}

func (s *Store) transitionRun(ctx context.Context, id, from, to, response, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var res sql.Result
	var err error
	switch to {
	case RunRunning:
		res, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ? AND status = ?", to, id, from)
	case RunCompleted:
		res, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, assistant_response = ?, completed_at = ? WHERE id = ? AND status = ?",
			to, response, now, id, from)
	case RunFailed:
		res, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?",
			to, errMsg, now, id, from)
	default:
		return fmt.Errorf("invalid run transition to %q", to)
	}
	if err != nil {
		return fmt.Errorf("transitioning run %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCompletedRuns returns the most recent completed runs of a conversation
// created before the given run, oldest first. Used to build agent history.
func (s *Store) ListCompletedRuns(ctx context.Context, conversationID, beforeRunID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, runSelect+`
		 WHERE conversation_id = ? AND status = ? AND id != ?
		   AND created_at <= (SELECT created_at FROM runs WHERE id = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		conversationID, RunCompleted, beforeRunID, beforeRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing completed runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// AppendStep persists a step for a run. Step numbers are assigned by the
// caller (the agent loop owns the sequence for its run). Steps are append-only.
func (s *Store) AppendStep(ctx context.Context, step Step) (Step, error) {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.Status == "" {
		step.Status = StepStatusRunning
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (id, run_id, step_number, step_type, description, tool_name, tool_input, tool_output, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepNumber, step.StepType, step.Description,
		step.ToolName, step.ToolInput, step.ToolOutput, step.Status, step.ErrorMessage,
		step.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Step{}, fmt.Errorf("inserting step %d of run %s: %w", step.StepNumber, step.RunID, err)
	}
	return step, nil
}

// CompleteStep transitions a running step to completed, optionally attaching
// tool output. A step may transition exactly once; completing a step that is
// not running returns ErrNotFound.
func (s *Store) CompleteStep(ctx context.Context, id, toolOutput string) error {
	return s.transitionStep(ctx, id, StepStatusCompleted, toolOutput, "")
}

// FailStep transitions a running step to failed with the error message.
func (s *Store) FailStep(ctx context.Context, id, errMsg string) error {
	return s.transitionStep(ctx, id, StepStatusFailed, "", errMsg)
}

func (s *Store) transitionStep(ctx context.Context, id, to, toolOutput, errMsg string) error {
	query := "UPDATE run_steps SET status = ?"
	args := []interface{}{to}
	if toolOutput != "" {
		query += ", tool_output = ?"
		args = append(args, toolOutput)
	}
	if errMsg != "" {
		query += ", error_message = ?"
		args = append(args, errMsg)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, StepStatusRunning)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning step %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStep returns a single step by ID.
func (s *Store) GetStep(ctx context.Context, id string) (Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelect+" WHERE id = ?", id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return Step{}, ErrNotFound
	}
	return st, err
}

// ListRunSteps returns a run's steps ordered by step number.
func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, stepSelect+" WHERE run_id = ? ORDER BY step_number ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

const runSelect = "SELECT id, conversation_id, user_message, status, assistant_response, error_message, created_at, completed_at FROM runs"

func scanRun(r rowScanner) (Run, error) {
	var run Run
	var response, errMsg, completedAt sql.NullString
	var createdAt string
	err := r.Scan(&run.ID, &run.ConversationID, &run.UserMessage, &run.Status, &response, &errMsg, &createdAt, &completedAt)
	if err != nil {
		return Run{}, err
	}
	run.AssistantResponse = response.String
	run.ErrorMessage = errMsg.String
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at for run %s: %w", run.ID, err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing completed_at for run %s: %w", run.ID, err)
		}
		run.CompletedAt = &t
	}
	return run, nil
}

const stepSelect = "SELECT id, run_id, step_number, step_type, description, tool_name, tool_input, tool_output, status, error_message, created_at FROM run_steps"

func scanStep(r rowScanner) (Step, error) {
	var st Step
	var createdAt string
	err := r.Scan(&st.ID, &st.RunID, &st.StepNumber, &st.StepType, &st.Description,
		&st.ToolName, &st.ToolInput, &st.ToolOutput, &st.Status, &st.ErrorMessage, &createdAt)
	if err != nil {
		return Step{}, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return Step{}, fmt.Errorf("parsing created_at for step %s: %w", st.ID, err)
	}
	return st, nil
}
