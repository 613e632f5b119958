package storage

import (
	"context"
	"errors"
	"testing"
)

func TestConversationRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	r, err := s.CreateRun(ctx, c.ID, "How is Webb shooting lately?")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if r.Status != RunPending {
		t.Errorf("new run status = %q, want pending", r.Status)
	}

	if err := s.MarkRunRunning(ctx, r.ID); err != nil {
		t.Fatalf("MarkRunRunning: %v", err)
	}
	if err := s.CompleteRun(ctx, r.ID, "Shooting well [1]."); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunCompleted || got.AssistantResponse != "Shooting well [1]." {
		t.Errorf("completed run = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed run has no completed_at")
	}
}

// A run transitions to a terminal state exactly once.
func TestRunSingleTerminalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.CreateConversation(ctx)
	r, _ := s.CreateRun(ctx, c.ID, "question")
	s.MarkRunRunning(ctx, r.ID)

	if err := s.CompleteRun(ctx, r.ID, "answer"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := s.FailRun(ctx, r.ID, "late failure"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailRun after completion = %v, want ErrNotFound", err)
	}
	if err := s.CompleteRun(ctx, r.ID, "second answer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second CompleteRun = %v, want ErrNotFound", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.AssistantResponse != "answer" {
		t.Errorf("response overwritten: %q", got.AssistantResponse)
	}
}

// A pending run that never started may still be failed (startup errors).
func TestFailPendingRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.CreateConversation(ctx)
	r, _ := s.CreateRun(ctx, c.ID, "question")

	if err := s.FailRun(ctx, r.ID, "could not start"); err != nil {
		t.Fatalf("FailRun on pending run: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != RunFailed || got.ErrorMessage != "could not start" {
		t.Errorf("failed run = %+v", got)
	}
}

func TestStepAppendAndTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.CreateConversation(ctx)
	r, _ := s.CreateRun(ctx, c.ID, "question")
	s.MarkRunRunning(ctx, r.ID)

	st, err := s.AppendStep(ctx, Step{
		RunID:       r.ID,
		StepNumber:  1,
		StepType:    StepToolCall,
		Description: "Searching notes",
		ToolName:    "search_notes",
		ToolInput:   `{"query":"shooting"}`,
	})
	if err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	if st.Status != StepStatusRunning {
		t.Errorf("new step status = %q, want running", st.Status)
	}

	if err := s.CompleteStep(ctx, st.ID, `{"results":[]}`); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	// Terminal steps cannot transition again.
	if err := s.FailStep(ctx, st.ID, "oops"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailStep after completion = %v, want ErrNotFound", err)
	}

	got, err := s.GetStep(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != StepStatusCompleted || got.ToolOutput != `{"results":[]}` {
		t.Errorf("step = %+v", got)
	}
}

func TestStepNumbersUniquePerRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.CreateConversation(ctx)
	r, _ := s.CreateRun(ctx, c.ID, "question")

	if _, err := s.AppendStep(ctx, Step{RunID: r.ID, StepNumber: 1, StepType: StepThinking, Description: "a"}); err != nil {
		t.Fatalf("first AppendStep: %v", err)
	}
	if _, err := s.AppendStep(ctx, Step{RunID: r.ID, StepNumber: 1, StepType: StepThinking, Description: "b"}); err == nil {
		t.Error("duplicate step number accepted")
	}
}

func TestGetConversationNestsRunsAndSteps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.CreateConversation(ctx)
	r, _ := s.CreateRun(ctx, c.ID, "question")
	s.MarkRunRunning(ctx, r.ID)
	st, _ := s.AppendStep(ctx, Step{RunID: r.ID, StepNumber: 1, StepType: StepFinal, Description: "Answer ready"})
	s.CompleteStep(ctx, st.ID, "")
	s.CompleteRun(ctx, r.ID, "answer")

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(got.Runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(got.Runs))
	}
	if len(got.Runs[0].Steps) != 1 || got.Runs[0].Steps[0].StepType != StepFinal {
		t.Errorf("nested steps = %+v", got.Runs[0].Steps)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(missing) = %v, want ErrNotFound", err)
	}
}

func TestListCompletedRunsForHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, _ := s.CreateConversation(ctx)

	var ids []string
	for i := 0; i < 3; i++ {
		r, _ := s.CreateRun(ctx, c.ID, "question")
		s.MarkRunRunning(ctx, r.ID)
		s.CompleteRun(ctx, r.ID, "answer")
		ids = append(ids, r.ID)
	}
	failed, _ := s.CreateRun(ctx, c.ID, "broken question")
	s.MarkRunRunning(ctx, failed.ID)
	s.FailRun(ctx, failed.ID, "boom")

	current, _ := s.CreateRun(ctx, c.ID, "current question")

	history, err := s.ListCompletedRuns(ctx, c.ID, current.ID, 5)
	if err != nil {
		t.Fatalf("ListCompletedRuns: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3 (failed run excluded)", len(history))
	}
	for _, r := range history {
		if r.Status != RunCompleted {
			t.Errorf("non-completed run %s in history", r.ID)
		}
		if r.ID == current.ID {
			t.Error("current run included in its own history")
		}
	}
}
