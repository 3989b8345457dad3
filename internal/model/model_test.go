package model

import "testing"

func TestSessionTransitions(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionIdle, SessionRunning, true},
		{SessionRunning, SessionStopping, true},
		{SessionStopping, SessionIdle, true},
		{SessionRunning, SessionIdle, true},
		{SessionIdle, SessionStopping, false},
		{SessionStopping, SessionRunning, false},
	}
	for _, c := range cases {
		if got := CanTransitionSessionStatus(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionSessionStatus(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskStopping, true},
		{TaskStopping, TaskStopped, true},
		{TaskPending, TaskCompleted, false},
		{TaskStopping, TaskRunning, false},
	}
	for _, c := range cases {
		if got := CanTransitionTaskStatus(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionTaskStatus(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalTaskStatusesNeverTransition(t *testing.T) {
	for status := range TerminalTaskStatuses {
		if CanTransitionTaskStatus(status, TaskRunning) {
			t.Errorf("terminal status %s must not transition to RUNNING", status)
		}
		if CanTransitionTaskStatus(status, TaskPending) {
			t.Errorf("terminal status %s must not transition to PENDING", status)
		}
	}
}

func TestCredentialKeyPerTool(t *testing.T) {
	cases := map[AgenticTool]string{
		ToolClaudeCode: "ANTHROPIC_API_KEY",
		ToolCodex:      "OPENAI_API_KEY",
		ToolGemini:     "GEMINI_API_KEY",
		ToolOpenCode:   "NONE",
	}
	for tool, want := range cases {
		if got := tool.CredentialKey(); got != want {
			t.Errorf("%s.CredentialKey() = %s, want %s", tool, got, want)
		}
	}
}

func TestParsePermissionLevelRanking(t *testing.T) {
	none, _ := ParsePermissionLevel("none")
	view, _ := ParsePermissionLevel("view")
	prompt, _ := ParsePermissionLevel("prompt")
	all, _ := ParsePermissionLevel("all")

	if !(none < view && view < prompt && prompt < all) {
		t.Fatalf("permission ranks out of order: none=%d view=%d prompt=%d all=%d", none, view, prompt, all)
	}

	if _, ok := ParsePermissionLevel("bogus"); ok {
		t.Fatal("expected bogus permission string to fail to parse")
	}
}
