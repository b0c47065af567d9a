package workflow

import "testing"

func TestCanTransitionTask(t *testing.T) {
	legal := [][2]string{
		{TaskStateNew, TaskStateInProgress},
		{TaskStateNew, TaskStateBlocked},
		{TaskStateNew, TaskStateCancelled},
		{TaskStateInProgress, TaskStateCompleted},
		{TaskStateInProgress, TaskStateBlocked},
		{TaskStateInProgress, TaskStateCancelled},
		{TaskStateBlocked, TaskStateInProgress},
		{TaskStateBlocked, TaskStateCancelled},
	}
	allowed := make(map[[2]string]bool, len(legal))
	for _, pair := range legal {
		allowed[pair] = true
		if !CanTransition(KindTask, pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	for _, from := range States(KindTask) {
		for _, to := range States(KindTask) {
			if allowed[[2]string{from, to}] {
				continue
			}
			if CanTransition(KindTask, from, to) {
				t.Fatalf("expected %s -> %s to be blocked", from, to)
			}
		}
	}
}

func TestCanTransitionActionPlan(t *testing.T) {
	if !CanTransition(KindActionPlan, PlanStateDraft, PlanStateActive) {
		t.Fatalf("expected draft -> active to be allowed")
	}
	if !CanTransition(KindActionPlan, PlanStateActive, PlanStateArchived) {
		t.Fatalf("expected active -> archived to be allowed")
	}
	if CanTransition(KindActionPlan, PlanStateArchived, PlanStateActive) {
		t.Fatalf("expected archived -> active to be blocked")
	}
	if CanTransition(KindActionPlan, PlanStateActive, PlanStateDraft) {
		t.Fatalf("expected active -> draft to be blocked")
	}
}

func TestSelfTransitionBlocked(t *testing.T) {
	for _, state := range States(KindTask) {
		if CanTransition(KindTask, state, state) {
			t.Fatalf("expected self-transition %s -> %s to be blocked", state, state)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	if !IsTerminal(KindTask, TaskStateCompleted) || !IsTerminal(KindTask, TaskStateCancelled) {
		t.Fatalf("expected completed and cancelled to be terminal")
	}
	if IsTerminal(KindTask, TaskStateBlocked) {
		t.Fatalf("expected blocked to be non-terminal")
	}
	if !IsTerminal(KindActionPlan, PlanStateArchived) {
		t.Fatalf("expected archived to be terminal")
	}
}

func TestInitialState(t *testing.T) {
	if InitialState(KindTask) != TaskStateNew {
		t.Fatalf("expected task initial state to be new")
	}
	if InitialState(KindActionPlan) != PlanStateDraft {
		t.Fatalf("expected plan initial state to be draft")
	}
}

func TestNormalizeState(t *testing.T) {
	if !CanTransition(KindTask, " New ", "IN_PROGRESS") {
		t.Fatalf("expected state normalization before lookup")
	}
	if !KnownState(KindTask, "Blocked") {
		t.Fatalf("expected Blocked to normalize to a known state")
	}
}

func TestMetadata(t *testing.T) {
	meta := Metadata()
	if len(meta) != 2 {
		t.Fatalf("expected metadata for two kinds, got %d", len(meta))
	}
	if meta[0].Kind != KindTask || len(meta[0].Transitions) != 8 {
		t.Fatalf("expected 8 task transitions, got %d", len(meta[0].Transitions))
	}
	if meta[1].Kind != KindActionPlan || len(meta[1].Transitions) != 3 {
		t.Fatalf("expected 3 action plan transitions, got %d", len(meta[1].Transitions))
	}
}
