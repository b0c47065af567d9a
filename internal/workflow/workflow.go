package workflow

import "strings"

const (
	KindTask       = "task"
	KindActionPlan = "action_plan"
)

const (
	TaskStateNew        = "new"
	TaskStateInProgress = "in_progress"
	TaskStateBlocked    = "blocked"
	TaskStateCompleted  = "completed"
	TaskStateCancelled  = "cancelled"
)

const (
	PlanStateDraft    = "draft"
	PlanStateActive   = "active"
	PlanStateArchived = "archived"
)

const (
	EventTaskCreated         = "TaskCreated"
	EventTaskStateChanged    = "TaskStateChanged"
	EventPlanCreated         = "ActionPlanCreated"
	EventPlanStateChanged    = "ActionPlanStateChanged"
	EventSLABreachDetected   = "SLABreachDetected"
	EventNotificationCreated = "NotificationCreated"
)

type machine struct {
	initial     string
	states      []string
	transitions map[string]map[string]bool
	terminal    map[string]bool
}

var machines = map[string]machine{
	KindTask: {
		initial: TaskStateNew,
		states: []string{
			TaskStateNew,
			TaskStateInProgress,
			TaskStateBlocked,
			TaskStateCompleted,
			TaskStateCancelled,
		},
		transitions: map[string]map[string]bool{
			TaskStateNew: {
				TaskStateInProgress: true,
				TaskStateBlocked:    true,
				TaskStateCancelled:  true,
			},
			TaskStateInProgress: {
				TaskStateCompleted: true,
				TaskStateBlocked:   true,
				TaskStateCancelled: true,
			},
			TaskStateBlocked: {
				TaskStateInProgress: true,
				TaskStateCancelled:  true,
			},
		},
		terminal: map[string]bool{
			TaskStateCompleted: true,
			TaskStateCancelled: true,
		},
	},
	KindActionPlan: {
		initial: PlanStateDraft,
		states: []string{
			PlanStateDraft,
			PlanStateActive,
			PlanStateArchived,
		},
		transitions: map[string]map[string]bool{
			PlanStateDraft: {
				PlanStateActive:   true,
				PlanStateArchived: true,
			},
			PlanStateActive: {
				PlanStateArchived: true,
			},
		},
		terminal: map[string]bool{
			PlanStateArchived: true,
		},
	},
}

func NormalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func KnownKind(kind string) bool {
	_, ok := machines[kind]
	return ok
}

func KnownState(kind string, state string) bool {
	m, ok := machines[kind]
	if !ok {
		return false
	}
	state = NormalizeState(state)
	for _, s := range m.states {
		if s == state {
			return true
		}
	}
	return false
}

// CanTransition reports whether (from, to) is a legal transition for the kind.
// Self-transitions and transitions out of terminal states are never legal.
func CanTransition(kind string, from string, to string) bool {
	m, ok := machines[kind]
	if !ok {
		return false
	}
	from = NormalizeState(from)
	to = NormalizeState(to)
	if from == to {
		return false
	}
	next := m.transitions[from]
	if next == nil {
		return false
	}
	return next[to]
}

func InitialState(kind string) string {
	return machines[kind].initial
}

func IsTerminal(kind string, state string) bool {
	return machines[kind].terminal[NormalizeState(state)]
}

// StateChangedEventType returns the outbox event type emitted when an entity
// of the given kind changes state.
func StateChangedEventType(kind string) string {
	switch kind {
	case KindTask:
		return EventTaskStateChanged
	case KindActionPlan:
		return EventPlanStateChanged
	}
	return ""
}

func CreatedEventType(kind string) string {
	switch kind {
	case KindTask:
		return EventTaskCreated
	case KindActionPlan:
		return EventPlanCreated
	}
	return ""
}

func States(kind string) []string {
	m := machines[kind]
	out := make([]string, len(m.states))
	copy(out, m.states)
	return out
}

func TerminalStates(kind string) []string {
	m := machines[kind]
	out := make([]string, 0, len(m.terminal))
	for _, s := range m.states {
		if m.terminal[s] {
			out = append(out, s)
		}
	}
	return out
}

type TransitionPair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type KindMetadata struct {
	Kind           string           `json:"kind"`
	InitialState   string           `json:"initial_state"`
	States         []string         `json:"states"`
	TerminalStates []string         `json:"terminal_states"`
	Transitions    []TransitionPair `json:"transitions"`
}

// Metadata returns the full state machine table for every entity kind, in a
// stable order, for the read-only workflow introspection endpoint.
func Metadata() []KindMetadata {
	kinds := []string{KindTask, KindActionPlan}
	out := make([]KindMetadata, 0, len(kinds))
	for _, kind := range kinds {
		m := machines[kind]
		meta := KindMetadata{
			Kind:           kind,
			InitialState:   m.initial,
			States:         States(kind),
			TerminalStates: TerminalStates(kind),
		}
		for _, from := range m.states {
			for _, to := range m.states {
				if m.transitions[from][to] {
					meta.Transitions = append(meta.Transitions, TransitionPair{From: from, To: to})
				}
			}
		}
		out = append(out, meta)
	}
	return out
}
