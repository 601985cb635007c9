package psm

import (
	"context"
	"errors"
	"testing"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/store"
)

type testData struct {
	Counter int    `json:"counter"`
	Note    string `json:"note,omitempty"`
}

var testSpec = Spec{
	Name:       "testModel",
	Initial:    "START",
	ErrorState: "ERROR_OCCURRED",
	Terminal:   []State{"DONE"},
	Transitions: map[State][]State{
		"START":  {"MIDDLE"},
		"MIDDLE": {"DONE"},
	},
}

func TestSpecValidate_RejectsTerminalWithOutgoingTransitions(t *testing.T) {
	bad := Spec{
		Name:       "bad",
		Initial:    "START",
		ErrorState: "ERROR",
		Terminal:   []State{"DONE"},
		Transitions: map[State][]State{
			"START": {"DONE"},
			"DONE":  {"START"},
		},
	}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for terminal state with outgoing transitions")
	}
}

func TestSpecValidate_RejectsUndeclaredInitial(t *testing.T) {
	bad := Spec{Name: "bad", Initial: "", ErrorState: "ERROR"}
	bad.Initial = "GHOST"
	bad.Transitions = map[State][]State{"OTHER": {"ERROR"}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for undeclared initial state")
	}
}

func TestSpecValidate_AcceptsErrorStateAbsentFromGraph(t *testing.T) {
	// The error state is a sink reachable only through Fail, so a valid spec
	// may leave it out of the transition table entirely. testSpec does.
	if err := testSpec.Validate(); err != nil {
		t.Fatalf("expected testSpec to validate, got %v", err)
	}
}

func TestSpecValidate_RejectsMissingErrorState(t *testing.T) {
	bad := Spec{
		Name:        "bad",
		Initial:     "START",
		Terminal:    []State{"DONE"},
		Transitions: map[State][]State{"START": {"DONE"}},
	}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for a spec without an error state")
	}
}

func TestMachine_TransitionPersistsAndReloads(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()

	m, err := Start(ctx, repo, testSpec, "testModel_1", &testData{Counter: 1})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if m.State() != "START" {
		t.Fatalf("expected initial state START, got %s", m.State())
	}

	m.Data().Counter = 2
	if err := m.Transition(ctx, "MIDDLE"); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	reloaded, err := Load[testData](ctx, repo, testSpec, "testModel_1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if reloaded.State() != "MIDDLE" {
		t.Fatalf("expected reloaded state MIDDLE, got %s", reloaded.State())
	}
	if reloaded.Data().Counter != 2 {
		t.Fatalf("expected data mutation to persist with the transition, got counter %d", reloaded.Data().Counter)
	}
}

func TestMachine_IllegalTransitionLeavesStateUntouched(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()

	m, err := Start(ctx, repo, testSpec, "testModel_2", &testData{})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := m.Transition(ctx, "DONE"); err == nil {
		t.Fatal("expected illegal transition START -> DONE to error")
	}
	if m.State() != "START" {
		t.Fatalf("expected state to remain START after illegal transition, got %s", m.State())
	}
}

func TestMachine_FailMovesToErrorStateAndWrapsCause(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()

	m, err := Start(ctx, repo, testSpec, "testModel_3", &testData{Note: "pre-failure"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	cause := errors.New("downstream rejected")
	failErr := m.Fail(ctx, cause)

	var workflowErr *domain.WorkflowError
	if !errors.As(failErr, &workflowErr) {
		t.Fatalf("expected WorkflowError, got %T", failErr)
	}
	if workflowErr.CurrentState != "START" {
		t.Fatalf("expected wrapped state START, got %s", workflowErr.CurrentState)
	}
	if !errors.Is(failErr, cause) {
		t.Fatal("expected wrapped error to unwrap to the cause")
	}
	if len(workflowErr.Snapshot) == 0 {
		t.Fatal("expected a snapshot of the record at the failure point")
	}

	reloaded, err := Load[testData](ctx, repo, testSpec, "testModel_3")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if reloaded.State() != testSpec.ErrorState {
		t.Fatalf("expected persisted state %s, got %s", testSpec.ErrorState, reloaded.State())
	}
	if !reloaded.Terminal() {
		t.Fatal("expected error state to be terminal")
	}
}

func TestMachine_LoadMissingKeyReturnsNotFound(t *testing.T) {
	repo := store.NewMemoryRepository()
	_, err := Load[testData](context.Background(), repo, testSpec, "testModel_missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
