/**
 * @description
 * A generic persistent state machine: one entity, a declared set of states
 * and transitions, and a record serialized to the key-value store after
 * every transition so a crashed or redeployed process can reload the
 * machine by key and resume exactly where it left off.
 *
 * The workflow models own the drive loop (which transition to take next and
 * what side effects to perform); this engine owns state legality,
 * persistence, and the error policy: any failed transition action moves the
 * machine to the spec's error state, persists it, and returns the cause
 * wrapped with the last-known state for diagnostics.
 *
 * @dependencies
 * - internal/domain: For the WorkflowError diagnostic wrapper.
 * - internal/store: For persistence.
 */

package psm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/store"
)

// State is one named node of a workflow's state graph.
type State string

// Spec declares a workflow's state graph. Transitions maps each state to
// the set of states it may legally move to; anything else is a programming
// error surfaced at transition time.
type Spec struct {
	Name        string
	Initial     State
	ErrorState  State
	Terminal    []State
	Transitions map[State][]State
}

// Validate checks the graph is well formed: an error state is named, the
// initial state appears in the transition table or terminal list, and
// terminal states (including the error state, which is an implicit sink
// reachable from anywhere via Fail) have no outgoing transitions. The
// declared set is built from Transitions and Terminal only, so a spec
// cannot smuggle in an initial state the graph never mentions.
func (s Spec) Validate() error {
	if s.ErrorState == "" {
		return fmt.Errorf("psm %s: no error state declared", s.Name)
	}
	declared := make(map[State]struct{})
	for _, t := range s.Terminal {
		declared[t] = struct{}{}
	}
	for from, tos := range s.Transitions {
		declared[from] = struct{}{}
		for _, to := range tos {
			declared[to] = struct{}{}
		}
	}
	if _, ok := declared[s.Initial]; !ok {
		return fmt.Errorf("psm %s: initial state %q not declared", s.Name, s.Initial)
	}
	for _, t := range s.Terminal {
		if len(s.Transitions[t]) > 0 {
			return fmt.Errorf("psm %s: terminal state %q has outgoing transitions", s.Name, t)
		}
	}
	if len(s.Transitions[s.ErrorState]) > 0 {
		return fmt.Errorf("psm %s: error state %q has outgoing transitions", s.Name, s.ErrorState)
	}
	return nil
}

// MustValidate panics on an invalid spec. Workflow specs are package-level
// values, so a bad graph fails at process start, not mid-transfer.
func (s Spec) MustValidate() Spec {
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

func (s Spec) stateSet() map[State]struct{} {
	states := map[State]struct{}{s.Initial: {}, s.ErrorState: {}}
	for _, t := range s.Terminal {
		states[t] = struct{}{}
	}
	for from, tos := range s.Transitions {
		states[from] = struct{}{}
		for _, to := range tos {
			states[to] = struct{}{}
		}
	}
	return states
}

func (s Spec) isTerminal(st State) bool {
	if st == s.ErrorState {
		return true
	}
	for _, t := range s.Terminal {
		if t == st {
			return true
		}
	}
	return false
}

func (s Spec) canTransition(from, to State) bool {
	for _, allowed := range s.Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// record is the persisted shape.
type record[T any] struct {
	ID           string    `json:"id"`
	CurrentState State     `json:"currentState"`
	Data         *T        `json:"data"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Machine is one live persistent state machine.
type Machine[T any] struct {
	spec Spec
	repo store.Repository
	key  string
	rec  record[T]
}

// Start creates a new machine in the spec's initial state and persists it
// under the deterministic key.
func Start[T any](ctx context.Context, repo store.Repository, spec Spec, key string, data *T) (*Machine[T], error) {
	now := time.Now().UTC()
	m := &Machine[T]{
		spec: spec,
		repo: repo,
		key:  key,
		rec: record[T]{
			ID:           key,
			CurrentState: spec.Initial,
			Data:         data,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reloads a persisted machine by key.
func Load[T any](ctx context.Context, repo store.Repository, spec Spec, key string) (*Machine[T], error) {
	raw, err := repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec record[T]
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("psm %s: decode %s: %w", spec.Name, key, err)
	}
	if _, ok := spec.stateSet()[rec.CurrentState]; !ok {
		return nil, fmt.Errorf("psm %s: record %s holds undeclared state %q", spec.Name, key, rec.CurrentState)
	}
	return &Machine[T]{spec: spec, repo: repo, key: key, rec: rec}, nil
}

// State returns the machine's current state.
func (m *Machine[T]) State() State { return m.rec.CurrentState }

// Data returns the machine's mutable data. Mutations are durable only after
// the next Transition or Save.
func (m *Machine[T]) Data() *T { return m.rec.Data }

// Key returns the deterministic persistence key.
func (m *Machine[T]) Key() string { return m.key }

// Terminal reports whether the machine has reached a terminal state.
func (m *Machine[T]) Terminal() bool { return m.spec.isTerminal(m.rec.CurrentState) }

// Transition moves the machine to the target state and persists the record.
func (m *Machine[T]) Transition(ctx context.Context, to State) error {
	if !m.spec.canTransition(m.rec.CurrentState, to) {
		return fmt.Errorf("psm %s: illegal transition %s -> %s", m.spec.Name, m.rec.CurrentState, to)
	}
	prev := m.rec.CurrentState
	m.rec.CurrentState = to
	if err := m.persist(ctx); err != nil {
		m.rec.CurrentState = prev
		return err
	}
	return nil
}

// Save persists the record without a state change, for data-only mutations.
func (m *Machine[T]) Save(ctx context.Context) error {
	return m.persist(ctx)
}

// Fail moves the machine to its error state, persists it, and returns the
// cause wrapped with the state the machine was in when the failure
// happened plus a snapshot of the record at that point.
func (m *Machine[T]) Fail(ctx context.Context, cause error) error {
	failedIn := m.rec.CurrentState
	snapshot, _ := json.Marshal(m.rec)

	if failedIn != m.spec.ErrorState {
		m.rec.CurrentState = m.spec.ErrorState
		if err := m.persist(ctx); err != nil {
			log.Printf("level=error component=psm msg=\"failed to persist error state\" machine=%s key=%s err=%v", m.spec.Name, m.key, err)
		}
	}

	return &domain.WorkflowError{
		CurrentState: string(failedIn),
		Snapshot:     snapshot,
		Err:          cause,
	}
}

// Snapshot returns the serialized record as last persisted in memory.
func (m *Machine[T]) Snapshot() json.RawMessage {
	raw, _ := json.Marshal(m.rec)
	return raw
}

func (m *Machine[T]) persist(ctx context.Context) error {
	m.rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(m.rec)
	if err != nil {
		return fmt.Errorf("psm %s: encode %s: %w", m.spec.Name, m.key, err)
	}
	if err := m.repo.Set(ctx, m.key, raw); err != nil {
		return fmt.Errorf("psm %s: persist %s: %w", m.spec.Name, m.key, err)
	}
	return nil
}
