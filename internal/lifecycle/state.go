// Package lifecycle defines the agent's lifecycle states and the legal
// transitions between them.
package lifecycle

import "time"

// State identifies a single step of the agent run lifecycle.
type State string

const (
	StateIdle               State = "idle"
	StateStarting           State = "starting"
	StateLoadingPreferences State = "loading_preferences"
	StateFetchingProposals  State = "fetching_proposals"
	StateFilteringProposals State = "filtering_proposals"
	StateAnalyzingProposal  State = "analyzing_proposal"
	StateDecidingVote       State = "deciding_vote"
	StateSubmittingVote     State = "submitting_vote"
	StateCompleted          State = "completed"
	StateError              State = "error"
	StateShuttingDown       State = "shutting_down"
)

// String returns the wire representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether the state is one of the recognized lifecycle states.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// AllStates returns every lifecycle state in workflow order.
func AllStates() []State {
	return []State{
		StateIdle,
		StateStarting,
		StateLoadingPreferences,
		StateFetchingProposals,
		StateFilteringProposals,
		StateAnalyzingProposal,
		StateDecidingVote,
		StateSubmittingVote,
		StateCompleted,
		StateError,
		StateShuttingDown,
	}
}

// validTransitions is configuration data, built once and never mutated.
// There is no terminal state: shutting_down -> idle permits restart.
var validTransitions = map[State][]State{
	StateIdle:               {StateStarting, StateShuttingDown},
	StateStarting:           {StateLoadingPreferences, StateError, StateIdle},
	StateLoadingPreferences: {StateFetchingProposals, StateError, StateIdle},
	StateFetchingProposals:  {StateFilteringProposals, StateError, StateIdle},
	StateFilteringProposals: {StateAnalyzingProposal, StateCompleted, StateError, StateIdle},
	StateAnalyzingProposal:  {StateDecidingVote, StateError, StateIdle},
	StateDecidingVote:       {StateSubmittingVote, StateFilteringProposals, StateError, StateIdle},
	StateSubmittingVote:     {StateFilteringProposals, StateCompleted, StateError, StateIdle},
	StateCompleted:          {StateIdle, StateShuttingDown},
	StateError:              {StateIdle, StateShuttingDown},
	StateShuttingDown:       {StateIdle},
}

// Allowed reports whether the transition from -> to appears in the
// transition table. Unknown source states allow nothing.
func Allowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns a copy of the legal destination states for from.
func AllowedFrom(from State) []State {
	return append([]State(nil), validTransitions[from]...)
}

// Transition records a single move between lifecycle states.
type Transition struct {
	FromState State          `json:"from_state"`
	ToState   State          `json:"to_state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
