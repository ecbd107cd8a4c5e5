package measure

// State is the top-level measurement workflow state. The workflow is linear
// with two branch points: distance acquisition (AR, manual, or rangefinder)
// and path choice (quick save or full analysis).
type State string

const (
	StateCapabilityCheck State = "capability_check"
	StateDistanceChoice  State = "distance_choice"
	StateARFlow          State = "ar_flow"
	StateManualFlow      State = "manual_flow"
	StateRangefinderFlow State = "rangefinder_flow"
	StatePathChoice      State = "path_choice"
	StateQuickCapture    State = "quick_capture"
	StatePointCollection State = "point_collection"
	StateSegmenting      State = "segmenting" // remote call in flight
	StateIdentifying     State = "identifying" // remote calls in flight
	StateReadyToSave     State = "ready_to_save"
	StatePersisting      State = "persisting" // remote call in flight
	StateDone            State = "done"
	StateCancelled       State = "cancelled"
	StateError           State = "error"
)

// transitions is the explicit table of permitted state changes. Every
// mutation goes through it; anything not listed is rejected, which is what
// makes re-entrant submits and mid-processing back-navigation safe without
// scattered boolean guards.
var transitions = map[State][]State{
	StateCapabilityCheck: {StateDistanceChoice},
	StateDistanceChoice:  {StateARFlow, StateManualFlow, StateRangefinderFlow},
	StateARFlow:          {StatePathChoice, StateDistanceChoice},
	StateManualFlow:      {StatePathChoice, StateDistanceChoice},
	StateRangefinderFlow: {StatePathChoice, StateDistanceChoice},
	StatePathChoice:      {StateQuickCapture, StatePointCollection, StateDistanceChoice},
	StateQuickCapture:    {StatePersisting, StatePathChoice},
	StatePointCollection: {StateSegmenting, StatePathChoice},
	StateSegmenting:      {StateIdentifying, StatePointCollection},
	StateIdentifying:     {StateReadyToSave, StatePointCollection},
	StateReadyToSave:     {StatePersisting, StatePointCollection},
	StatePersisting:      {StateDone, StateReadyToSave, StateQuickCapture},
}

// processing states have remote calls in flight: no user-driven transitions
// (back, submit, save) are accepted while in one.
var processing = map[State]bool{
	StateSegmenting:  true,
	StateIdentifying: true,
	StatePersisting:  true,
}

// backTargets maps each non-terminal, non-processing state to its immediate
// predecessor. Data retention on the way back is handled by the orchestrator:
// leaving PathChoice backward retains distance and scale factor; leaving
// PointCollection backward clears taps and the frozen frame.
var backTargets = map[State]State{
	StateARFlow:          StateDistanceChoice,
	StateManualFlow:      StateDistanceChoice,
	StateRangefinderFlow: StateDistanceChoice,
	StatePathChoice:      StateDistanceChoice,
	StateQuickCapture:    StatePathChoice,
	StatePointCollection: StatePathChoice,
	StateReadyToSave:     StatePointCollection,
}

// Terminal reports whether the workflow has ended.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// Processing reports whether a remote call is in flight in this state.
func (s State) Processing() bool {
	return processing[s]
}

// canTransition consults the table. Cancel and Error are reachable from any
// non-terminal state and are handled separately by the orchestrator.
func canTransition(from, to State) bool {
	if to == StateCancelled || to == StateError {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
