package beancore

// State enumerates the lifecycle positions a Bean can occupy.
//
// The zero value, StateCreated, is the position of a freshly constructed
// bean whose instance exists but has not yet been bound to an identity or
// placed in a pool. StateDestroyed is terminal: once a bean reaches it no
// further transition is accepted.
type State uint8

const (
	// StateCreated means the instance was built and its post-construct hook
	// ran, but no identity or pool owns it yet.
	StateCreated State = iota

	// StatePooled marks an idle, identity-free bean waiting in a pool.
	StatePooled

	// StateReady marks a bean bound to an identity and usable by the next
	// dispatch.
	StateReady

	// StateInMethod marks a bean currently executing a business method.
	// Reentrant calls keep the bean in this state and only bump its depth.
	StateInMethod

	// StatePassivated marks a stateful bean whose conversational state was
	// written to a passivation store. The in-memory object is released
	// without running its destroy hook; a later activation builds a new Bean
	// under the same key.
	StatePassivated

	// StateDiscarded marks a bean that must never be reused. Destruction
	// follows asynchronously.
	StateDiscarded

	// StateDestroyed is terminal. The instance and all its resources have
	// been released.
	StateDestroyed
)

var stateNames = [...]string{
	StateCreated:    "created",
	StatePooled:     "pooled",
	StateReady:      "ready",
	StateInMethod:   "in-method",
	StatePassivated: "passivated",
	StateDiscarded:  "discarded",
	StateDestroyed:  "destroyed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// transitions lists, for every state, the set of states it may move to.
// Self-loops are listed only where they are meaningful (reentrant entry).
var transitions = [...][]State{
	StateCreated:    {StatePooled, StateReady, StateDiscarded, StateDestroyed},
	StatePooled:     {StateReady, StateDiscarded, StateDestroyed},
	StateReady:      {StateInMethod, StatePooled, StatePassivated, StateDiscarded, StateDestroyed},
	StateInMethod:   {StateInMethod, StateReady, StateDiscarded},
	StatePassivated: {StateDestroyed},
	StateDiscarded:  {StateDestroyed},
	StateDestroyed:  nil,
}

// CanTransition reports whether the lifecycle table allows moving from s to
// to.
func (s State) CanTransition(to State) bool {
	if int(s) >= len(transitions) {
		return false
	}
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further useful work. Discarded beans
// count as terminal for dispatch even though they still move to destroyed.
func (s State) Terminal() bool {
	return s == StateDestroyed || s == StateDiscarded || s == StatePassivated
}
