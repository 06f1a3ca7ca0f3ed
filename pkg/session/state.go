package session

import (
	"sync"
	"time"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateExecuting
	StateBroken
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Live reports whether a session in this state has a usable shell.
func (s State) Live() bool {
	return s == StateReady || s == StateExecuting
}

// transitionBufferSize is the number of state transitions kept per session.
const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From       State     `json:"from"`
	To         State     `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	Generation uint64    `json:"generation"`
}

// StateChangeCallback is invoked synchronously after every state change.
type StateChangeCallback func(host string, from, to State)

type stateTracker struct {
	mu          sync.RWMutex
	current     State
	transitions [transitionBufferSize]Transition
	head        int
	count       int
	callbacks   []StateChangeCallback
}

// set moves to state and returns the previous one. Unchanged states are not
// recorded and fire no callbacks.
func (st *stateTracker) set(host string, state State, reason string, generation uint64) State {
	from, _ := st.transition(host, nil, state, reason, generation)
	return from
}

// compareAndSet moves to state only when the current state is from.
func (st *stateTracker) compareAndSet(host string, from, state State, reason string, generation uint64) bool {
	_, ok := st.transition(host, func(s State) bool { return s == from }, state, reason, generation)
	return ok
}

func (st *stateTracker) transition(host string, allow func(State) bool, state State, reason string, generation uint64) (State, bool) {
	st.mu.Lock()
	from := st.current
	if from == state || (allow != nil && !allow(from)) {
		st.mu.Unlock()
		return from, false
	}
	st.current = state
	st.transitions[st.head] = Transition{
		From:       from,
		To:         state,
		Timestamp:  time.Now(),
		Reason:     reason,
		Generation: generation,
	}
	st.head = (st.head + 1) % transitionBufferSize
	if st.count < transitionBufferSize {
		st.count++
	}

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(host, from, state)
	}
	return from, true
}

func (st *stateTracker) get() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []Transition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	result := make([]Transition, st.count)
	if st.count < transitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
