package session

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	Created State = iota
	Provisioning
	Active
	AwaitingInput
	Completed
	Failed
)

var stateNames = map[State]string{
	Created:       "created",
	Provisioning:  "provisioning",
	Active:        "active",
	AwaitingInput: "awaiting_input",
	Completed:     "completed",
	Failed:        "failed",
}

var stateFromName = map[string]State{
	"created":        Created,
	"provisioning":   Provisioning,
	"active":         Active,
	"awaiting_input": AwaitingInput,
	"completed":      Completed,
	"failed":         Failed,
}

// allowedTransitions lists the forward moves of the lifecycle. Failed and
// Completed are reachable from every live state and lead nowhere; the only
// loop is a new turn taking an awaiting session back to active.
var allowedTransitions = map[State][]State{
	Created:       {Provisioning, Failed, Completed},
	Provisioning:  {Active, Failed, Completed},
	Active:        {AwaitingInput, Failed, Completed},
	AwaitingInput: {Active, Failed, Completed},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, error) {
	if s, ok := stateFromName[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown session state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s State) IsTerminal() bool {
	return s == Completed || s == Failed
}

// AcceptsTurns reports whether a turn submitted now is taken, either
// immediately or once provisioning finishes.
func (s State) AcceptsTurns() bool {
	return !s.IsTerminal()
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
