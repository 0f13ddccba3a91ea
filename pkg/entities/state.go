package entities

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the lifecycle state of a tracked entity
type State int

const (
	Detached State = iota
	Unchanged
	Added
	Modified
	Deleted
)

var stateNames = [...]string{"Detached", "Unchanged", "Added", "Modified", "Deleted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(name string) (State, error) {
	for idx, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(idx), nil
		}
	}
	return Detached, fmt.Errorf("unknown entity state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	parsed, err := ParseState(name)
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}
