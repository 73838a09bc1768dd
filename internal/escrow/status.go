package escrow

// Status is the lifecycle position of the escrow. The numeric values are
// part of the public read surface and must not be reordered.
type Status uint8

const (
	StatusDeployed Status = iota
	StatusFulfilled
	StatusReleased
	StatusDisputed
	StatusAgentInvited
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusDeployed:
		return "DEPLOYED"
	case StatusFulfilled:
		return "FULFILLED"
	case StatusReleased:
		return "RELEASED"
	case StatusDisputed:
		return "DISPUTED"
	case StatusAgentInvited:
		return "AGENT_INVITED"
	case StatusResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusResolved
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusResolved
}

// transitions lists every edge of the state machine. Used by CanTransition
// and by tests that walk random operation sequences.
var transitions = map[Status][]Status{
	StatusDeployed:     {StatusFulfilled, StatusReleased},
	StatusFulfilled:    {StatusReleased, StatusDisputed},
	StatusDisputed:     {StatusReleased, StatusAgentInvited},
	StatusAgentInvited: {StatusResolved},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
