package peer

import "fmt"

// Role is fixed when a Session is created. The Initiator sends the first
// offer and owns every renegotiation of the pair; the Responder only
// answers.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the negotiation state of a Session.
//
//	Initiator: NEW → OFFERING → AWAITING_ANSWER → CONNECTED
//	Responder: NEW → AWAITING_OFFER → ANSWERING → CONNECTED
//
// CONNECTED re-enters OFFERING (local renegotiation) or ANSWERING (remote
// renegotiation). Any state may move to FAILED or CLOSED; FAILED may only
// move to CLOSED.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAwaitingAnswer
	StateAwaitingOffer
	StateAnswering
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOffering:
		return "OFFERING"
	case StateAwaitingAnswer:
		return "AWAITING_ANSWER"
	case StateAwaitingOffer:
		return "AWAITING_OFFER"
	case StateAnswering:
		return "ANSWERING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the legal non-terminal moves. FAILED and CLOSED are
// handled in canTransition.
var transitions = map[State][]State{
	StateNew:            {StateOffering, StateAwaitingOffer, StateAnswering},
	StateOffering:       {StateAwaitingAnswer},
	StateAwaitingAnswer: {StateConnected},
	StateAwaitingOffer:  {StateAnswering},
	StateAnswering:      {StateConnected},
	StateConnected:      {StateOffering, StateAnswering},
}

func canTransition(from, to State) bool {
	switch {
	case from == StateClosed:
		return false
	case to == StateClosed:
		return true
	case from == StateFailed:
		return false
	case to == StateFailed:
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// live reports whether a session in state s still negotiates.
func (s State) live() bool {
	return s != StateFailed && s != StateClosed
}
