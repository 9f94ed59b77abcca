package calls

import "fmt"

// edges is the forward-only transition graph.
//
//	requesting -> ringing -> accepted -> active -> ended
//	requesting|ringing|accepted -> failed
//
// ringing -> active is allowed because the transport may report the
// connection before the accept event arrives. Every non-terminal state may also
// reach ended through Finalize/FailSystem (abnormal termination).
var edges = map[Status][]Status{
	StatusRequesting: {StatusRinging, StatusFailed, StatusEnded},
	StatusRinging:    {StatusAccepted, StatusActive, StatusFailed, StatusEnded},
	StatusAccepted:   {StatusActive, StatusFailed, StatusEnded},
	StatusActive:     {StatusEnded},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: call is already %s", ErrInvalidTransition, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
