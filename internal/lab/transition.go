package lab

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusEnding},
	StatusRunning: {StatusEnding},
	StatusEnding:  {StatusFinished, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when from -> to is not allowed.
func CheckTransition(id string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{ID: id, From: from, To: to}
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}
