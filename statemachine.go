package synccash

// legalTransitions is the complete set of allowed status changes.
// Everything not listed here is refused; terminal states have no
// outgoing edges except confirmed → refunded via the refund subflow.
var legalTransitions = map[Status][]Status{
	StatusInitiated:  {StatusPending, StatusFailed},
	StatusPending:    {StatusProcessing, StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled},
	StatusProcessing: {StatusConfirmed, StatusFailed, StatusExpired},
	StatusConfirmed:  {StatusRefunded},
}

// TransitionValid reports whether moving from one status to another is
// a legal lifecycle change
func TransitionValid(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates returns the statuses reachable from the given one
func NextStates(from Status) []Status {
	next := legalTransitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}
