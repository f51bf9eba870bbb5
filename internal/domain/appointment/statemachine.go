package appointment

// transitions lists the statuses reachable from each status. Completed and
// cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := transitions[st]
	return st, ok
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether an appointment in from may move to to.
// Re-applying the current status is allowed so that vitals and diagnosis
// can be edited without a status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
