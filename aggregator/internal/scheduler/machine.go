package scheduler

// State is the refresh scheduler state.
type State int

const (
	Idle State = iota
	Fetching
	Reconciling
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Reconciling:
		return "reconciling"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// EventKind enumerates machine inputs.
type EventKind int

const (
	Tick EventKind = iota
	Manual
	FetchDone
	CycleDone
	Enable
)

// Event is one machine input. AllFailed is read for CycleDone only.
type Event struct {
	Kind      EventKind
	AllFailed bool
}

// Action is what the caller must do after a step.
type Action int

const (
	NoAction Action = iota
	StartCycle
)

// Machine is the scheduler state as a value. Step never mutates the
// receiver.
type Machine struct {
	State        State
	Pending      bool
	FailedCycles int
	// Threshold of consecutive fully failed cycles before Disabled. 0 never disables.
	Threshold int
}

// Step applies e and returns the next machine and the action to take.
func (m Machine) Step(e Event) (Machine, Action) {
	switch m.State {
	case Idle:
		if e.Kind == Tick || e.Kind == Manual {
			m.State = Fetching
			return m, StartCycle
		}
	case Fetching, Reconciling:
		switch e.Kind {
		case Manual:
			m.Pending = true
		case FetchDone:
			if m.State == Fetching {
				m.State = Reconciling
			}
		case CycleDone:
			if m.State == Reconciling {
				return m.finish(e.AllFailed)
			}
		}
	case Disabled:
		switch e.Kind {
		case Manual:
			m.State = Fetching
			return m, StartCycle
		case Enable:
			m.State = Idle
			m.FailedCycles = 0
		}
	}
	return m, NoAction
}

func (m Machine) finish(allFailed bool) (Machine, Action) {
	if allFailed {
		m.FailedCycles++
	} else {
		m.FailedCycles = 0
	}
	disabled := m.Threshold > 0 && m.FailedCycles >= m.Threshold
	if m.Pending {
		m.Pending = false
		m.State = Fetching
		return m, StartCycle
	}
	if disabled {
		m.State = Disabled
	} else {
		m.State = Idle
	}
	return m, NoAction
}
