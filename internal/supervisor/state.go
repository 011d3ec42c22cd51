package supervisor

// State is the lifecycle state of one instance.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Adopted is Running for an instance found alive at startup; it has no log capture.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateAdopted
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateAdopted:
		return "adopted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Running reports whether the state counts as a live instance.
func (s State) Running() bool {
	return s == StateRunning || s == StateAdopted || s == StateStopping
}
