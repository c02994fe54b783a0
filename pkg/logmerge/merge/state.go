package merge

// State is the lifecycle stage of a single merge run. A run only ever moves
// forward through the states.
type State int

const (
	Idle State = iota
	Seeding
	Draining
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Seeding:
		return "seeding"
	case Draining:
		return "draining"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}
