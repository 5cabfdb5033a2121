package frame

// State is a step of the frame loop.
type State uint8

const (
	StateIdle State = iota
	StateAwaitSlotFree
	StateSimulate
	StateAwaitImage
	StateRender
	StatePresent
	StateDraining
	StateStopped
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateAwaitSlotFree: "await_slot_free",
	StateSimulate:      "simulate",
	StateAwaitImage:    "await_image",
	StateRender:        "render",
	StatePresent:       "present",
	StateDraining:      "draining",
	StateStopped:       "stopped",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Transition is one state change, reported to the observer before the
// new state's work starts.
type Transition struct {
	From, To State
	Tick     uint64
	Slot     int
	// Image is the acquired surface image, or -1 before acquisition.
	Image int
}

// Observer receives every transition on the loop goroutine. It must not
// call back into the Orchestrator.
type Observer func(Transition)
