package invoke

// State is the progress of one invocation.
//
//	Idle -> ArgsMarshaled -> Calling -> AwaitingResult -> {Resolved | Rejected} -> Done
//
// Calling and AwaitingResult alternate while the script awaits futures.
// Resolved is terminal; every failure ends in Done.
type State int

const (
	Idle State = iota
	ArgsMarshaled
	Calling
	AwaitingResult
	Resolved
	Rejected
	Done
)

var stateNames = [...]string{
	Idle:           "idle",
	ArgsMarshaled:  "args-marshaled",
	Calling:        "calling",
	AwaitingResult: "awaiting-result",
	Resolved:       "resolved",
	Rejected:       "rejected",
	Done:           "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
