package subscriber

import "fmt"

// ConnState is the client's connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	DegradedPolling
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DegradedPolling:
		return "degraded_polling"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

var allowed = map[ConnState][]ConnState{
	Disconnected:    {Connecting},
	Connecting:      {Connected, Disconnected, DegradedPolling},
	Connected:       {Disconnected},
	DegradedPolling: {Connecting, Disconnected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ConnState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
