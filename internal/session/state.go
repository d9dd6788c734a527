package session

import "fmt"

// State is the connection lifecycle state of a Session
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServicesReady
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesReady:
		return "services_ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
