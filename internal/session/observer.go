package session

import "github.com/srg/espsense/internal/protocol"

// Observer receives session notifications. Callbacks run on a goroutine
// dedicated to the subscriber, never on the session loop, so they may call
// back into the Session (except Close).
type Observer interface {
	OnStateChanged(state State)
	OnSensorReading(reading protocol.SensorReading)
	OnCommandAcked(cmd protocol.Command)
	OnError(err error)
}

// ObserverFuncs adapts optional callback functions to the Observer interface.
// Nil fields are ignored.
type ObserverFuncs struct {
	StateChanged  func(State)
	SensorReading func(protocol.SensorReading)
	CommandAcked  func(protocol.Command)
	Error         func(error)
}

func (o ObserverFuncs) OnStateChanged(state State) {
	if o.StateChanged != nil {
		o.StateChanged(state)
	}
}

func (o ObserverFuncs) OnSensorReading(reading protocol.SensorReading) {
	if o.SensorReading != nil {
		o.SensorReading(reading)
	}
}

func (o ObserverFuncs) OnCommandAcked(cmd protocol.Command) {
	if o.CommandAcked != nil {
		o.CommandAcked(cmd)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

var _ Observer = ObserverFuncs{}
