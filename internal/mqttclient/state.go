package mqttclient

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// ConnectionState is one of the MQTT client's own lifecycle states,
// tracked independently of the Bluetooth connection pool's connstate
// machine.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	Reconnecting ConnectionState = "RECONNECTING"
	Failed       ConnectionState = "FAILED"
)

const (
	evConnect      = "connect"
	evConnectOK    = "connect_ok"
	evConnectFail  = "connect_fail"
	evLost         = "connection_lost"
	evReconnectOK  = "reconnect_ok"
	evExhausted    = "retries_exhausted"
	evStop         = "stop"
	evReset        = "reset"
)

// stateMachine wraps one *fsm.FSM for the client's connection lifecycle.
type stateMachine struct {
	mu sync.Mutex
	f  *fsm.FSM
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		f: fsm.NewFSM(
			string(Disconnected),
			fsm.Events{
				{Name: evConnect, Src: []string{string(Disconnected), string(Failed)}, Dst: string(Connecting)},
				{Name: evConnectOK, Src: []string{string(Connecting), string(Reconnecting)}, Dst: string(Connected)},
				{Name: evConnectFail, Src: []string{string(Connecting)}, Dst: string(Reconnecting)},
				{Name: evLost, Src: []string{string(Connected)}, Dst: string(Reconnecting)},
				{Name: evReconnectOK, Src: []string{string(Reconnecting)}, Dst: string(Connected)},
				{Name: evExhausted, Src: []string{string(Reconnecting), string(Connecting)}, Dst: string(Failed)},
				{Name: evStop, Src: []string{string(Connected), string(Reconnecting), string(Connecting)}, Dst: string(Disconnected)},
				{Name: evReset, Src: []string{string(Failed)}, Dst: string(Disconnected)},
			},
			fsm.Callbacks{},
		),
	}
}

func (s *stateMachine) current() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionState(s.f.Current())
}

func (s *stateMachine) fire(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Event(context.Background(), event)
}
