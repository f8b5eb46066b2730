package relay

// State is the relay client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Input is something that happened to the connection.
type Input string

const (
	InputConnect          Input = "connect"
	InputAuthSuccess      Input = "auth_success"
	InputAuthError        Input = "auth_error"
	InputSocketError      Input = "socket_error"
	InputHeartbeatTimeout Input = "heartbeat_timeout"
	InputSocketClose      Input = "socket_close"
	InputDisconnect       Input = "disconnect"
	InputReconnect        Input = "reconnect"
)

// Effect is a side effect the client performs after a transition.
type Effect string

const (
	EffectResetAttempts     Effect = "reset_attempts"
	EffectStartHeartbeat    Effect = "start_heartbeat"
	EffectStopHeartbeat     Effect = "stop_heartbeat"
	EffectCloseSocket       Effect = "close_socket"
	EffectScheduleReconnect Effect = "schedule_reconnect"
	EffectCancelReconnect   Effect = "cancel_reconnect"
)

// Transition returns the next state and the effects to run for input in
// state from. Inputs that do not apply leave the state unchanged and return
// no effects. StateClosed is terminal.
func Transition(from State, input Input) (State, []Effect) {
	if from == StateClosed {
		return from, nil
	}

	switch input {
	case InputConnect:
		switch from {
		case StateDisconnected, StateFailed, StateReconnecting:
			return StateConnecting, []Effect{EffectCancelReconnect}
		}

	case InputAuthSuccess:
		if from == StateConnecting {
			return StateConnected, []Effect{EffectResetAttempts, EffectStartHeartbeat}
		}

	case InputAuthError, InputSocketError:
		switch from {
		case StateConnecting, StateConnected:
			return StateFailed, []Effect{EffectStopHeartbeat, EffectCloseSocket, EffectScheduleReconnect}
		}

	case InputHeartbeatTimeout:
		if from == StateConnected {
			return StateFailed, []Effect{EffectStopHeartbeat, EffectCloseSocket, EffectScheduleReconnect}
		}

	case InputSocketClose:
		switch from {
		case StateConnecting, StateConnected:
			return StateDisconnected, []Effect{EffectStopHeartbeat, EffectCloseSocket, EffectScheduleReconnect}
		}

	case InputReconnect:
		switch from {
		case StateFailed, StateDisconnected:
			return StateReconnecting, nil
		}

	case InputDisconnect:
		return StateClosed, []Effect{EffectStopHeartbeat, EffectCancelReconnect, EffectCloseSocket}
	}

	return from, nil
}
