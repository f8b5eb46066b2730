package relay

import (
	"slices"
	"testing"
)

func TestTransition(t *testing.T) {
	failEffects := []Effect{EffectStopHeartbeat, EffectCloseSocket, EffectScheduleReconnect}

	tests := []struct {
		name    string
		from    State
		input   Input
		want    State
		effects []Effect
	}{
		{"connect from disconnected", StateDisconnected, InputConnect, StateConnecting, []Effect{EffectCancelReconnect}},
		{"connect from failed", StateFailed, InputConnect, StateConnecting, []Effect{EffectCancelReconnect}},
		{"connect from reconnecting", StateReconnecting, InputConnect, StateConnecting, []Effect{EffectCancelReconnect}},
		{"connect while connecting", StateConnecting, InputConnect, StateConnecting, nil},
		{"connect while connected", StateConnected, InputConnect, StateConnected, nil},
		{"auth success", StateConnecting, InputAuthSuccess, StateConnected, []Effect{EffectResetAttempts, EffectStartHeartbeat}},
		{"auth success when connected", StateConnected, InputAuthSuccess, StateConnected, nil},
		{"auth error", StateConnecting, InputAuthError, StateFailed, failEffects},
		{"socket error while connected", StateConnected, InputSocketError, StateFailed, failEffects},
		{"socket error while failed", StateFailed, InputSocketError, StateFailed, nil},
		{"heartbeat timeout", StateConnected, InputHeartbeatTimeout, StateFailed, failEffects},
		{"heartbeat timeout while connecting", StateConnecting, InputHeartbeatTimeout, StateConnecting, nil},
		{"socket close", StateConnected, InputSocketClose, StateDisconnected, failEffects},
		{"socket close while failed", StateFailed, InputSocketClose, StateFailed, nil},
		{"reconnect from failed", StateFailed, InputReconnect, StateReconnecting, nil},
		{"reconnect from disconnected", StateDisconnected, InputReconnect, StateReconnecting, nil},
		{"reconnect while connected", StateConnected, InputReconnect, StateConnected, nil},
		{"disconnect from connected", StateConnected, InputDisconnect, StateClosed, []Effect{EffectStopHeartbeat, EffectCancelReconnect, EffectCloseSocket}},
		{"disconnect from failed", StateFailed, InputDisconnect, StateClosed, []Effect{EffectStopHeartbeat, EffectCancelReconnect, EffectCloseSocket}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects := Transition(tt.from, tt.input)
			if got != tt.want {
				t.Fatalf("Transition(%s, %s) state = %s, want %s", tt.from, tt.input, got, tt.want)
			}
			if !slices.Equal(effects, tt.effects) {
				t.Fatalf("Transition(%s, %s) effects = %v, want %v", tt.from, tt.input, effects, tt.effects)
			}
		})
	}
}

func TestClosedIsTerminal(t *testing.T) {
	inputs := []Input{
		InputConnect, InputAuthSuccess, InputAuthError, InputSocketError,
		InputHeartbeatTimeout, InputSocketClose, InputDisconnect, InputReconnect,
	}
	for _, input := range inputs {
		got, effects := Transition(StateClosed, input)
		if got != StateClosed || effects != nil {
			t.Fatalf("Transition(closed, %s) = %s %v, want closed with no effects", input, got, effects)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"webhook_event","eventId":"e1","event":{"source":"plaid","type":"TRANSACTIONS","timestamp":1700000000000}}`))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Type != MessageWebhookEvent || msg.EventID != "e1" || msg.Event == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Event.Source != "plaid" {
		t.Fatalf("event source = %q", msg.Event.Source)
	}

	for _, raw := range []string{`not json`, `{}`, `{"type":"  "}`} {
		if _, err := DecodeMessage([]byte(raw)); err == nil {
			t.Fatalf("DecodeMessage(%q) expected error", raw)
		}
	}

	msg, err = DecodeMessage([]byte(`{"type":"something_new"}`))
	if err != nil {
		t.Fatalf("unknown type should decode: %v", err)
	}
	if msg.Type.Known() {
		t.Fatal("something_new should not be a known type")
	}
}
