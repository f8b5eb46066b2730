package backoff

import (
	"testing"
	"time"
)

func TestComputeReconnectSequence(t *testing.T) {
	policy := ReconnectPolicy(time.Second, 300*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		256 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}

	for attempt, want := range expected {
		if got := Compute(policy, attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt uses initial delay",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "negative attempt treated as zero",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:     -3,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "jitter adds proportional delay",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 1,
			expected:    300 * time.Millisecond,
		},
		{
			name:        "capped at max",
			policy:      Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2},
			attempt:     10,
			expected:    5 * time.Second,
		},
		{
			name:        "huge attempt does not overflow",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
			attempt:     5000,
			expected:    time.Minute,
		},
		{
			name:        "factor below one is treated as constant",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 0.5},
			attempt:     4,
			expected:    time.Second,
		},
		{
			name:     "zero initial yields zero",
			policy:   Policy{Max: time.Minute, Factor: 2},
			attempt:  3,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestComputeJitterBounds(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		got := Compute(policy, 2)
		if got < 400*time.Millisecond || got > 480*time.Millisecond {
			t.Fatalf("delay %v outside jitter bounds", got)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Initial != time.Second || p.Max != 5*time.Minute || p.Factor != 2 || p.Jitter != 0 {
		t.Fatalf("unexpected default policy: %+v", p)
	}
}
