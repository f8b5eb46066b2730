// Package backoff provides exponential backoff calculation for reconnect logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay used for the first attempt (attempt 0).
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// ReconnectPolicy returns the doubling, jitter-free policy used by the relay
// client: delay = min(initial * 2^attempt, max).
func ReconnectPolicy(initial, max time.Duration) Policy {
	return Policy{
		Initial: initial,
		Max:     max,
		Factor:  2,
	}
}

// DefaultPolicy returns a sensible default backoff policy.
// Initial: 1s, Max: 5m, Factor: 2, no jitter.
func DefaultPolicy() Policy {
	return ReconnectPolicy(time.Second, 5*time.Minute)
}

// Compute calculates the delay for a zero-based attempt number.
func Compute(policy Policy, attempt int) time.Duration {
	if policy.Jitter <= 0 {
		return ComputeWithRand(policy, attempt, 0)
	}
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in [0.0, 1.0).
// This is useful for testing to provide deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if policy.Initial <= 0 {
		return 0
	}
	factor := policy.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt), 0)

	base := float64(policy.Initial) * math.Pow(factor, exp)
	total := base
	if policy.Jitter > 0 && randomValue > 0 {
		total += base * policy.Jitter * randomValue
	}

	if policy.Max > 0 && (math.IsInf(total, 1) || total > float64(policy.Max)) {
		return policy.Max
	}
	if total > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(total))
}
