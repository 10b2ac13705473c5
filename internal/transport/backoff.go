package transport

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase          = 1 * time.Second
	backoffCap           = 30 * time.Second
	maxReconnectAttempts = 5
)

// ReconnectDelay computes the delay before reconnect attempt n (0-based):
// exponential from a 1s base with up to half a base of random jitter,
// capped at 30s. Pure apart from the jitter source so the bounds can be
// tested without timers.
func ReconnectDelay(attempt int) time.Duration {
	return reconnectDelay(attempt, rand.Float64())
}

func reconnectDelay(attempt int, jitterUnit float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	jitter := time.Duration(jitterUnit * float64(backoffBase) * 0.5)
	delay := time.Duration(math.Min(
		float64(backoffBase)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(backoffCap),
	))
	return delay
}

// ShouldReconnect reports whether attempt n is still within the cap.
func ShouldReconnect(attempt int) bool {
	return attempt < maxReconnectAttempts
}
