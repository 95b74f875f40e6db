package ws

import (
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	writeWait      = 3 * time.Second
	maxMessageSize = 1 << 20
)

type Options struct {
	ConnectTimeout   time.Duration
	PingInterval     time.Duration
	LivenessInterval time.Duration
	StaleAfter       time.Duration

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration

	// Player, when set, is announced with player_disconnected before an
	// intentional close.
	Player string
	Logger *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   5 * time.Second,
		PingInterval:     30 * time.Second,
		LivenessInterval: 15 * time.Second,
		StaleAfter:       45 * time.Second,
		MaxAttempts:      10,
		BackoffBase:      time.Second,
		BackoffFactor:    1.5,
		BackoffCap:       10 * time.Second,
	}
}

// Backoff is the delay before retry number attempt (0-indexed):
// min(base * factor^attempt, cap).
func Backoff(o Options, attempt int) time.Duration {
	d := float64(o.BackoffBase) * math.Pow(o.BackoffFactor, float64(attempt))
	if d >= float64(o.BackoffCap) {
		return o.BackoffCap
	}
	return time.Duration(d)
}
