package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnState is the connection lifecycle state
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// linearBackOff waits base, 2*base, 3*base, ... capped at max
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base * time.Duration(b.attempt)
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// reconnectPolicy builds the delay sequence for one outage: at most
// maxAttempts delays, then backoff.Stop
func reconnectPolicy(base, max time.Duration, maxAttempts int) backoff.BackOff {
	if maxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(&linearBackOff{base: base, max: max}, uint64(maxAttempts))
}
