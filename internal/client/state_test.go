package client

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{base: time.Second, max: 3 * time.Second}

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestLinearBackOffUncapped(t *testing.T) {
	b := &linearBackOff{base: 500 * time.Millisecond}
	b.NextBackOff()
	b.NextBackOff()
	assert.Equal(t, 1500*time.Millisecond, b.NextBackOff())
}

func TestReconnectPolicy(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		want        []time.Duration
	}{
		{"three attempts", 3, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{"capped", 6, []time.Duration{
			time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
		}},
		{"disabled", 0, nil},
		{"negative", -1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := reconnectPolicy(time.Second, 5*time.Second, tt.maxAttempts)
			var got []time.Duration
			for {
				d := policy.NextBackOff()
				if d == backoff.Stop {
					break
				}
				got = append(got, d)
				if len(got) > 10 {
					t.Fatal("policy never stops")
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "awaiting", Awaiting.String())
	assert.Equal(t, "idle", Idle.String())
}
