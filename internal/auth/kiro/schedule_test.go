package kiro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextRefreshDelay(t *testing.T) {
	fallback := 30 * time.Minute
	tests := []struct {
		name     string
		ttl      time.Duration
		ttlKnown bool
		want     time.Duration
	}{
		{"unknown ttl uses fallback", 0, false, fallback},
		{"already expired refreshes immediately", -time.Minute, true, 0},
		{"inside threshold waits the minimum", 7 * time.Minute, true, MinRefreshInterval},
		{"at threshold waits the minimum", RefreshThreshold, true, MinRefreshInterval},
		{"just above threshold clamps to minimum", RefreshThreshold + 45*time.Second, true, MinRefreshInterval},
		{"mid-range lands before the threshold", RefreshThreshold + 2*time.Minute, true, 90 * time.Second},
		{"long ttl clamps to the max check interval", 2 * time.Hour, true, MaxCheckInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NextRefreshDelay(tt.ttl, tt.ttlKnown, fallback))
		})
	}
}

// A token 7 minutes from expiry is inside the 10-minute threshold and gets
// the minimum interval; one 30 minutes out settles at the max check interval.
func TestDelayDistinguishesDueAndHealthyTokens(t *testing.T) {
	require.Equal(t, MinRefreshInterval, NextRefreshDelay(7*time.Minute, true, time.Hour))
	require.Equal(t, MaxCheckInterval, NextRefreshDelay(30*time.Minute, true, time.Hour))
}
