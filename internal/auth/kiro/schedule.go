package kiro

import (
	"time"

	"github.com/router-for-me/KiroGateway/internal/account"
)

// Refresh scheduling constants. A token inside RefreshThreshold of expiry is
// due; checks never run closer together than MinRefreshInterval nor further
// apart than MaxCheckInterval.
const (
	RefreshThreshold   = account.RefreshThreshold
	MinRefreshInterval = 60 * time.Second
	MaxCheckInterval   = 300 * time.Second
)

// NextRefreshDelay computes how long a refresh loop should sleep given the
// remaining token lifetime. ttlKnown false means the expiry could not be
// determined, in which case fallback is used.
func NextRefreshDelay(ttl time.Duration, ttlKnown bool, fallback time.Duration) time.Duration {
	if !ttlKnown {
		return fallback
	}
	if ttl <= 0 {
		return 0
	}
	if ttl <= RefreshThreshold {
		return MinRefreshInterval
	}
	// Aim for the threshold boundary, less a little processing headroom.
	delay := ttl - RefreshThreshold - 30*time.Second
	if delay < MinRefreshInterval {
		return MinRefreshInterval
	}
	if delay > MaxCheckInterval {
		return MaxCheckInterval
	}
	return delay
}
