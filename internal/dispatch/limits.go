package dispatch

import (
	"time"

	"agent_dispatch/internal/config"
)

// Limits bounds what a caller may ask of a long-poll
type Limits struct {
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	MaxItems        int

	ListWaitMax      time.Duration
	ListWaitInterval time.Duration
}

// LimitsFromConfig converts poll settings to durations
func LimitsFromConfig(cfg config.PollConfig) Limits {
	return Limits{
		DefaultTimeout:   time.Duration(cfg.DefaultTimeoutSec) * time.Second,
		MaxTimeout:       time.Duration(cfg.MaxTimeoutSec) * time.Second,
		DefaultInterval:  time.Duration(cfg.DefaultIntervalSec) * time.Second,
		MinInterval:      time.Duration(cfg.MinIntervalSec) * time.Second,
		MaxInterval:      time.Duration(cfg.MaxIntervalSec) * time.Second,
		MaxItems:         cfg.MaxItems,
		ListWaitMax:      time.Duration(cfg.ListWaitMaxMs) * time.Millisecond,
		ListWaitInterval: time.Duration(cfg.ListWaitIntervalMs) * time.Millisecond,
	}
}

// Normalize applies defaults to zero values and clamps timeout to
// [1s, MaxTimeout] and interval to [MinInterval, MaxInterval].
func (l Limits) Normalize(timeout, interval time.Duration) (time.Duration, time.Duration) {
	if timeout <= 0 {
		timeout = l.DefaultTimeout
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if l.MaxTimeout > 0 && timeout > l.MaxTimeout {
		timeout = l.MaxTimeout
	}

	if interval <= 0 {
		interval = l.DefaultInterval
	}
	if interval < l.MinInterval {
		interval = l.MinInterval
	}
	if l.MaxInterval > 0 && interval > l.MaxInterval {
		interval = l.MaxInterval
	}
	if interval <= 0 {
		interval = time.Second
	}
	return timeout, interval
}

// ListWait clamps a listing long-poll budget; zero means no wait
func (l Limits) ListWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		return 0
	}
	if l.ListWaitMax > 0 && wait > l.ListWaitMax {
		return l.ListWaitMax
	}
	return wait
}
