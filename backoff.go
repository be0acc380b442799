// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Backoff kinds.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

const (
	defaultBackoffDelay = 2 * time.Second
	maxBackoffDelay     = 24 * time.Hour
)

// Backoff describes the time to wait between attempts of a failed job.
type Backoff struct {
	Kind  string        `json:"kind"`  // fixed or exponential
	Delay time.Duration `json:"delay"` // base delay
}

// DefaultBackoff is exponential with a base delay of two seconds.
func DefaultBackoff() Backoff {
	return Backoff{Kind: BackoffExponential, Delay: defaultBackoffDelay}
}

// BackoffFunc returns the time to wait before the given attempt, which
// starts at 1 for the first retry.
type BackoffFunc func(attempt int) time.Duration

// Func returns the BackoffFunc for the backoff settings.
func (b Backoff) Func() BackoffFunc {
	delay := b.Delay
	if delay <= 0 {
		delay = defaultBackoffDelay
	}
	switch b.Kind {
	case BackoffFixed:
		return func(attempt int) time.Duration {
			if attempt <= 0 {
				return 0
			}
			return delay
		}
	default:
		return exponentialBackoff(delay)
	}
}

// Next returns the time to wait before the given attempt.
func (b Backoff) Next(attempt int) time.Duration {
	return b.Func()(attempt)
}

// exponentialBackoff doubles the delay with every attempt, starting at
// base for the first retry.
func exponentialBackoff(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return 0
		}
		b := &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         maxBackoffDelay,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		}
		b.Reset()
		var d time.Duration
		for i := 0; i < attempt; i++ {
			d = b.NextBackOff()
		}
		return d
	}
}
