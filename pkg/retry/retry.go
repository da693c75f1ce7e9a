// Package retry runs short operations again after transient failures,
// sleeping a jittered, doubling interval between attempts. HTTP
// traffic uses failsafe-go pipelines instead; this helper covers
// local work such as filesystem writes.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the attempts and the pause between them.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// FilePolicy paces retries of filesystem writes: three quick attempts.
var FilePolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
}

// IsTransientFunc reports whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// Always treats every error as transient.
func Always(error) bool { return true }

// Do runs fn until it succeeds, the error turns out permanent, the
// attempts are spent or ctx ends.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	delay := policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= policy.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay = min(delay*2, policy.MaxBackoff)
	}
}

// jittered stretches d by up to half of itself so concurrent retries
// spread out instead of thundering together.
func jittered(d time.Duration) time.Duration {
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	return d
}
