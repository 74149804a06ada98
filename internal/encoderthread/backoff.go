package encoderthread

import (
	"time"

	"github.com/cenkalti/backoff"
)

// linearBackOff implements backoff.BackOff with the remote encoder
// thread's retry policy: wait 10 seconds after the first failure, adding
// 10 seconds per further consecutive failure, capped at 60 seconds, reset
// to zero on the first success. cenkalti/backoff ships exponential and
// constant strategies only; neither matches this policy, so it gets its
// own small implementation of the library's interface rather than a
// bespoke retry loop.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	cur  time.Duration
}

func newLinearBackOff(step, max time.Duration) *linearBackOff {
	return &linearBackOff{step: step, max: max}
}

// NextBackOff returns the next wait and advances the counter.
func (b *linearBackOff) NextBackOff() time.Duration {
	b.cur += b.step
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

// Reset zeroes the backoff, called after a successful remote encode.
func (b *linearBackOff) Reset() { b.cur = 0 }

var _ backoff.BackOff = (*linearBackOff)(nil)

// RemoteBackOffStep and RemoteBackOffMax are the spec's fixed retry
// policy for the remote encoder thread.
const (
	RemoteBackOffStep = 10 * time.Second
	RemoteBackOffMax  = 60 * time.Second
)
