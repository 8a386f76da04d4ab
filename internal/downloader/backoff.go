package downloader

import (
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// fullJitter sleeps a uniform random duration in [0, 2*delay) where delay starts at base and
// doubles after every retry, for at most maxRetries retries. randN defaults to rand.Int64N;
// onRetry, when set, sees every chosen sleep.
func fullJitter(base time.Duration, maxRetries int, randN func(n int64) int64, onRetry func(time.Duration)) retry.Backoff {
	if randN == nil {
		randN = rand.Int64N
	}
	if base <= 0 {
		base = time.Millisecond
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := base
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		sleep := time.Duration(randN(int64(2 * delay)))
		if delay < time.Hour {
			delay *= 2
		}
		if onRetry != nil {
			onRetry(sleep)
		}
		return sleep, false
	})
	return retry.WithMaxRetries(uint64(maxRetries), next)
}
