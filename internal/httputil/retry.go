// Package httputil implements the bounded retry policy shared by every REST
// Client operation (§4.2, §9 "Retry semantics"). Policy is deliberately
// separated from each endpoint's outcome classification: callers classify
// their own attempt as retry-worthy or not; this package only owns the
// attempt count and the backoff arithmetic.
package httputil

import (
	"context"
	"time"

	"github.com/caffeinetv/libcaffeine-go/internal/logging"
)

var log = logging.L("httputil")

// MaxAttempts bounds every REST operation to at most 3 attempts (§4.2).
const MaxAttempts = 3

// BackoffDelay returns the sleep before the (retryIndex+1)-th retry,
// retryIndex counted from 0 at the first retry: min(1+retryIndex, 20)
// seconds. For 3 total attempts this yields 1s then 2s — never slept before
// the first attempt, never after the last.
func BackoffDelay(retryIndex int) time.Duration {
	secs := 1 + retryIndex
	if secs > 20 {
		secs = 20
	}
	return time.Duration(secs) * time.Second
}

// Attempt performs one try. It returns retry=true to request another
// attempt (a transient, untyped failure — network error, 5xx, malformed
// body); retry=false means the call is done, whether that's success or a
// typed failure that must not be retried (§4.2).
type Attempt func(attemptNum int) (retry bool, err error)

// Do runs attempt up to MaxAttempts times, sleeping the literal backoff
// schedule between attempts, and stops as soon as attempt reports
// retry=false or the attempts are exhausted.
func Do(ctx context.Context, url string, attempt Attempt) error {
	var lastErr error

	for attemptNum := 0; attemptNum < MaxAttempts; attemptNum++ {
		if attemptNum > 0 {
			delay := BackoffDelay(attemptNum - 1)
			log.Debug("retrying request", "attempt", attemptNum, "delay", delay, "url", url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retry, err := attempt(attemptNum)
		if !retry {
			return err
		}
		lastErr = err
	}

	log.Warn("all retries exhausted", "url", url, "attempts", MaxAttempts, "error", lastErr)
	return lastErr
}
