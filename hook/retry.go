package main

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// postWithRetry runs fn until it succeeds, a non-transient error occurs,
// the attempt budget runs out, or ctx expires. The hook fires once per
// commit, so the whole loop is bounded by the -timeout deadline rather
// than a long-lived backoff schedule.
func postWithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= attempts || !transient(err) {
			return err
		}

		// Half the delay plus random jitter, doubling up to a small cap.
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		log.Warn().Err(err).Int("attempt", attempt).Dur("sleep", sleep).Msg("Server unavailable, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		if delay *= 2; delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
}

// transient reports whether another attempt could help: network errors
// and throttling or server-side failures.
func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr retryableStatusError
	return errors.As(err, &statusErr)
}

type retryableStatusError struct {
	status int
}

func (e retryableStatusError) Error() string {
	return http.StatusText(e.status)
}

func retryableStatus(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
