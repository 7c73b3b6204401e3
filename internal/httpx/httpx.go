// Package httpx holds the shared HTTP client construction and the
// exponential-backoff retry policy used by all marketplace adapters.
package httpx

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// NewClient builds a resty client with an absolute per-request timeout.
// Retries are handled by Policy, not by resty, so adapters keep control
// over which failures are retryable.
func NewClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 || timeout > 20*time.Second {
		timeout = 20 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "giftscan/1.0")
}

// NewBrowserClient builds a client shaped like a desktop browser for
// scraping sources that reject obvious bot user agents.
func NewBrowserClient(baseURL string, timeout time.Duration) *resty.Client {
	return NewClient(baseURL, timeout).
		SetHeader("User-Agent", browserUserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9")
}

// Policy is an exponential backoff schedule: delay(i) = Base * Multiplier^i,
// clamped to Cap, for at most MaxAttempts total attempts.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the standard adapter retry schedule: 1s base,
// doubling, 30s cap, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Multiplier:  2.0,
		Cap:         30 * time.Second,
		MaxAttempts: 3,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if cap := float64(p.Cap); d > cap {
		d = cap
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times, sleeping per the backoff schedule
// between attempts. A retry happens only when retryable(err) is true;
// other failures return immediately. The last error is returned when all
// attempts are exhausted.
func (p Policy) Do(ctx context.Context, log zerolog.Logger, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Backoff(attempt - 1)
			log.Debug().
				Str("op", op).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(err).
				Msg("retrying after backoff")
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
