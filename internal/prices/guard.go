package prices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/util"
)

// Guard protects calls to a remote price source with a rate limiter, a
// circuit breaker and optional retries.
type Guard struct {
	limiter     *util.RateLimiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	baseDelay   time.Duration
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Name            string
	RateLimitPerMin int
	MaxAttempts     int
	BaseDelay       time.Duration
	// ConsecutiveFailures trips the breaker; zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open; zero means 30s.
	OpenTimeout time.Duration
}

// NewGuard builds a Guard. Missing-data errors never count as breaker
// failures.
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	trip := cfg.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = 500 * time.Millisecond
	}

	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("price source breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrDataUnavailable) || errors.Is(err, context.Canceled)
		},
	}

	return &Guard{
		limiter:     util.NewRateLimiter(cfg.RateLimitPerMin),
		breaker:     gobreaker.NewCircuitBreaker(st),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   baseDelay,
	}
}

// State returns the breaker state.
func (g *Guard) State() gobreaker.State { return g.breaker.State() }

// Do runs fn under the guard. An open breaker fails fast with an error
// wrapping domain.ErrUpstreamFetch; missing data is not retried.
func (g *Guard) Do(ctx context.Context, ticker string, fn func(ctx context.Context) error) error {
	var last error
	err := util.Retry(ctx, g.maxAttempts, g.baseDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			last = err
			return nil
		}
		_, err := g.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		last = err
		if err == nil || errors.Is(err, domain.ErrDataUnavailable) ||
			errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Terminal for this call: stop retrying.
			return nil
		}
		return err
	})
	if err == nil {
		err = last
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: circuit open: %v", ticker, domain.ErrUpstreamFetch, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return upstream(ticker, err)
}
