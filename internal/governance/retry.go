package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrMaxRetriesExceeded wraps the last error once every attempt failed.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig is the brick-level retry budget.
type RetryConfig struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter randomizes each delay by up to 25%.
	Jitter bool
	// RetryableStatusCodes lists HTTP statuses worth another attempt.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig is the budget used by bricks that retry HTTP calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:      true,
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// RetryPolicy runs an operation under a RetryConfig with exponential backoff.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy fills unset fields of config from DefaultRetryConfig. A zero
// MaxRetries stays zero.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &RetryPolicy{config: config}
}

// RetryableStatus reports whether an HTTP status deserves another attempt.
func (rp *RetryPolicy) RetryableStatus(code int) bool {
	return rp.config.RetryableStatusCodes[code]
}

func (rp *RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: rp.config.InitialBackoff,
		Multiplier:      rp.config.BackoffMultiplier,
		MaxInterval:     rp.config.MaxBackoff,
	}
	if rp.config.Jitter {
		b.RandomizationFactor = 0.25
	}
	return b
}

// Do calls fn until it succeeds, returns a non-retryable error, the budget is
// spent, or ctx is done. It reports how many retries were made.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (retryable bool, err error)) (int, error) {
	attempts := 0
	exhausted := false
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		retryable, err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable {
			return struct{}{}, backoff.Permanent(err)
		}
		exhausted = attempts > rp.config.MaxRetries
		return struct{}{}, err
	},
		backoff.WithBackOff(rp.backOff()),
		backoff.WithMaxTries(uint(rp.config.MaxRetries+1)),
	)
	retries := max(attempts-1, 0)
	if err != nil && exhausted {
		return retries, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	}
	return retries, err
}
