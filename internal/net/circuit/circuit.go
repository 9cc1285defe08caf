package circuit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRequestTimeout is returned when a request exceeds its ceiling
	ErrRequestTimeout = errors.New("request timeout")
)

// Config represents circuit breaker configuration
type Config struct {
	Name             string
	FailureThreshold uint32        // Consecutive failures to open circuit
	OpenTimeout      time.Duration // Time to stay open before a half-open probe
	RequestTimeout   time.Duration // Ceiling for an individual request

	// IsSuccessful decides which errors count against the breaker. Errors it
	// accepts are still returned to the caller. nil counts every error.
	IsSuccessful func(err error) bool
}

// Breaker wraps gobreaker with a bounded per-request timeout
type Breaker struct {
	cb             *gobreaker.CircuitBreaker
	requestTimeout time.Duration
}

// NewBreaker creates a new circuit breaker with the specified configuration
func NewBreaker(config Config) *Breaker {
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			if config.IsSuccessful != nil {
				return config.IsSuccessful(err)
			}
			return false
		},
	}

	return &Breaker{
		cb:             gobreaker.NewCircuitBreaker(settings),
		requestTimeout: config.RequestTimeout,
	}
}

// Call executes fn if the breaker allows it. fn gets a context bounded by
// the request timeout; if fn does not return within it, Call returns
// ErrRequestTimeout without waiting for fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.bounded(ctx, fn)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.cb.Name())
	}
	return err
}

func (b *Breaker) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.requestTimeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrRequestTimeout, b.requestTimeout, err)
		}
		return err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrRequestTimeout, b.requestTimeout)
	}
}

// State returns the current breaker state: closed, half-open or open
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the breaker's counters for the current interval
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
