package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type GuardOptions struct {
	// Timeout bounds each call including time spent waiting for the limiter.
	Timeout time.Duration
	// RatePerSec and Burst size the token bucket shared by all calls.
	RatePerSec float64
	Burst      int
	// Breaker trips after ConsecutiveFailures and stays open for OpenFor.
	ConsecutiveFailures uint32
	OpenFor             time.Duration
}

func (o GuardOptions) withDefaults() GuardOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.ConsecutiveFailures == 0 {
		o.ConsecutiveFailures = 5
	}
	if o.OpenFor <= 0 {
		o.OpenFor = 30 * time.Second
	}
	return o
}

// Guard wraps a Gateway so no call blocks indefinitely or hammers a failing
// gateway. Every failure it introduces is reported as ErrUnavailable.
type Guard struct {
	next    Gateway
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewGuard(next Gateway, opts GuardOptions) *Guard {
	opts = opts.withDefaults()
	return &Guard{
		next:    next,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "payment-gateway",
			Timeout: opts.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.ConsecutiveFailures
			},
			// only outages count against the breaker
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("[payments] breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
}

func (g *Guard) State() gobreaker.State { return g.breaker.State() }

func guarded[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("%w: rate limited: %v", ErrUnavailable, err)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func (g *Guard) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return guarded(ctx, g, func(ctx context.Context) (*CheckoutSession, error) {
		return g.next.CreateCheckoutSession(ctx, req)
	})
}

func (g *Guard) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	return guarded(ctx, g, func(ctx context.Context) (*Session, error) {
		return g.next.RetrieveSession(ctx, sessionID)
	})
}
