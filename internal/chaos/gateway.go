// Package chaos injects faults into the payment gateway path and runs
// experiments that check the lifecycle still converges under them.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"clubpass/internal/payments"
)

var ErrInjected = errors.New("chaos: injected gateway failure")

// Faults describes what the gateway wrapper does to each call.
type Faults struct {
	// Latency is added before the call. Jitter adds up to that much more.
	Latency time.Duration
	Jitter  time.Duration
	// FailureRate is the share of calls failing with ErrUnavailable.
	FailureRate float64
	// DropRate is the share of calls that reach the gateway but whose
	// response is lost: the caller waits for its deadline.
	DropRate float64
}

// Gateway wraps a payments.Gateway with configurable faults. Faults can be
// swapped while calls are in flight.
type Gateway struct {
	next   payments.Gateway
	tracer trace.Tracer

	mu     sync.Mutex
	faults Faults
	rng    *rand.Rand
	stats  Stats
}

type Stats struct {
	Calls    int
	Failures int
	Drops    int
}

func NewGateway(next payments.Gateway, seed int64) *Gateway {
	return &Gateway{
		next:   next,
		tracer: otel.Tracer("clubpass/chaos"),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (g *Gateway) Inject(f Faults) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = f
}

func (g *Gateway) Heal() { g.Inject(Faults{}) }

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

type decision struct {
	delay time.Duration
	fail  bool
	drop  bool
}

func (g *Gateway) decide() decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	f := g.faults
	d := decision{delay: f.Latency}
	if f.Jitter > 0 {
		d.delay += time.Duration(g.rng.Int63n(int64(f.Jitter)))
	}
	roll := g.rng.Float64()
	switch {
	case roll < f.FailureRate:
		d.fail = true
		g.stats.Failures++
	case roll < f.FailureRate+f.DropRate:
		d.drop = true
		g.stats.Drops++
	}
	g.stats.Calls++
	return d
}

func (g *Gateway) apply(ctx context.Context, op string, call func(context.Context) error) error {
	d := g.decide()
	_, span := g.tracer.Start(ctx, "chaos.gateway",
		trace.WithAttributes(
			attribute.String("op", op),
			attribute.Int64("delay_ms", d.delay.Milliseconds()),
			attribute.Bool("fail", d.fail),
			attribute.Bool("drop", d.drop),
		),
	)
	defer span.End()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.fail {
		return errors.Join(payments.ErrUnavailable, ErrInjected)
	}
	if err := call(ctx); err != nil {
		return err
	}
	if d.drop {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	var out *payments.CheckoutSession
	err := g.apply(ctx, "create_session", func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateCheckoutSession(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) RetrieveSession(ctx context.Context, sessionID string) (*payments.Session, error) {
	var out *payments.Session
	err := g.apply(ctx, "retrieve_session", func(ctx context.Context) error {
		var err error
		out, err = g.next.RetrieveSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
