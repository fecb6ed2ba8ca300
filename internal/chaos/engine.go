package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment injects a fault, exercises the system while it is active and
// checks a hypothesis about the outcome.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState must hold before anything is injected.
	SteadyState []Probe
	Inject      func(context.Context) error
	// Exercise drives load while the fault is active. Its errors are
	// observations, not experiment failures.
	Exercise func(context.Context) error
	Rounds   int
	Rollback func(context.Context) error
	// Verify runs after rollback and decides whether the hypothesis held.
	Verify []Probe
}

// Probe is a named check against the system.
type Probe struct {
	Name  string
	Check func(context.Context) error
}

type Violation struct {
	Probe string `json:"probe"`
	Error string `json:"error"`
}

type Result struct {
	Experiment     string        `json:"experiment"`
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	SteadyState    bool          `json:"steady_state_valid"`
	HypothesisHeld bool          `json:"hypothesis_held"`
	ExerciseErrors int           `json:"exercise_errors"`
	Violations     []Violation   `json:"violations"`
}

var ErrSteadyState = errors.New("chaos: steady state invalid")

type Engine struct {
	tracer  trace.Tracer
	mu      sync.Mutex
	results []Result
}

func NewEngine() *Engine {
	return &Engine{tracer: otel.Tracer("clubpass/chaos")}
}

func runProbes(ctx context.Context, probes []Probe) []Violation {
	var out []Violation
	for _, p := range probes {
		if err := p.Check(ctx); err != nil {
			out = append(out, Violation{Probe: p.Name, Error: err.Error()})
		}
	}
	return out
}

// Run executes one experiment. Rollback always runs once injection started.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	res := &Result{Experiment: exp.Name, StartTime: time.Now()}
	defer func() { res.Duration = time.Since(res.StartTime) }()

	span.AddEvent("validating_steady_state")
	if v := runProbes(ctx, exp.SteadyState); len(v) > 0 {
		res.Violations = v
		return res, fmt.Errorf("%w: %s", ErrSteadyState, v[0].Error)
	}
	res.SteadyState = true

	span.AddEvent("injecting_chaos")
	if exp.Inject != nil {
		if err := exp.Inject(ctx); err != nil {
			return res, fmt.Errorf("inject %s: %w", exp.Name, err)
		}
	}

	span.AddEvent("observing_system")
	rounds := exp.Rounds
	if rounds <= 0 {
		rounds = 1
	}
	for i := 0; i < rounds && exp.Exercise != nil; i++ {
		if err := exp.Exercise(ctx); err != nil {
			res.ExerciseErrors++
		}
	}

	span.AddEvent("rolling_back")
	if exp.Rollback != nil {
		if err := exp.Rollback(ctx); err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("rollback %s: %w", exp.Name, err)
		}
	}

	span.AddEvent("validating_assertions")
	res.Violations = runProbes(ctx, exp.Verify)
	res.HypothesisHeld = len(res.Violations) == 0
	res.Duration = time.Since(res.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *res)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", res.HypothesisHeld),
		attribute.Int("violations", len(res.Violations)),
	)
	return res, nil
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out
}
