// cmd/chaos/experiments.go
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clubpass/internal/chaos"
	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
	"clubpass/internal/membership"
	"clubpass/internal/payments"
)

const checkoutBase = "http://sandbox.local"

// staticDirectory serves a fixed set of clubs.
type staticDirectory struct {
	mu    sync.Mutex
	clubs map[uuid.UUID]directory.Club
}

func (d *staticDirectory) GetClub(_ context.Context, id uuid.UUID) (*directory.Club, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clubs[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return &c, nil
}

func (d *staticDirectory) GetEvent(context.Context, uuid.UUID) (*directory.Event, error) {
	return nil, directory.ErrNotFound
}

func (d *staticDirectory) GetClubsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]directory.Club, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uuid.UUID]directory.Club, len(ids))
	for _, id := range ids {
		if c, ok := d.clubs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (d *staticDirectory) GetEventsByIDs(context.Context, []uuid.UUID) (map[uuid.UUID]directory.Event, error) {
	return map[uuid.UUID]directory.Event{}, nil
}

// world is the in-process system the experiments run against: the real
// lifecycle service over the memory ledger, with faults injected between
// the guard and the sandbox gateway.
type world struct {
	store   *ledger.MemoryStore
	sandbox *payments.Sandbox
	faulty  *chaos.Gateway
	guard   *payments.Guard
	svc     membership.Service
	club    directory.Club

	mu    sync.Mutex
	now   time.Time
	users int
}

func newWorld(seed int64) *world {
	w := &world{
		store:   ledger.NewMemoryStore(),
		sandbox: payments.NewSandbox(checkoutBase),
		now:     time.Now().UTC(),
	}
	w.faulty = chaos.NewGateway(w.sandbox, seed)
	w.guard = payments.NewGuard(w.faulty, payments.GuardOptions{
		Timeout:             200 * time.Millisecond,
		ConsecutiveFailures: 5,
		OpenFor:             500 * time.Millisecond,
	})
	w.club = directory.Club{
		ID:            uuid.New(),
		Name:          "Chaos Climbing Club",
		ManagerID:     "chaos-manager",
		Status:        directory.ClubApproved,
		MembershipFee: 2500,
	}
	dir := &staticDirectory{clubs: map[uuid.UUID]directory.Club{w.club.ID: w.club}}
	w.svc = membership.NewService(w.store, dir, w.guard, membership.Options{Now: w.clock})
	return w
}

func (w *world) clock() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

func (w *world) advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(d)
}

func (w *world) newMember() identity.Actor {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users++
	return identity.Actor{UserID: fmt.Sprintf("chaos-user-%d", w.users), Role: identity.RoleMember}
}

func sessionOf(out *membership.IntentOutcome) string {
	return strings.TrimPrefix(out.CheckoutURL, checkoutBase+"/checkout/")
}

// checkoutOpens is the shared steady state: a fresh member can start a paid
// membership.
func (w *world) checkoutOpens() chaos.Probe {
	return chaos.Probe{
		Name: "checkout_opens",
		Check: func(ctx context.Context) error {
			_, err := w.svc.Join(ctx, w.newMember(), membership.JoinInput{ClubID: w.club.ID})
			return err
		},
	}
}

func (w *world) experiments() []chaos.Experiment {
	return []chaos.Experiment{
		w.gatewayLatencyExperiment(2 * time.Second),
		w.duplicateCallbackStorm(50),
		w.gatewayOutageExperiment(),
		w.latePaymentExperiment(),
	}
}

// gatewayLatencyExperiment stalls every gateway call past the guard timeout.
// Joins must fail fast and retryably; the pending records they leave behind
// must be resumable once the gateway recovers.
func (w *world) gatewayLatencyExperiment(latency time.Duration) chaos.Experiment {
	var (
		mu       sync.Mutex
		stranded []membership.RecordRef
		owners   []identity.Actor
		slow     int
	)
	return chaos.Experiment{
		Name:        "gateway-latency",
		Hypothesis:  "Joins fail fast with a retryable error and leave a resumable pending record when the gateway stalls",
		SteadyState: []chaos.Probe{w.checkoutOpens()},
		Inject: func(context.Context) error {
			w.faulty.Inject(chaos.Faults{Latency: latency})
			return nil
		},
		Rounds: 3,
		Exercise: func(ctx context.Context) error {
			actor := w.newMember()
			start := time.Now()
			_, err := w.svc.Join(ctx, actor, membership.JoinInput{ClubID: w.club.ID})
			if time.Since(start) > latency/2 {
				mu.Lock()
				slow++
				mu.Unlock()
			}
			if !membership.Retryable(err) {
				return fmt.Errorf("join under latency: want retryable error, got %v", err)
			}
			rec, ferr := w.store.FindOpenRecord(ctx, ledger.KindMembership, actor.UserID, w.club.ID, w.clock())
			if ferr != nil {
				return ferr
			}
			mu.Lock()
			stranded = append(stranded, membership.RecordRef{Kind: rec.Kind, RecordID: rec.ID})
			owners = append(owners, actor)
			mu.Unlock()
			return err
		},
		Rollback: func(context.Context) error {
			w.faulty.Heal()
			// let the breaker close again
			time.Sleep(600 * time.Millisecond)
			return nil
		},
		Verify: []chaos.Probe{
			{
				Name: "calls_bounded_by_timeout",
				Check: func(context.Context) error {
					if slow > 0 {
						return fmt.Errorf("%d joins waited on the stalled gateway", slow)
					}
					return nil
				},
			},
			{
				Name: "pending_records_resumable",
				Check: func(ctx context.Context) error {
					if len(stranded) == 0 {
						return errors.New("no pending records were left to resume")
					}
					for i, ref := range stranded {
						if _, err := w.svc.ResumeCheckout(ctx, owners[i], ref); err != nil {
							return fmt.Errorf("resume %s: %w", ref.RecordID, err)
						}
					}
					return nil
				},
			},
		},
	}
}

// duplicateCallbackStorm confirms one paid session from many goroutines at
// once, with part of the responses lost on the way back.
func (w *world) duplicateCallbackStorm(callers int) chaos.Experiment {
	var (
		sid    string
		record uuid.UUID
	)
	return chaos.Experiment{
		Name:        "duplicate-callback-storm",
		Hypothesis:  "Concurrent and replayed confirmations of one payment settle the record exactly once",
		SteadyState: []chaos.Probe{w.checkoutOpens()},
		Inject: func(ctx context.Context) error {
			out, err := w.svc.Join(ctx, w.newMember(), membership.JoinInput{ClubID: w.club.ID})
			if err != nil {
				return err
			}
			sid, record = sessionOf(out), out.Record.ID
			if err := w.sandbox.Pay(sid, "pi_storm_"+record.String()); err != nil {
				return err
			}
			w.faulty.Inject(chaos.Faults{DropRate: 0.3, Jitter: 20 * time.Millisecond})
			return nil
		},
		Exercise: func(ctx context.Context) error {
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = w.svc.ConfirmPayment(ctx, membership.ConfirmInput{SessionID: sid})
				}()
			}
			wg.Wait()
			return nil
		},
		Rollback: func(context.Context) error {
			w.faulty.Heal()
			time.Sleep(600 * time.Millisecond)
			return nil
		},
		Verify: []chaos.Probe{
			{
				Name: "settled_once",
				Check: func(ctx context.Context) error {
					// a final confirmation must converge regardless of what was dropped
					if _, err := w.svc.ConfirmPayment(ctx, membership.ConfirmInput{SessionID: sid}); err != nil {
						return err
					}
					rec, err := w.store.GetRecord(ctx, ledger.KindMembership, record)
					if err != nil {
						return err
					}
					if rec.Status != ledger.StatusActive {
						return fmt.Errorf("record is %s", rec.Status)
					}
					events, err := w.store.History(ctx, record)
					if err != nil {
						return err
					}
					activations := 0
					for _, e := range events {
						if e.EventType == ledger.EventMembershipActivated {
							activations++
						}
					}
					if activations != 1 {
						return fmt.Errorf("record activated %d times", activations)
					}
					return nil
				},
			},
		},
	}
}

// gatewayOutageExperiment fails every gateway call. The breaker must open so
// later calls are refused without touching the gateway.
func (w *world) gatewayOutageExperiment() chaos.Experiment {
	var before chaos.Stats
	return chaos.Experiment{
		Name:        "gateway-outage",
		Hypothesis:  "The circuit breaker opens during a gateway outage and callers get a retryable error",
		SteadyState: []chaos.Probe{w.checkoutOpens()},
		Inject: func(context.Context) error {
			before = w.faulty.Stats()
			w.faulty.Inject(chaos.Faults{FailureRate: 1})
			return nil
		},
		Rounds: 20,
		Exercise: func(ctx context.Context) error {
			_, err := w.svc.Join(ctx, w.newMember(), membership.JoinInput{ClubID: w.club.ID})
			if !membership.Retryable(err) {
				return fmt.Errorf("join during outage: want retryable error, got %v", err)
			}
			return err
		},
		Rollback: func(context.Context) error {
			w.faulty.Heal()
			return nil
		},
		Verify: []chaos.Probe{
			{
				Name: "breaker_shed_load",
				Check: func(context.Context) error {
					reached := w.faulty.Stats().Calls - before.Calls
					if reached >= 20 {
						return fmt.Errorf("all %d calls reached the failing gateway", reached)
					}
					return nil
				},
			},
			{
				Name: "recovers_after_open_period",
				Check: func(ctx context.Context) error {
					time.Sleep(600 * time.Millisecond)
					return w.checkoutOpens().Check(ctx)
				},
			},
		},
	}
}

// latePaymentExperiment lets a pending membership lapse and get swept before
// its payment is confirmed.
func (w *world) latePaymentExperiment() chaos.Experiment {
	var (
		sid    string
		record uuid.UUID
	)
	return chaos.Experiment{
		Name:        "late-payment",
		Hypothesis:  "A payment confirmed after its record lapsed is kept and flagged, never activating the record",
		SteadyState: []chaos.Probe{w.checkoutOpens()},
		Inject: func(ctx context.Context) error {
			out, err := w.svc.Join(ctx, w.newMember(), membership.JoinInput{ClubID: w.club.ID})
			if err != nil {
				return err
			}
			sid, record = sessionOf(out), out.Record.ID
			if err := w.sandbox.Pay(sid, "pi_late_"+record.String()); err != nil {
				return err
			}
			w.advance(25 * time.Hour)
			_, err = w.svc.SweepExpired(ctx)
			return err
		},
		Exercise: func(ctx context.Context) error {
			_, err := w.svc.ConfirmPayment(ctx, membership.ConfirmInput{SessionID: sid})
			return err
		},
		Verify: []chaos.Probe{
			{
				Name: "payment_kept_record_untouched",
				Check: func(ctx context.Context) error {
					if _, err := w.store.GetPaymentByIntent(ctx, "pi_late_"+record.String()); err != nil {
						return fmt.Errorf("payment not recorded: %w", err)
					}
					rec, err := w.store.GetRecord(ctx, ledger.KindMembership, record)
					if err != nil {
						return err
					}
					if rec.Status != ledger.StatusExpired {
						return fmt.Errorf("record is %s", rec.Status)
					}
					anomalies, err := w.store.ListAnomalies(ctx, 0)
					if err != nil {
						return err
					}
					for _, a := range anomalies {
						if a.RecordID == record {
							return nil
						}
					}
					return errors.New("no anomaly flagged for late payment")
				},
			},
		},
	}
}
