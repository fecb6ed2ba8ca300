// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
	"clubpass/internal/payments"
)

var validate = validator.New()

const publishTimeout = 5 * time.Second

type Options struct {
	Policy     Policy
	Currency   string
	SuccessURL string
	CancelURL  string
	// Publisher may be nil.
	Publisher Publisher
	Now       func() time.Time
}

// service implements the Service interface.
type service struct {
	store     ledger.Store
	directory Directory
	gateway   payments.Gateway
	policy    Policy
	currency  string
	success   string
	cancel    string
	publisher Publisher
	now       func() time.Time
	metrics   *metrics
}

// NewService creates a new membership service instance.
func NewService(store ledger.Store, dir Directory, gw payments.Gateway, opts Options) Service {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &service{
		store:     store,
		directory: dir,
		gateway:   gw,
		policy:    opts.Policy,
		currency:  opts.Currency,
		success:   opts.SuccessURL,
		cancel:    opts.CancelURL,
		publisher: opts.Publisher,
		now:       opts.Now,
		metrics:   newMetrics(),
	}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}

func requireActor(actor identity.Actor) error {
	if !actor.Authenticated() {
		return fmt.Errorf("%w: %w", ErrUnauthorized, identity.ErrUnauthenticated)
	}
	return nil
}

func forbidden() error {
	return fmt.Errorf("%w: %w", ErrUnauthorized, identity.ErrForbidden)
}

func gatewayError(op string, err error) error {
	if errors.Is(err, payments.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	if errors.Is(err, payments.ErrSessionNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return internal(op, err)
}

// resolveClub returns the club if it exists and accepts members.
func (s *service) resolveClub(ctx context.Context, in JoinInput) (*directory.Club, error) {
	club, err := s.directory.GetClub(ctx, in.ClubID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("%w: club %s", ErrNotFound, in.ClubID)
		}
		return nil, internal("get club", err)
	}
	if club.Status != directory.ClubApproved {
		return nil, fmt.Errorf("%w: club %s is not open for membership", ErrNotFound, in.ClubID)
	}
	return club, nil
}

// Join starts a membership. Free clubs activate immediately; paid clubs get a
// pending record and a checkout session.
func (s *service) Join(ctx context.Context, actor identity.Actor, in JoinInput) (*IntentOutcome, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, invalid(err)
	}

	club, err := s.resolveClub(ctx, in)
	if err != nil {
		return nil, err
	}
	rec := &ledger.Record{
		Kind:      ledger.KindMembership,
		UserID:    actor.UserID,
		SubjectID: club.ID,
		Fee:       club.MembershipFee,
	}
	return s.begin(ctx, rec, club.Name)
}

// Register starts an event registration.
func (s *service) Register(ctx context.Context, actor identity.Actor, in RegisterInput) (*IntentOutcome, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, invalid(err)
	}

	event, err := s.directory.GetEvent(ctx, in.EventID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, in.EventID)
		}
		return nil, internal("get event", err)
	}
	rec := &ledger.Record{
		Kind:      ledger.KindEvent,
		UserID:    actor.UserID,
		SubjectID: event.ID,
		Fee:       event.Fee,
	}
	return s.begin(ctx, rec, event.Title)
}

// begin is the shared intent path: duplicate check, insert, and for paid
// targets a checkout session.
func (s *service) begin(ctx context.Context, rec *ledger.Record, name string) (*IntentOutcome, error) {
	now := s.now()

	_, err := s.store.FindOpenRecord(ctx, rec.Kind, rec.UserID, rec.SubjectID, now)
	switch {
	case err == nil:
		return nil, ErrConflict
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, internal("find open record", err)
	}

	free := rec.Fee == 0
	rec.JoinedAt = now
	if free {
		rec.Status = rec.Kind.Settled()
	} else {
		rec.Status = ledger.StatusPendingPayment
		until := s.policy.pendingUntil(rec.Kind, now)
		rec.ExpiresAt = &until
	}

	if err := s.store.InsertRecord(ctx, rec, now); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, internal("insert record", err)
	}
	s.metrics.intent(ctx, rec.Kind, free)

	if free {
		s.publish(ctx, settledTopic(rec.Kind), recordPayload(rec))
		return &IntentOutcome{Free: true, Record: *rec}, nil
	}

	url, err := s.openCheckout(ctx, rec, name)
	if err != nil {
		// the pending record stays and lapses on its own
		return nil, err
	}
	return &IntentOutcome{CheckoutURL: url, Record: *rec}, nil
}

func (s *service) openCheckout(ctx context.Context, rec *ledger.Record, name string) (string, error) {
	cs, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		Item: payments.LineItem{
			Name:     name,
			Amount:   rec.Fee,
			Currency: s.currency,
		},
		SuccessURL: s.success,
		CancelURL:  s.cancel,
		Correlation: payments.Correlation{
			RecordID:  rec.ID,
			Kind:      string(rec.Kind),
			SubjectID: rec.SubjectID,
			UserID:    rec.UserID,
		},
		IdempotencyKey: "checkout-" + rec.ID.String(),
	})
	if err != nil {
		log.Printf("[membership] checkout for %s %s failed: %v", rec.Kind, rec.ID, err)
		return "", gatewayError("create checkout session", err)
	}
	return cs.URL, nil
}

func (s *service) ResumeCheckout(ctx context.Context, actor identity.Actor, ref RecordRef) (*IntentOutcome, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(ref); err != nil {
		return nil, invalid(err)
	}

	rec, err := s.store.GetRecord(ctx, ref.Kind, ref.RecordID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: record %s", ErrNotFound, ref.RecordID)
		}
		return nil, internal("get record", err)
	}
	if rec.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, ref.RecordID)
	}
	if rec.Status != ledger.StatusPendingPayment || rec.Lapsed(s.now()) {
		return nil, fmt.Errorf("%w: record is %s and no longer awaiting payment", ErrConflict, rec.Status)
	}

	name, err := s.subjectName(ctx, rec)
	if err != nil {
		return nil, err
	}
	url, err := s.openCheckout(ctx, rec, name)
	if err != nil {
		return nil, err
	}
	return &IntentOutcome{CheckoutURL: url, Record: *rec}, nil
}

func (s *service) subjectName(ctx context.Context, rec *ledger.Record) (string, error) {
	if rec.Kind == ledger.KindEvent {
		event, err := s.directory.GetEvent(ctx, rec.SubjectID)
		if err != nil {
			return "", internal("get event", err)
		}
		return event.Title, nil
	}
	club, err := s.directory.GetClub(ctx, rec.SubjectID)
	if err != nil {
		return "", internal("get club", err)
	}
	return club.Name, nil
}

// managerOf returns the user id that manages the record's club.
func (s *service) managerOf(ctx context.Context, rec *ledger.Record) (string, error) {
	clubID := rec.SubjectID
	if rec.Kind == ledger.KindEvent {
		event, err := s.directory.GetEvent(ctx, rec.SubjectID)
		if err != nil {
			return "", internal("get event", err)
		}
		clubID = event.ClubID
	}
	club, err := s.directory.GetClub(ctx, clubID)
	if err != nil {
		return "", internal("get club", err)
	}
	return club.ManagerID, nil
}

// publish runs after the store has committed, so it must not be cut short
// by the caller going away.
func (s *service) publish(ctx context.Context, event string, data any) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event, data); err != nil {
		log.Printf("[membership] failed to publish %s: %v", event, err)
	}
}
