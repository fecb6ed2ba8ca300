// internal/ledger/store.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrDuplicate           = errors.New("ledger: open record already exists for target")
	ErrConcurrencyConflict = errors.New("ledger: concurrency conflict: version mismatch")
	ErrInvalidKind         = errors.New("ledger: invalid record kind")
)

// Store is the durable home of lifecycle records, payments and their history.
// Every method that changes more than one row does so atomically.
type Store interface {
	// InsertRecord creates a record. A lapsed open record for the same
	// (user, subject) is closed first; a live one yields ErrDuplicate.
	InsertRecord(ctx context.Context, rec *Record, now time.Time) error
	GetRecord(ctx context.Context, kind Kind, id uuid.UUID) (*Record, error)
	// FindOpenRecord returns the live open record for (user, subject) or ErrNotFound.
	FindOpenRecord(ctx context.Context, kind Kind, userID string, subjectID uuid.UUID, now time.Time) (*Record, error)
	ListRecordsByUser(ctx context.Context, kind Kind, userID string) ([]Record, error)

	GetPaymentByIntent(ctx context.Context, gatewayIntentID string) (*Payment, error)
	// ApplyPayment inserts the payment and settles its record in one
	// transaction. A second call for the same intent reports AlreadyProcessed.
	ApplyPayment(ctx context.Context, s Settlement) (*SettlementResult, error)

	// ExpireDue closes every open record whose expiry is at or before now.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	ForceExpire(ctx context.Context, kind Kind, id uuid.UUID, now time.Time) (*Record, error)

	History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
	ListAnomalies(ctx context.Context, limit int) ([]Anomaly, error)
}

// settle decides the outcome of applying a confirmed payment to its record.
// Exactly one of the returned values is non-nil.
func settle(rec *Record, s Settlement) (*Record, *Anomaly) {
	p := s.Payment
	flag := func(reason AnomalyReason, detail string) (*Record, *Anomaly) {
		return nil, &Anomaly{
			GatewayIntentID: p.GatewayIntentID,
			Kind:            p.Kind,
			RecordID:        p.RecordID,
			Reason:          reason,
			Detail:          detail,
			CreatedAt:       s.Now,
		}
	}

	switch {
	case rec == nil:
		return flag(AnomalyRecordMissing, "no record for correlation id")
	case rec.UserID != p.UserID || rec.SubjectID != p.SubjectID:
		return flag(AnomalyCorrelationMismatch,
			fmt.Sprintf("payment for user %s subject %s, record has user %s subject %s", p.UserID, p.SubjectID, rec.UserID, rec.SubjectID))
	case rec.Status == rec.Kind.Closed():
		return flag(AnomalyRecordTerminal, fmt.Sprintf("record already %s", rec.Status))
	case rec.Status == rec.Kind.Settled():
		ref := ""
		if rec.PaymentRef != nil {
			ref = *rec.PaymentRef
		}
		return flag(AnomalyAlreadyActive, fmt.Sprintf("record already %s with payment %q", rec.Status, ref))
	case rec.Lapsed(s.Now):
		return flag(AnomalyPendingLapsed, fmt.Sprintf("pending record lapsed at %s", rec.ExpiresAt.UTC().Format(time.RFC3339)))
	case p.Amount != rec.Fee:
		return flag(AnomalyAmountMismatch, fmt.Sprintf("paid %d, fee %d", p.Amount, rec.Fee))
	}

	next := *rec
	ref := p.GatewayIntentID
	next.Status = rec.Kind.Settled()
	next.PaymentRef = &ref
	next.ExpiresAt = s.ActiveUntil
	next.Version = rec.Version + 1
	next.UpdatedAt = s.Now
	return &next, nil
}

func aggregateType(k Kind) string {
	if k == KindEvent {
		return "registration"
	}
	return "membership"
}

const paymentAggregate = "payment"
