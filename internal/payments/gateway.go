// Package payments is the boundary to the card-payment gateway: the contract
// the reconciler relies on, a Stripe Checkout adapter, an in-process sandbox
// and a resilience guard that bounds every call.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable means the gateway could not be reached in time. Callers
	// may retry.
	ErrUnavailable     = errors.New("payments: gateway unavailable")
	ErrSessionNotFound = errors.New("payments: checkout session not found")
	// ErrRejected means the gateway refused the request itself.
	ErrRejected       = errors.New("payments: gateway rejected request")
	ErrBadCorrelation = errors.New("payments: session metadata does not identify a record")
)

type PaymentStatus string

const (
	StatusPaid              PaymentStatus = "paid"
	StatusUnpaid            PaymentStatus = "unpaid"
	StatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// Correlation ties a checkout session back to the pending record that
// created it. It travels as session metadata.
type Correlation struct {
	RecordID  uuid.UUID
	Kind      string
	SubjectID uuid.UUID
	UserID    string
}

const (
	metaRecordID  = "record_id"
	metaKind      = "kind"
	metaSubjectID = "subject_id"
	metaUserID    = "user_id"
)

func (c Correlation) Metadata() map[string]string {
	return map[string]string{
		metaRecordID:  c.RecordID.String(),
		metaKind:      c.Kind,
		metaSubjectID: c.SubjectID.String(),
		metaUserID:    c.UserID,
	}
}

func ParseCorrelation(md map[string]string) (Correlation, error) {
	recordID, err := uuid.Parse(md[metaRecordID])
	if err != nil {
		return Correlation{}, fmt.Errorf("%w: record_id: %v", ErrBadCorrelation, err)
	}
	subjectID, err := uuid.Parse(md[metaSubjectID])
	if err != nil {
		return Correlation{}, fmt.Errorf("%w: subject_id: %v", ErrBadCorrelation, err)
	}
	if md[metaKind] == "" || md[metaUserID] == "" {
		return Correlation{}, fmt.Errorf("%w: missing kind or user", ErrBadCorrelation)
	}
	return Correlation{
		RecordID:  recordID,
		Kind:      md[metaKind],
		SubjectID: subjectID,
		UserID:    md[metaUserID],
	}, nil
}

// LineItem is the single product a checkout session charges for. Amount is
// in the currency's smallest unit.
type LineItem struct {
	Name     string
	Amount   int64
	Currency string
}

type CheckoutRequest struct {
	Item        LineItem
	SuccessURL  string
	CancelURL   string
	Correlation Correlation
	// IdempotencyKey makes a retried create return the original session.
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Session is the authoritative state of a checkout session as reported by
// the gateway.
type Session struct {
	ID              string
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
}

// Gateway is the contract the intent factory and reconciler require.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
}
