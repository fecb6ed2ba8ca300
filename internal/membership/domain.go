// internal/membership/domain.go
package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"clubpass/internal/directory"
	"clubpass/internal/ledger"
)

// Error taxonomy surfaced to callers. Only ErrGatewayUnavailable invites a retry.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("an open record already exists for this target")
	ErrPaymentIncomplete  = errors.New("payment not completed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInternal           = errors.New("internal error")
	ErrInvalidInput       = errors.New("invalid input")
)

func Retryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

// Policy holds the time bounds of the lifecycle.
type Policy struct {
	PendingMembershipTTL   time.Duration
	PendingRegistrationTTL time.Duration
	MembershipTermMonths   int
}

func DefaultPolicy() Policy {
	return Policy{
		PendingMembershipTTL:   24 * time.Hour,
		PendingRegistrationTTL: time.Hour,
		MembershipTermMonths:   12,
	}
}

func (p Policy) pendingUntil(kind ledger.Kind, now time.Time) time.Time {
	if kind == ledger.KindEvent {
		return now.Add(p.PendingRegistrationTTL)
	}
	return now.Add(p.PendingMembershipTTL)
}

// activeUntil is the expiry stamped when a paid record settles. Registrations
// never lapse once confirmed.
func (p Policy) activeUntil(kind ledger.Kind, now time.Time) *time.Time {
	if kind == ledger.KindEvent {
		return nil
	}
	t := now.AddDate(0, p.MembershipTermMonths, 0)
	return &t
}

type JoinInput struct {
	ClubID uuid.UUID `json:"club_id" validate:"required"`
}

type RegisterInput struct {
	EventID uuid.UUID `json:"event_id" validate:"required"`
}

type ConfirmInput struct {
	SessionID string `json:"session_id" validate:"required,max=255"`
}

// RecordRef names one lifecycle record.
type RecordRef struct {
	Kind     ledger.Kind `json:"kind" validate:"required,oneof=membership event"`
	RecordID uuid.UUID   `json:"record_id" validate:"required"`
}

// IntentOutcome is the result of Join or Register. CheckoutURL is set only
// on the paid path.
type IntentOutcome struct {
	Free        bool          `json:"free"`
	CheckoutURL string        `json:"checkout_url,omitempty"`
	Record      ledger.Record `json:"record"`
}

type ConfirmationOutcome struct {
	Success          bool            `json:"success"`
	AlreadyProcessed bool            `json:"already_processed"`
	TransactionID    string          `json:"transaction_id"`
	Record           *ledger.Record  `json:"record,omitempty"`
	Anomaly          *ledger.Anomaly `json:"anomaly,omitempty"`
}

type MembershipView struct {
	Record ledger.Record   `json:"record"`
	Club   *directory.Club `json:"club,omitempty"`
}

type RegistrationView struct {
	Record ledger.Record    `json:"record"`
	Event  *directory.Event `json:"event,omitempty"`
}
