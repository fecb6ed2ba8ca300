// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"

	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
)

// Service defines the membership and registration lifecycle.
type Service interface {
	Join(ctx context.Context, actor identity.Actor, in JoinInput) (*IntentOutcome, error)
	Register(ctx context.Context, actor identity.Actor, in RegisterInput) (*IntentOutcome, error)
	// ResumeCheckout reissues the checkout link for the caller's own pending record.
	ResumeCheckout(ctx context.Context, actor identity.Actor, ref RecordRef) (*IntentOutcome, error)

	ConfirmPayment(ctx context.Context, in ConfirmInput) (*ConfirmationOutcome, error)

	SweepExpired(ctx context.Context) (int, error)
	ForceExpire(ctx context.Context, actor identity.Actor, ref RecordRef) (*ledger.Record, error)

	ListActiveMemberships(ctx context.Context, actor identity.Actor, userID string) ([]MembershipView, error)
	ListRegistrations(ctx context.Context, actor identity.Actor, userID string) ([]RegistrationView, error)
	History(ctx context.Context, actor identity.Actor, ref RecordRef) ([]ledger.Event, error)
	ListAnomalies(ctx context.Context, actor identity.Actor, limit int) ([]ledger.Anomaly, error)
}

// Directory is the part of the club directory the lifecycle reads.
type Directory interface {
	GetClub(ctx context.Context, id uuid.UUID) (*directory.Club, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*directory.Event, error)
	GetClubsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]directory.Club, error)
	GetEventsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]directory.Event, error)
}

// Publisher emits lifecycle events. Failures are logged, never returned to
// the caller.
type Publisher interface {
	Publish(ctx context.Context, event string, data any) error
}
