// internal/ledger/domain.go
package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which lifecycle a record or payment belongs to.
type Kind string

const (
	KindMembership Kind = "membership"
	KindEvent      Kind = "event"
)

// Status is the lifecycle state of a membership or registration record.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusActive         Status = "active"
	StatusExpired        Status = "expired"
	StatusRegistered     Status = "registered"
	StatusCancelled      Status = "cancelled"
)

// Settled returns the success state for the kind: active for memberships,
// registered for events.
func (k Kind) Settled() Status {
	if k == KindEvent {
		return StatusRegistered
	}
	return StatusActive
}

// Closed returns the terminal failure state for the kind.
func (k Kind) Closed() Status {
	if k == KindEvent {
		return StatusCancelled
	}
	return StatusExpired
}

func (k Kind) Valid() bool {
	return k == KindMembership || k == KindEvent
}

// Open reports whether the status still counts against the
// one-open-record-per-target rule.
func (s Status) Open() bool {
	return s == StatusPendingPayment || s == StatusActive || s == StatusRegistered
}

// Record is one user's relationship to one club (membership) or one event
// (registration).
type Record struct {
	ID         uuid.UUID  `json:"id"`
	Kind       Kind       `json:"kind"`
	UserID     string     `json:"user_id"`
	SubjectID  uuid.UUID  `json:"subject_id"`
	Status     Status     `json:"status"`
	Fee        int64      `json:"fee"`
	JoinedAt   time.Time  `json:"joined_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	PaymentRef *string    `json:"payment_ref"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Lapsed reports whether the record's validity window has closed at now.
// Records without an expiry never lapse.
func (r *Record) Lapsed(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// LiveAt reports whether the record grants its benefit at now.
func (r *Record) LiveAt(now time.Time) bool {
	return r.Status == r.Kind.Settled() && !r.Lapsed(now)
}

// Payment is the append-only ledger entry for one completed gateway intent.
type Payment struct {
	ID              uuid.UUID `json:"id"`
	GatewayIntentID string    `json:"gateway_intent_id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Kind            Kind      `json:"kind"`
	SubjectID       uuid.UUID `json:"subject_id"`
	RecordID        uuid.UUID `json:"record_id"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

const PaymentCompleted = "completed"

// AnomalyReason classifies a confirmation that was recorded but could not be
// applied to its lifecycle record.
type AnomalyReason string

const (
	AnomalyRecordMissing       AnomalyReason = "record_missing"
	AnomalyRecordTerminal      AnomalyReason = "record_terminal"
	AnomalyPendingLapsed       AnomalyReason = "pending_lapsed"
	AnomalyAlreadyActive       AnomalyReason = "already_active"
	AnomalyAmountMismatch      AnomalyReason = "amount_mismatch"
	AnomalyCorrelationMismatch AnomalyReason = "correlation_mismatch"
)

// Anomaly is a payment that needs manual reconciliation.
type Anomaly struct {
	ID              int64         `json:"id"`
	GatewayIntentID string        `json:"gateway_intent_id"`
	Kind            Kind          `json:"kind"`
	RecordID        uuid.UUID     `json:"record_id"`
	Reason          AnomalyReason `json:"reason"`
	Detail          string        `json:"detail"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Settlement is the input to ApplyPayment.
type Settlement struct {
	Payment Payment
	// ActiveUntil is stamped as the record's new expiry; nil keeps it open-ended.
	ActiveUntil *time.Time
	Now         time.Time
}

// SettlementResult reports what ApplyPayment did.
type SettlementResult struct {
	Payment          *Payment
	Record           *Record
	AlreadyProcessed bool
	Anomaly          *Anomaly
}

// Event is one entry in a record's lifecycle history.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

const (
	EventMembershipRequested   = "MembershipRequested"
	EventMembershipActivated   = "MembershipActivated"
	EventMembershipExpired     = "MembershipExpired"
	EventRegistrationRequested = "RegistrationRequested"
	EventRegistrationConfirmed = "RegistrationConfirmed"
	EventRegistrationCancelled = "RegistrationCancelled"
	EventPaymentRecorded       = "PaymentRecorded"
	EventReconciliationAnomaly = "ReconciliationAnomaly"
)

func requestedEvent(k Kind) string {
	if k == KindEvent {
		return EventRegistrationRequested
	}
	return EventMembershipRequested
}

func settledEvent(k Kind) string {
	if k == KindEvent {
		return EventRegistrationConfirmed
	}
	return EventMembershipActivated
}

func closedEvent(k Kind) string {
	if k == KindEvent {
		return EventRegistrationCancelled
	}
	return EventMembershipExpired
}

// transition is the payload stored with each lifecycle event.
type transition struct {
	From       Status     `json:"from,omitempty"`
	To         Status     `json:"to,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	PaymentRef string     `json:"payment_ref,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
