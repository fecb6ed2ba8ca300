package membership

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"clubpass/internal/ledger"
)

const (
	TopicMembershipActivated   = "membership.activated"
	TopicMembershipExpired     = "membership.expired"
	TopicRegistrationConfirmed = "registration.confirmed"
	TopicRegistrationCancelled = "registration.cancelled"
	TopicPaymentRecorded       = "payment.recorded"
	TopicAnomaly               = "reconciliation.anomaly"
	TopicRecordsExpired        = "records.expired"
)

func settledTopic(k ledger.Kind) string {
	if k == ledger.KindEvent {
		return TopicRegistrationConfirmed
	}
	return TopicMembershipActivated
}

func closedTopic(k ledger.Kind) string {
	if k == ledger.KindEvent {
		return TopicRegistrationCancelled
	}
	return TopicMembershipExpired
}

func recordPayload(rec *ledger.Record) map[string]any {
	return map[string]any{
		"record_id":  rec.ID,
		"kind":       rec.Kind,
		"user_id":    rec.UserID,
		"subject_id": rec.SubjectID,
		"status":     rec.Status,
		"expires_at": rec.ExpiresAt,
	}
}

func paymentPayload(p *ledger.Payment) map[string]any {
	return map[string]any{
		"transaction_id": p.GatewayIntentID,
		"record_id":      p.RecordID,
		"kind":           p.Kind,
		"user_id":        p.UserID,
		"amount":         p.Amount,
		"currency":       p.Currency,
	}
}

type metrics struct {
	intents       metric.Int64Counter
	confirmations metric.Int64Counter
	closed        metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("clubpass/membership")
	return &metrics{
		intents:       counter(meter, "clubpass.intents", "Membership and registration intents created"),
		confirmations: counter(meter, "clubpass.confirmations", "Payment confirmations by outcome"),
		closed:        counter(meter, "clubpass.records.closed", "Records closed by expiry or by a manager"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Printf("[membership] metric %s disabled: %v", name, err)
		return noop.Int64Counter{}
	}
	return c
}

func (m *metrics) intent(ctx context.Context, kind ledger.Kind, free bool) {
	m.intents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("free", free),
	))
}

func (m *metrics) confirmation(ctx context.Context, outcome string) {
	m.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) expired(ctx context.Context, reason string, n int) {
	m.closed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
