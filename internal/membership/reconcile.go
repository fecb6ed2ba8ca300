package membership

import (
	"context"
	"errors"
	"fmt"
	"log"

	"clubpass/internal/ledger"
	"clubpass/internal/payments"
)

// ConfirmPayment reconciles a checkout session reported as completed. The
// gateway is the source of truth; the caller only supplies the session id.
// Confirming the same payment twice reports AlreadyProcessed and changes
// nothing.
func (s *service) ConfirmPayment(ctx context.Context, in ConfirmInput) (*ConfirmationOutcome, error) {
	if err := validate.Struct(in); err != nil {
		return nil, invalid(err)
	}

	sess, err := s.gateway.RetrieveSession(ctx, in.SessionID)
	if err != nil {
		s.metrics.confirmation(ctx, "gateway_error")
		return nil, gatewayError("retrieve session", err)
	}
	if sess.PaymentStatus != payments.StatusPaid || sess.PaymentIntentID == "" {
		s.metrics.confirmation(ctx, "incomplete")
		return nil, fmt.Errorf("%w: session %s is %s", ErrPaymentIncomplete, sess.ID, sess.PaymentStatus)
	}

	// fast path for replayed callbacks; ApplyPayment repeats the check atomically
	if p, err := s.store.GetPaymentByIntent(ctx, sess.PaymentIntentID); err == nil {
		s.metrics.confirmation(ctx, "already_processed")
		return s.alreadyProcessed(ctx, p), nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, internal("get payment", err)
	}

	corr, err := payments.ParseCorrelation(sess.Metadata)
	if err != nil {
		log.Printf("[membership] ⚠️ paid session %s (payment %s) has unreadable metadata: %v",
			sess.ID, sess.PaymentIntentID, err)
		s.metrics.confirmation(ctx, "uncorrelated")
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	kind := ledger.Kind(corr.Kind)
	if !kind.Valid() {
		log.Printf("[membership] ⚠️ paid session %s (payment %s) names unknown kind %q",
			sess.ID, sess.PaymentIntentID, corr.Kind)
		s.metrics.confirmation(ctx, "uncorrelated")
		return nil, fmt.Errorf("%w: session %s names unknown kind %q", ErrNotFound, sess.ID, corr.Kind)
	}

	now := s.now()
	res, err := s.store.ApplyPayment(ctx, ledger.Settlement{
		Payment: ledger.Payment{
			GatewayIntentID: sess.PaymentIntentID,
			SessionID:       sess.ID,
			UserID:          corr.UserID,
			Amount:          sess.AmountTotal,
			Currency:        sess.Currency,
			Kind:            kind,
			SubjectID:       corr.SubjectID,
			RecordID:        corr.RecordID,
			Status:          ledger.PaymentCompleted,
		},
		ActiveUntil: s.policy.activeUntil(kind, now),
		Now:         now,
	})
	if err != nil {
		s.metrics.confirmation(ctx, "error")
		return nil, internal("apply payment", err)
	}

	if res.AlreadyProcessed {
		s.metrics.confirmation(ctx, "already_processed")
		return s.alreadyProcessed(ctx, res.Payment), nil
	}

	out := &ConfirmationOutcome{
		Success:       true,
		TransactionID: res.Payment.GatewayIntentID,
	}
	s.publish(ctx, TopicPaymentRecorded, paymentPayload(res.Payment))

	if res.Anomaly != nil {
		a := res.Anomaly
		log.Printf("[membership] ⚠️ payment %s recorded but not applied to %s %s: %s (%s)",
			a.GatewayIntentID, a.Kind, a.RecordID, a.Reason, a.Detail)
		s.metrics.confirmation(ctx, "anomaly")
		s.publish(ctx, TopicAnomaly, a)
		out.Anomaly = a
		out.Record = res.Record
		return out, nil
	}

	s.metrics.confirmation(ctx, "settled")
	s.publish(ctx, settledTopic(res.Record.Kind), recordPayload(res.Record))
	out.Record = res.Record
	return out, nil
}

// alreadyProcessed reports a replay. The record is attached when it can
// still be read.
func (s *service) alreadyProcessed(ctx context.Context, p *ledger.Payment) *ConfirmationOutcome {
	out := &ConfirmationOutcome{
		Success:          true,
		AlreadyProcessed: true,
		TransactionID:    p.GatewayIntentID,
	}
	if rec, err := s.store.GetRecord(ctx, p.Kind, p.RecordID); err == nil {
		out.Record = rec
	}
	return out
}
