package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StripeGateway creates and reads Stripe Checkout sessions.
type StripeGateway struct {
	api    *client.API
	tracer trace.Tracer
}

func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{
		api:    api,
		tracer: otel.Tracer("clubpass/payments"),
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ctx, span := g.tracer.Start(ctx, "payments.create_session",
		trace.WithAttributes(
			attribute.String("record.id", req.Correlation.RecordID.String()),
			attribute.Int64("amount", req.Item.Amount),
		),
	)
	defer span.End()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.Correlation.RecordID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Item.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Item.Name),
					},
					UnitAmount: stripe.Int64(req.Item.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	for k, v := range req.Correlation.Metadata() {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", s.ID))
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, span := g.tracer.Start(ctx, "payments.retrieve_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := &Session{
		ID:            s.ID,
		PaymentStatus: PaymentStatus(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	span.SetAttributes(attribute.String("payment.status", string(out.PaymentStatus)))
	return out, nil
}

// classify maps a Stripe client error onto the package's error kinds.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var serr *stripe.Error
	if !errors.As(err, &serr) {
		// transport failure
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, serr.Msg)
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 || serr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrUnavailable, serr.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, serr.Msg)
	}
}
