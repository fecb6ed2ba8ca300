package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-process gateway for local runs and tests. Sessions start
// unpaid; Pay marks one paid. With AutoPay every session reads as paid.
type Sandbox struct {
	BaseURL string
	AutoPay bool

	mu       sync.Mutex
	sessions map[string]*Session
	byKey    map[string]string
	creates  int
}

func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{
		BaseURL:  baseURL,
		sessions: make(map[string]*Session),
		byKey:    make(map[string]string),
	}
}

func (s *Sandbox) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.Item.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &CheckoutSession{ID: id, URL: s.BaseURL + "/checkout/" + id}, nil
	}

	s.creates++
	id := "cs_sandbox_" + uuid.NewString()
	s.sessions[id] = &Session{
		ID:            id,
		PaymentStatus: StatusUnpaid,
		AmountTotal:   req.Item.Amount,
		Currency:      req.Item.Currency,
		Metadata:      req.Correlation.Metadata(),
	}
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = id
	}
	return &CheckoutSession{ID: id, URL: s.BaseURL + "/checkout/" + id}, nil
}

func (s *Sandbox) RetrieveSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := *sess
	if s.AutoPay && out.PaymentStatus == StatusUnpaid {
		out.PaymentStatus = StatusPaid
		out.PaymentIntentID = "pi_" + sessionID
	}
	return &out, nil
}

// Pay completes a session with the given payment intent.
func (s *Sandbox) Pay(sessionID, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.PaymentStatus = StatusPaid
	sess.PaymentIntentID = intentID
	return nil
}

// Alter lets tests tamper with a stored session, e.g. to simulate a short
// payment or foreign metadata.
func (s *Sandbox) Alter(sessionID string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	fn(sess)
	return nil
}

// Creates reports how many distinct sessions were opened.
func (s *Sandbox) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}
