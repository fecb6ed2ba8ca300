package membership

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
	"clubpass/internal/payments"
)

const checkoutBase = "https://pay.test"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu     sync.Mutex
	clubs  map[uuid.UUID]directory.Club
	events map[uuid.UUID]directory.Event
	// batchCalls counts GetClubsByIDs and GetEventsByIDs round trips.
	batchCalls int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		clubs:  make(map[uuid.UUID]directory.Club),
		events: make(map[uuid.UUID]directory.Event),
	}
}

func (d *fakeDirectory) addClub(managerID string, fee int64, status directory.ClubStatus) directory.Club {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := directory.Club{
		ID:            uuid.New(),
		Name:          "Club " + uuid.NewString()[:8],
		ManagerID:     managerID,
		Status:        status,
		MembershipFee: fee,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	d.clubs[c.ID] = c
	return c
}

func (d *fakeDirectory) addEvent(clubID uuid.UUID, fee int64) directory.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := directory.Event{
		ID:       uuid.New(),
		ClubID:   clubID,
		Title:    "Event " + uuid.NewString()[:8],
		Fee:      fee,
		StartsAt: t0.Add(7 * 24 * time.Hour),
	}
	d.events[e.ID] = e
	return e
}

func (d *fakeDirectory) GetClub(_ context.Context, id uuid.UUID) (*directory.Club, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clubs[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return &c, nil
}

func (d *fakeDirectory) GetEvent(_ context.Context, id uuid.UUID) (*directory.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.events[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return &e, nil
}

func (d *fakeDirectory) GetClubsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]directory.Club, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchCalls++
	out := make(map[uuid.UUID]directory.Club, len(ids))
	for _, id := range ids {
		if c, ok := d.clubs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (d *fakeDirectory) GetEventsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]directory.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchCalls++
	out := make(map[uuid.UUID]directory.Event, len(ids))
	for _, id := range ids {
		if e, ok := d.events[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, event)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   Service
	store *ledger.MemoryStore
	gw    *payments.Sandbox
	dir   *fakeDirectory
	pub   *recordingPublisher
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithGateway(t, nil)
}

// newHarnessWithGateway wraps the sandbox with wrap when it is non-nil.
func newHarnessWithGateway(t *testing.T, wrap func(payments.Gateway) payments.Gateway) *harness {
	t.Helper()
	return buildHarness(wrap)
}

func buildHarness(wrap func(payments.Gateway) payments.Gateway) *harness {
	h := &harness{
		store: ledger.NewMemoryStore(),
		gw:    payments.NewSandbox(checkoutBase),
		dir:   newFakeDirectory(),
		pub:   &recordingPublisher{},
		clock: &testClock{now: t0},
	}
	var gw payments.Gateway = h.gw
	if wrap != nil {
		gw = wrap(h.gw)
	}
	h.svc = NewService(h.store, h.dir, gw, Options{
		Currency:   "usd",
		SuccessURL: "https://app.test/payments/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://app.test/cancelled",
		Publisher:  h.pub,
		Now:        h.clock.Now,
	})
	return h
}

func member(id string) identity.Actor {
	return identity.Actor{UserID: id, Email: id + "@example.com", Role: identity.RoleMember}
}

func manager(id string) identity.Actor {
	return identity.Actor{UserID: id, Role: identity.RoleManager}
}

var admin = identity.Actor{UserID: "root", Role: identity.RoleAdmin}

func sessionID(t *testing.T, out *IntentOutcome) string {
	t.Helper()
	require.NotNil(t, out)
	prefix := checkoutBase + "/checkout/"
	require.True(t, strings.HasPrefix(out.CheckoutURL, prefix), "unexpected checkout url %q", out.CheckoutURL)
	return strings.TrimPrefix(out.CheckoutURL, prefix)
}

// joinAndPay runs the paid membership path to completion.
func (h *harness) joinAndPay(t *testing.T, actor identity.Actor, club directory.Club, intent string) *ConfirmationOutcome {
	t.Helper()
	out, err := h.svc.Join(context.Background(), actor, JoinInput{ClubID: club.ID})
	require.NoError(t, err)
	sid := sessionID(t, out)
	require.NoError(t, h.gw.Pay(sid, intent))
	conf, err := h.svc.ConfirmPayment(context.Background(), ConfirmInput{SessionID: sid})
	require.NoError(t, err)
	return conf
}
