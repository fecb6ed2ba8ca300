package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubpass/internal/testdb"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewPostgresStore(testdb.Open(t)) })
}

func pending(kind Kind, user string, subject uuid.UUID, fee int64, ttl time.Duration) *Record {
	exp := baseTime.Add(ttl)
	return &Record{
		Kind:      kind,
		UserID:    user,
		SubjectID: subject,
		Status:    StatusPendingPayment,
		Fee:       fee,
		JoinedAt:  baseTime,
		ExpiresAt: &exp,
	}
}

func paymentFor(rec *Record, intent string, amount int64) Payment {
	return Payment{
		GatewayIntentID: intent,
		SessionID:       "cs_" + intent,
		UserID:          rec.UserID,
		Amount:          amount,
		Currency:        "usd",
		Kind:            rec.Kind,
		SubjectID:       rec.SubjectID,
		RecordID:        rec.ID,
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and read back", func(t *testing.T) {
		s := newStore(t)
		rec := pending(KindMembership, "user-1", uuid.New(), 25, 24*time.Hour)
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))
		require.NotEqual(t, uuid.Nil, rec.ID)
		assert.Equal(t, 1, rec.Version)

		got, err := s.GetRecord(ctx, KindMembership, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPendingPayment, got.Status)
		assert.Equal(t, int64(25), got.Fee)
		assert.Nil(t, got.PaymentRef)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(baseTime.Add(24*time.Hour)))

		_, err = s.GetRecord(ctx, KindEvent, rec.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		history, err := s.History(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventMembershipRequested}, eventTypes(history))
	})

	t.Run("free record is logged as settled", func(t *testing.T) {
		s := newStore(t)
		rec := &Record{Kind: KindEvent, UserID: "user-1", SubjectID: uuid.New(), Status: StatusRegistered, JoinedAt: baseTime}
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))

		history, err := s.History(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventRegistrationConfirmed}, eventTypes(history))
	})

	t.Run("second open record for the same target is rejected", func(t *testing.T) {
		s := newStore(t)
		club := uuid.New()
		require.NoError(t, s.InsertRecord(ctx, pending(KindMembership, "user-1", club, 25, time.Hour), baseTime))

		err := s.InsertRecord(ctx, pending(KindMembership, "user-1", club, 25, time.Hour), baseTime.Add(time.Minute))
		assert.ErrorIs(t, err, ErrDuplicate)

		// other users and other kinds are independent
		require.NoError(t, s.InsertRecord(ctx, pending(KindMembership, "user-2", club, 25, time.Hour), baseTime))
		require.NoError(t, s.InsertRecord(ctx, pending(KindEvent, "user-1", club, 25, time.Hour), baseTime))
	})

	t.Run("lapsed pending record is closed on rejoin", func(t *testing.T) {
		s := newStore(t)
		club := uuid.New()
		first := pending(KindMembership, "user-1", club, 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, first, baseTime))

		later := baseTime.Add(2 * time.Hour)
		_, err := s.FindOpenRecord(ctx, KindMembership, "user-1", club, later)
		assert.ErrorIs(t, err, ErrNotFound)

		second := pending(KindMembership, "user-1", club, 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, second, later))

		old, err := s.GetRecord(ctx, KindMembership, first.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, old.Status)
		assert.Equal(t, 2, old.Version)

		open, err := s.FindOpenRecord(ctx, KindMembership, "user-1", club, later)
		require.NoError(t, err)
		assert.Equal(t, second.ID, open.ID)
	})

	t.Run("payment settles the record once", func(t *testing.T) {
		s := newStore(t)
		rec := pending(KindMembership, "user-1", uuid.New(), 25, 24*time.Hour)
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))

		now := baseTime.Add(10 * time.Minute)
		until := now.AddDate(1, 0, 0)
		res, err := s.ApplyPayment(ctx, Settlement{Payment: paymentFor(rec, "pi_123", 25), ActiveUntil: &until, Now: now})
		require.NoError(t, err)
		assert.False(t, res.AlreadyProcessed)
		assert.Nil(t, res.Anomaly)
		require.NotNil(t, res.Record)
		assert.Equal(t, StatusActive, res.Record.Status)

		got, err := s.GetRecord(ctx, KindMembership, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
		require.NotNil(t, got.PaymentRef)
		assert.Equal(t, "pi_123", *got.PaymentRef)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(until))
		assert.Equal(t, 2, got.Version)

		p, err := s.GetPaymentByIntent(ctx, "pi_123")
		require.NoError(t, err)
		assert.Equal(t, int64(25), p.Amount)
		assert.Equal(t, KindMembership, p.Kind)
		assert.Equal(t, PaymentCompleted, p.Status)

		again, err := s.ApplyPayment(ctx, Settlement{Payment: paymentFor(rec, "pi_123", 25), ActiveUntil: &until, Now: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.True(t, again.AlreadyProcessed)
		assert.Equal(t, p.ID, again.Payment.ID)

		after, err := s.GetRecord(ctx, KindMembership, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Version, after.Version)

		history, err := s.History(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventMembershipRequested, EventMembershipActivated}, eventTypes(history))

		paymentHistory, err := s.History(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventPaymentRecorded}, eventTypes(paymentHistory))
	})

	t.Run("registration settles without expiry", func(t *testing.T) {
		s := newStore(t)
		rec := pending(KindEvent, "user-1", uuid.New(), 10, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))

		res, err := s.ApplyPayment(ctx, Settlement{Payment: paymentFor(rec, "pi_evt", 10), Now: baseTime.Add(time.Minute)})
		require.NoError(t, err)
		require.NotNil(t, res.Record)
		assert.Equal(t, StatusRegistered, res.Record.Status)
		assert.Nil(t, res.Record.ExpiresAt)

		n, err := s.ExpireDue(ctx, baseTime.AddDate(1, 0, 0))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("payment against a closed record is an anomaly", func(t *testing.T) {
		s := newStore(t)
		rec := pending(KindMembership, "user-1", uuid.New(), 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))
		_, err := s.ForceExpire(ctx, KindMembership, rec.ID, baseTime.Add(time.Minute))
		require.NoError(t, err)

		res, err := s.ApplyPayment(ctx, Settlement{Payment: paymentFor(rec, "pi_late", 25), Now: baseTime.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.NotNil(t, res.Anomaly)
		assert.Equal(t, AnomalyRecordTerminal, res.Anomaly.Reason)
		assert.Equal(t, StatusExpired, res.Record.Status)

		_, err = s.GetPaymentByIntent(ctx, "pi_late")
		require.NoError(t, err)

		got, err := s.GetRecord(ctx, KindMembership, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
		assert.Nil(t, got.PaymentRef)

		anomalies, err := s.ListAnomalies(ctx, 10)
		require.NoError(t, err)
		require.Len(t, anomalies, 1)
		assert.Equal(t, "pi_late", anomalies[0].GatewayIntentID)
		assert.Equal(t, rec.ID, anomalies[0].RecordID)
		assert.NotZero(t, anomalies[0].ID)

		paymentHistory, err := s.History(ctx, res.Payment.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventPaymentRecorded, EventReconciliationAnomaly}, eventTypes(paymentHistory))
	})

	t.Run("anomaly reasons", func(t *testing.T) {
		s := newStore(t)

		lapsed := pending(KindMembership, "user-1", uuid.New(), 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, lapsed, baseTime))
		res, err := s.ApplyPayment(ctx, Settlement{Payment: paymentFor(lapsed, "pi_lapsed", 25), Now: baseTime.Add(2 * time.Hour)})
		require.NoError(t, err)
		require.NotNil(t, res.Anomaly)
		assert.Equal(t, AnomalyPendingLapsed, res.Anomaly.Reason)

		short := pending(KindMembership, "user-2", uuid.New(), 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, short, baseTime))
		res, err = s.ApplyPayment(ctx, Settlement{Payment: paymentFor(short, "pi_short", 20), Now: baseTime})
		require.NoError(t, err)
		require.NotNil(t, res.Anomaly)
		assert.Equal(t, AnomalyAmountMismatch, res.Anomaly.Reason)

		ghost := paymentFor(&Record{ID: uuid.New(), Kind: KindEvent, UserID: "user-3", SubjectID: uuid.New()}, "pi_ghost", 5)
		res, err = s.ApplyPayment(ctx, Settlement{Payment: ghost, Now: baseTime})
		require.NoError(t, err)
		require.NotNil(t, res.Anomaly)
		assert.Equal(t, AnomalyRecordMissing, res.Anomaly.Reason)
		assert.Nil(t, res.Record)

		other := pending(KindMembership, "user-4", uuid.New(), 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, other, baseTime))
		wrongUser := paymentFor(other, "pi_wrong", 25)
		wrongUser.UserID = "user-5"
		res, err = s.ApplyPayment(ctx, Settlement{Payment: wrongUser, Now: baseTime})
		require.NoError(t, err)
		require.NotNil(t, res.Anomaly)
		assert.Equal(t, AnomalyCorrelationMismatch, res.Anomaly.Reason)

		res, err = s.ApplyPayment(ctx, Settlement{Payment: paymentFor(other, "pi_right", 25), Now: baseTime})
		require.NoError(t, err)
		require.Nil(t, res.Anomaly)
		res, err = s.ApplyPayment(ctx, Settlement{Payment: paymentFor(other, "pi_dupe_session", 25), Now: baseTime})
		require.NoError(t, err)
		require.NotNil(t, res.Anomaly)
		assert.Equal(t, AnomalyAlreadyActive, res.Anomaly.Reason)

		anomalies, err := s.ListAnomalies(ctx, 3)
		require.NoError(t, err)
		require.Len(t, anomalies, 3)
		assert.Equal(t, "pi_dupe_session", anomalies[0].GatewayIntentID)
	})

	t.Run("expire due closes lapsed open records", func(t *testing.T) {
		s := newStore(t)
		abandoned := pending(KindMembership, "user-1", uuid.New(), 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, abandoned, baseTime))
		abandonedReg := pending(KindEvent, "user-1", uuid.New(), 5, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, abandonedReg, baseTime))
		fresh := pending(KindMembership, "user-2", uuid.New(), 25, 48*time.Hour)
		require.NoError(t, s.InsertRecord(ctx, fresh, baseTime))

		term := baseTime.Add(90 * time.Minute)
		active := &Record{Kind: KindMembership, UserID: "user-3", SubjectID: uuid.New(), Status: StatusActive, JoinedAt: baseTime, ExpiresAt: &term}
		require.NoError(t, s.InsertRecord(ctx, active, baseTime))
		lifetime := &Record{Kind: KindMembership, UserID: "user-4", SubjectID: uuid.New(), Status: StatusActive, JoinedAt: baseTime}
		require.NoError(t, s.InsertRecord(ctx, lifetime, baseTime))

		now := baseTime.Add(2 * time.Hour)
		n, err := s.ExpireDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for _, tc := range []struct {
			rec  *Record
			want Status
		}{
			{abandoned, StatusExpired},
			{abandonedReg, StatusCancelled},
			{fresh, StatusPendingPayment},
			{active, StatusExpired},
			{lifetime, StatusActive},
		} {
			got, err := s.GetRecord(ctx, tc.rec.Kind, tc.rec.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status, "record of %s", tc.rec.UserID)
		}

		n, err = s.ExpireDue(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)

		history, err := s.History(ctx, active.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventMembershipActivated, EventMembershipExpired}, eventTypes(history))
	})

	t.Run("force expire is terminal and repeatable", func(t *testing.T) {
		s := newStore(t)
		rec := &Record{Kind: KindMembership, UserID: "user-1", SubjectID: uuid.New(), Status: StatusActive, JoinedAt: baseTime}
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))

		now := baseTime.Add(time.Hour)
		got, err := s.ForceExpire(ctx, KindMembership, rec.ID, now)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(now))
		assert.Equal(t, 2, got.Version)

		again, err := s.ForceExpire(ctx, KindMembership, rec.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, again.Version)

		reg := pending(KindEvent, "user-1", uuid.New(), 5, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, reg, baseTime))
		gotReg, err := s.ForceExpire(ctx, KindEvent, reg.ID, now)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, gotReg.Status)

		_, err = s.ForceExpire(ctx, KindMembership, uuid.New(), now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list records by user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertRecord(ctx, pending(KindMembership, "user-1", uuid.New(), 25, time.Hour), baseTime))
		require.NoError(t, s.InsertRecord(ctx, pending(KindMembership, "user-1", uuid.New(), 25, time.Hour), baseTime.Add(time.Minute)))
		require.NoError(t, s.InsertRecord(ctx, pending(KindMembership, "user-2", uuid.New(), 25, time.Hour), baseTime))
		require.NoError(t, s.InsertRecord(ctx, pending(KindEvent, "user-1", uuid.New(), 25, time.Hour), baseTime))

		recs, err := s.ListRecordsByUser(ctx, KindMembership, "user-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.True(t, recs[0].CreatedAt.After(recs[1].CreatedAt))
	})

	t.Run("invalid kind", func(t *testing.T) {
		s := newStore(t)
		err := s.InsertRecord(ctx, &Record{Kind: "trial", UserID: "u", SubjectID: uuid.New()}, baseTime)
		assert.ErrorIs(t, err, ErrInvalidKind)
	})

	t.Run("concurrent inserts leave one open record", func(t *testing.T) {
		s := newStore(t)
		club := uuid.New()

		const workers = 8
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.InsertRecord(ctx, pending(KindMembership, "user-1", club, 25, time.Hour), baseTime)
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrDuplicate)
		}
		assert.Equal(t, 1, wins)

		recs, err := s.ListRecordsByUser(ctx, KindMembership, "user-1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("concurrent confirmations record one payment", func(t *testing.T) {
		s := newStore(t)
		rec := pending(KindMembership, "user-1", uuid.New(), 25, time.Hour)
		require.NoError(t, s.InsertRecord(ctx, rec, baseTime))
		until := baseTime.AddDate(1, 0, 0)

		const workers = 8
		results := make([]*SettlementResult, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.ApplyPayment(ctx, Settlement{Payment: paymentFor(rec, "pi_race", 25), ActiveUntil: &until, Now: baseTime})
			}(i)
		}
		wg.Wait()

		fresh := 0
		for i := range results {
			require.NoError(t, errs[i])
			if !results[i].AlreadyProcessed {
				fresh++
			}
		}
		assert.Equal(t, 1, fresh)

		history, err := s.History(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{EventMembershipRequested, EventMembershipActivated}, eventTypes(history))
	})
}

func TestPostgresRejoinWaitsForLockedLapsedRecord(t *testing.T) {
	db := testdb.Open(t)
	s := NewPostgresStore(db)
	ctx := context.Background()
	club := uuid.New()

	old := pending(KindMembership, "user-1", club, 25, time.Hour)
	require.NoError(t, s.InsertRecord(ctx, old, baseTime))

	// another transaction (a sweep, a late payment) holds the lapsed row
	holder, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer holder.Rollback()
	_, err = holder.ExecContext(ctx, `SELECT id FROM memberships WHERE id = $1 FOR UPDATE`, old.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- s.InsertRecord(ctx, pending(KindMembership, "user-1", club, 25, time.Hour), baseTime.Add(2*time.Hour))
	}()

	select {
	case err := <-done:
		t.Fatalf("rejoin finished while the lapsed record was locked: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, holder.Commit())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rejoin did not finish after the lock was released")
	}

	got, err := s.GetRecord(ctx, KindMembership, old.ID)
	require.NoError(t, err)
	assert.Equal(t, KindMembership.Closed(), got.Status)
}

func TestSettleDecisions(t *testing.T) {
	exp := baseTime.Add(time.Hour)
	rec := &Record{
		ID: uuid.New(), Kind: KindMembership, UserID: "u", SubjectID: uuid.New(),
		Status: StatusPendingPayment, Fee: 25, ExpiresAt: &exp, Version: 1,
	}
	pay := paymentFor(rec, "pi_1", 25)
	until := baseTime.AddDate(1, 0, 0)

	next, anomaly := settle(rec, Settlement{Payment: pay, ActiveUntil: &until, Now: baseTime})
	require.Nil(t, anomaly)
	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, "pi_1", *next.PaymentRef)
	assert.Equal(t, &until, next.ExpiresAt)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, StatusPendingPayment, rec.Status, "input record must not be mutated")

	// the expiry instant itself is already lapsed
	_, anomaly = settle(rec, Settlement{Payment: pay, Now: exp})
	require.NotNil(t, anomaly)
	assert.Equal(t, AnomalyPendingLapsed, anomaly.Reason)
}

func TestStoreErrorsAreDistinct(t *testing.T) {
	all := []error{ErrNotFound, ErrDuplicate, ErrConcurrencyConflict, ErrInvalidKind}
	for i, a := range all {
		for j, b := range all {
			assert.Equal(t, i == j, errors.Is(a, b))
		}
	}
}
