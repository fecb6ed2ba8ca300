// internal/ledger/postgres.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// table maps a record kind onto its table and subject column.
type table struct {
	name    string
	subject string
}

func tableFor(k Kind) (table, error) {
	switch k {
	case KindMembership:
		return table{name: "memberships", subject: "club_id"}, nil
	case KindEvent:
		return table{name: "registrations", subject: "event_id"}, nil
	}
	return table{}, fmt.Errorf("%w: %q", ErrInvalidKind, k)
}

func (t table) columns() string {
	return "id, user_id, " + t.subject + ", status, fee, joined_at, expires_at, payment_ref, version, created_at, updated_at"
}

// PostgresStore is the production Store. Uniqueness of open records and of
// gateway intents is enforced by the schema's unique indexes.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("clubpass/ledger"),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, kind Kind) (*Record, error) {
	var (
		rec       Record
		expiresAt sql.NullTime
		ref       sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.SubjectID,
		&rec.Status,
		&rec.Fee,
		&rec.JoinedAt,
		&expiresAt,
		&ref,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = kind
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if ref.Valid {
		s := ref.String
		rec.PaymentRef = &s
	}
	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *PostgresStore) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// InsertRecord creates rec after closing any lapsed open record for the same
// (user, subject) pair.
func (s *PostgresStore) InsertRecord(ctx context.Context, rec *Record, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "ledger.insert_record",
		trace.WithAttributes(
			attribute.String("record.kind", string(rec.Kind)),
			attribute.String("record.subject", rec.SubjectID.String()),
			attribute.String("record.status", string(rec.Status)),
		),
	)
	defer span.End()

	t, err := tableFor(rec.Kind)
	if err != nil {
		return s.fail(span, err)
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := s.closeDue(ctx, tx, rec.Kind, now, &pairFilter{userID: rec.UserID, subjectID: rec.SubjectID}); err != nil {
		return s.fail(span, err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.name, t.columns()),
		rec.ID, rec.UserID, rec.SubjectID, rec.Status, rec.Fee, rec.JoinedAt.UTC(),
		nullTime(rec.ExpiresAt), nullString(rec.PaymentRef), rec.Version, now.UTC(), now.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return ErrDuplicate
		}
		return s.fail(span, fmt.Errorf("insert record: %w", err))
	}

	eventType := requestedEvent(rec.Kind)
	if rec.Status == rec.Kind.Settled() {
		eventType = settledEvent(rec.Kind)
	}
	if err := appendEvent(ctx, tx, rec.ID, aggregateType(rec.Kind), eventType, rec.Version,
		transition{To: rec.Status, ExpiresAt: rec.ExpiresAt}, now); err != nil {
		return s.fail(span, err)
	}

	if err := tx.Commit(); err != nil {
		return s.fail(span, fmt.Errorf("commit transaction: %w", err))
	}
	span.SetAttributes(attribute.String("record.id", rec.ID.String()))
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, kind Kind, id uuid.UUID) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.get_record",
		trace.WithAttributes(attribute.String("record.id", id.String())),
	)
	defer span.End()

	t, err := tableFor(kind)
	if err != nil {
		return nil, s.fail(span, err)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, t.columns(), t.name), id)
	rec, err := scanRecord(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("get record: %w", err))
	}
	return rec, nil
}

func (s *PostgresStore) FindOpenRecord(ctx context.Context, kind Kind, userID string, subjectID uuid.UUID, now time.Time) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.find_open_record")
	defer span.End()

	t, err := tableFor(kind)
	if err != nil {
		return nil, s.fail(span, err)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND %s = $2
		AND status IN ($3, $4)
		AND (expires_at IS NULL OR expires_at > $5)
		LIMIT 1
	`, t.columns(), t.name, t.subject), userID, subjectID, StatusPendingPayment, kind.Settled(), now.UTC())
	rec, err := scanRecord(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("find open record: %w", err))
	}
	return rec, nil
}

func (s *PostgresStore) ListRecordsByUser(ctx context.Context, kind Kind, userID string) ([]Record, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.list_records")
	defer span.End()

	t, err := tableFor(kind)
	if err != nil {
		return nil, s.fail(span, err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC
	`, t.columns(), t.name), userID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("scan record: %w", err))
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("iterate records: %w", err))
	}
	span.SetAttributes(attribute.Int("records.loaded", len(out)))
	return out, nil
}

const paymentColumns = "id, gateway_intent_id, session_id, user_id, amount, currency, kind, subject_id, record_id, status, created_at"

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.GatewayIntentID, &p.SessionID, &p.UserID, &p.Amount, &p.Currency,
		&p.Kind, &p.SubjectID, &p.RecordID, &p.Status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPaymentByIntent(ctx context.Context, gatewayIntentID string) (*Payment, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.get_payment",
		trace.WithAttributes(attribute.String("payment.intent", gatewayIntentID)),
	)
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_intent_id = $1`, gatewayIntentID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("get payment: %w", err))
	}
	return p, nil
}

// ApplyPayment records the payment and settles its record atomically. The
// unique gateway_intent_id makes the insert the tie-break between concurrent
// confirmations: the loser sees no inserted row and reports AlreadyProcessed.
func (s *PostgresStore) ApplyPayment(ctx context.Context, in Settlement) (*SettlementResult, error) {
	p := in.Payment
	ctx, span := s.tracer.Start(ctx, "ledger.apply_payment",
		trace.WithAttributes(
			attribute.String("payment.intent", p.GatewayIntentID),
			attribute.String("record.id", p.RecordID.String()),
			attribute.String("record.kind", string(p.Kind)),
		),
	)
	defer span.End()

	t, err := tableFor(p.Kind)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentCompleted
	}
	p.CreatedAt = in.Now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (gateway_intent_id) DO NOTHING
	`, p.ID, p.GatewayIntentID, p.SessionID, p.UserID, p.Amount, p.Currency, p.Kind, p.SubjectID, p.RecordID, p.Status, p.CreatedAt.UTC())
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("insert payment: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, s.fail(span, fmt.Errorf("insert payment: %w", err))
	} else if n == 0 {
		existing, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_intent_id = $1`, p.GatewayIntentID))
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("load existing payment: %w", err))
		}
		span.SetAttributes(attribute.Bool("already.processed", true))
		return &SettlementResult{Payment: existing, AlreadyProcessed: true}, nil
	}

	if err := appendEvent(ctx, tx, p.ID, paymentAggregate, EventPaymentRecorded, 1, p, in.Now); err != nil {
		return nil, s.fail(span, err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, t.columns(), t.name), p.RecordID), p.Kind)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, s.fail(span, fmt.Errorf("lock record: %w", err))
	}

	result := &SettlementResult{Payment: &p}
	next, anomaly := settle(rec, in)
	if anomaly != nil {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO reconciliation_anomalies (gateway_intent_id, kind, record_id, reason, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, anomaly.GatewayIntentID, anomaly.Kind, anomaly.RecordID, anomaly.Reason, anomaly.Detail, in.Now.UTC()).Scan(&anomaly.ID)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("insert anomaly: %w", err))
		}
		if err := appendEvent(ctx, tx, p.ID, paymentAggregate, EventReconciliationAnomaly, 2,
			transition{Reason: string(anomaly.Reason)}, in.Now); err != nil {
			return nil, s.fail(span, err)
		}
		span.SetAttributes(attribute.String("anomaly.reason", string(anomaly.Reason)))
		result.Record = rec
		result.Anomaly = anomaly
	} else {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = $1, payment_ref = $2, expires_at = $3, version = $4, updated_at = $5
			WHERE id = $6 AND version = $7
		`, t.name), next.Status, nullString(next.PaymentRef), nullTime(next.ExpiresAt), next.Version, in.Now.UTC(), next.ID, rec.Version)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("settle record: %w", err))
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, s.fail(span, ErrConcurrencyConflict)
		}
		if err := appendEvent(ctx, tx, next.ID, aggregateType(next.Kind), settledEvent(next.Kind), next.Version,
			transition{From: rec.Status, To: next.Status, ExpiresAt: next.ExpiresAt, PaymentRef: p.GatewayIntentID}, in.Now); err != nil {
			return nil, s.fail(span, err)
		}
		result.Record = next
	}

	if err := tx.Commit(); err != nil {
		return nil, s.fail(span, fmt.Errorf("commit transaction: %w", err))
	}
	return result, nil
}

type pairFilter struct {
	userID    string
	subjectID uuid.UUID
}

type closedRow struct {
	id      uuid.UUID
	version int
	from    Status
}

// closeDue moves lapsed open records of one kind to the kind's closed state
// and logs each transition. The global sweep skips rows locked by another
// transaction and leaves them to the next run. A pair-scoped call waits for
// the lock instead, since the insert that follows needs the pair cleared.
func (s *PostgresStore) closeDue(ctx context.Context, tx *sql.Tx, kind Kind, now time.Time, pair *pairFilter) (int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	args := []any{now.UTC(), kind.Closed(), StatusPendingPayment, kind.Settled()}
	filter := ""
	lock := "FOR UPDATE SKIP LOCKED"
	if pair != nil {
		filter = fmt.Sprintf("AND user_id = $5 AND %s = $6", t.subject)
		args = append(args, pair.userID, pair.subjectID)
		lock = "FOR UPDATE"
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		WITH due AS (
			SELECT id, status FROM %[1]s
			WHERE status IN ($3, $4)
			AND expires_at IS NOT NULL AND expires_at <= $1
			%[2]s
			%[3]s
		)
		UPDATE %[1]s r
		SET status = $2, version = r.version + 1, updated_at = $1
		FROM due
		WHERE r.id = due.id
		RETURNING r.id, r.version, due.status
	`, t.name, filter, lock), args...)
	if err != nil {
		return 0, fmt.Errorf("close due %s: %w", t.name, err)
	}

	var closed []closedRow
	for rows.Next() {
		var c closedRow
		if err := rows.Scan(&c.id, &c.version, &c.from); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan closed row: %w", err)
		}
		closed = append(closed, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate closed rows: %w", err)
	}

	for _, c := range closed {
		if err := appendEvent(ctx, tx, c.id, aggregateType(kind), closedEvent(kind), c.version,
			transition{From: c.from, To: kind.Closed(), Reason: "lapsed"}, now); err != nil {
			return 0, err
		}
	}
	return len(closed), nil
}

func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.expire_due")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	total := 0
	for _, kind := range []Kind{KindMembership, KindEvent} {
		n, err := s.closeDue(ctx, tx, kind, now, nil)
		if err != nil {
			return 0, s.fail(span, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, s.fail(span, fmt.Errorf("commit transaction: %w", err))
	}
	span.SetAttributes(attribute.Int("records.closed", total))
	return total, nil
}

// ForceExpire closes the record immediately. Closing an already closed
// record is a no-op that returns it unchanged.
func (s *PostgresStore) ForceExpire(ctx context.Context, kind Kind, id uuid.UUID, now time.Time) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.force_expire",
		trace.WithAttributes(attribute.String("record.id", id.String())),
	)
	defer span.End()

	t, err := tableFor(kind)
	if err != nil {
		return nil, s.fail(span, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, t.columns(), t.name), id), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("lock record: %w", err))
	}
	if !rec.Status.Open() {
		return rec, nil
	}

	from := rec.Status
	expiredAt := now
	rec.Status = kind.Closed()
	rec.ExpiresAt = &expiredAt
	rec.Version++
	rec.UpdatedAt = now

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $1, expires_at = $2, version = $3, updated_at = $4 WHERE id = $5
	`, t.name), rec.Status, now.UTC(), rec.Version, now.UTC(), rec.ID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("expire record: %w", err))
	}
	if err := appendEvent(ctx, tx, rec.ID, aggregateType(kind), closedEvent(kind), rec.Version,
		transition{From: from, To: rec.Status, ExpiresAt: rec.ExpiresAt, Reason: "forced"}, now); err != nil {
		return nil, s.fail(span, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.fail(span, fmt.Errorf("commit transaction: %w", err))
	}
	return rec, nil
}

func (s *PostgresStore) History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.history",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	events, err := loadEvents(ctx, s.db, aggregateID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.list_anomalies")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gateway_intent_id, kind, record_id, reason, detail, created_at
		FROM reconciliation_anomalies
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query anomalies: %w", err))
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		if err := rows.Scan(&a.ID, &a.GatewayIntentID, &a.Kind, &a.RecordID, &a.Reason, &a.Detail, &a.CreatedAt); err != nil {
			return nil, s.fail(span, fmt.Errorf("scan anomaly: %w", err))
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
