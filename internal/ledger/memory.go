// internal/ledger/memory.go
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct {
	kind Kind
	id   uuid.UUID
}

// MemoryStore is a Store held entirely in process memory. A single mutex
// serializes every operation, which gives the same atomicity the Postgres
// transactions provide.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[recordKey]Record
	payments  map[string]Payment
	anomalies []Anomaly
	events    map[uuid.UUID][]Event
	eventSeq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[recordKey]Record),
		payments: make(map[string]Payment),
		events:   make(map[uuid.UUID][]Event),
	}
}

func (m *MemoryStore) appendLocked(aggregateID uuid.UUID, aggregate, eventType string, version int, payload any, at time.Time) error {
	events := m.events[aggregateID]
	if len(events) > 0 && events[len(events)-1].Version >= version {
		return ErrConcurrencyConflict
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	m.eventSeq++
	m.events[aggregateID] = append(events, Event{
		ID:            m.eventSeq,
		AggregateID:   aggregateID,
		AggregateType: aggregate,
		EventType:     eventType,
		EventData:     data,
		Version:       version,
		CreatedAt:     at,
	})
	return nil
}

func (m *MemoryStore) closeLocked(rec Record, now time.Time, reason string) error {
	from := rec.Status
	rec.Status = rec.Kind.Closed()
	rec.Version++
	rec.UpdatedAt = now
	if reason == "forced" {
		t := now
		rec.ExpiresAt = &t
	}
	m.records[recordKey{rec.Kind, rec.ID}] = rec
	return m.appendLocked(rec.ID, aggregateType(rec.Kind), closedEvent(rec.Kind), rec.Version,
		transition{From: from, To: rec.Status, ExpiresAt: rec.ExpiresAt, Reason: reason}, now)
}

func (m *MemoryStore) InsertRecord(_ context.Context, rec *Record, now time.Time) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, rec.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.Kind != rec.Kind || existing.UserID != rec.UserID || existing.SubjectID != rec.SubjectID || !existing.Status.Open() {
			continue
		}
		if !existing.Lapsed(now) {
			return ErrDuplicate
		}
		if err := m.closeLocked(existing, now, "lapsed"); err != nil {
			return err
		}
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[recordKey{rec.Kind, rec.ID}] = *rec

	eventType := requestedEvent(rec.Kind)
	if rec.Status == rec.Kind.Settled() {
		eventType = settledEvent(rec.Kind)
	}
	return m.appendLocked(rec.ID, aggregateType(rec.Kind), eventType, rec.Version,
		transition{To: rec.Status, ExpiresAt: rec.ExpiresAt}, now)
}

func (m *MemoryStore) GetRecord(_ context.Context, kind Kind, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey{kind, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) FindOpenRecord(_ context.Context, kind Kind, userID string, subjectID uuid.UUID, now time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.Kind == kind && rec.UserID == userID && rec.SubjectID == subjectID && rec.Status.Open() && !rec.Lapsed(now) {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRecordsByUser(_ context.Context, kind Kind, userID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.Kind == kind && rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetPaymentByIntent(_ context.Context, gatewayIntentID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[gatewayIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ApplyPayment(_ context.Context, in Settlement) (*SettlementResult, error) {
	if !in.Payment.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, in.Payment.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payments[in.Payment.GatewayIntentID]; ok {
		return &SettlementResult{Payment: &existing, AlreadyProcessed: true}, nil
	}

	p := in.Payment
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentCompleted
	}
	p.CreatedAt = in.Now

	var rec *Record
	if r, ok := m.records[recordKey{p.Kind, p.RecordID}]; ok {
		rec = &r
	}
	next, anomaly := settle(rec, in)

	m.payments[p.GatewayIntentID] = p
	if err := m.appendLocked(p.ID, paymentAggregate, EventPaymentRecorded, 1, p, in.Now); err != nil {
		return nil, err
	}

	result := &SettlementResult{Payment: &p}
	if anomaly != nil {
		anomaly.ID = int64(len(m.anomalies) + 1)
		m.anomalies = append(m.anomalies, *anomaly)
		if err := m.appendLocked(p.ID, paymentAggregate, EventReconciliationAnomaly, 2,
			transition{Reason: string(anomaly.Reason)}, in.Now); err != nil {
			return nil, err
		}
		result.Record = rec
		result.Anomaly = anomaly
		return result, nil
	}

	m.records[recordKey{next.Kind, next.ID}] = *next
	if err := m.appendLocked(next.ID, aggregateType(next.Kind), settledEvent(next.Kind), next.Version,
		transition{From: rec.Status, To: next.Status, ExpiresAt: next.ExpiresAt, PaymentRef: p.GatewayIntentID}, in.Now); err != nil {
		return nil, err
	}
	result.Record = next
	return result, nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.records {
		if !rec.Status.Open() || !rec.Lapsed(now) {
			continue
		}
		if err := m.closeLocked(rec, now, "lapsed"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) ForceExpire(_ context.Context, kind Kind, id uuid.UUID, now time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{kind, id}
	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Status.Open() {
		return &rec, nil
	}
	if err := m.closeLocked(rec, now, "forced"); err != nil {
		return nil, err
	}
	out := m.records[key]
	return &out, nil
}

func (m *MemoryStore) History(_ context.Context, aggregateID uuid.UUID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[aggregateID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, limit int) ([]Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Anomaly
	for i := len(m.anomalies) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.anomalies[i])
	}
	return out, nil
}
