package membership

import (
	"context"
	"errors"
	"fmt"
	"log"

	"clubpass/internal/identity"
	"clubpass/internal/ledger"
)

// SweepExpired closes every open record whose expiry has passed. Reads
// already treat such records as closed; the sweep only makes it durable.
func (s *service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.ExpireDue(ctx, now)
	if err != nil {
		return 0, internal("expire due records", err)
	}
	if n > 0 {
		s.metrics.expired(ctx, "lapsed", n)
		s.publish(ctx, TopicRecordsExpired, map[string]any{"count": n, "at": now.UTC()})
	}
	return n, nil
}

// ForceExpire closes a record ahead of its expiry. Only the managing club's
// manager or an admin may do so.
func (s *service) ForceExpire(ctx context.Context, actor identity.Actor, ref RecordRef) (*ledger.Record, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(ref); err != nil {
		return nil, invalid(err)
	}

	rec, err := s.store.GetRecord(ctx, ref.Kind, ref.RecordID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: record %s", ErrNotFound, ref.RecordID)
		}
		return nil, internal("get record", err)
	}

	managerID, err := s.managerOf(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(managerID) {
		return nil, forbidden()
	}

	closed, err := s.store.ForceExpire(ctx, ref.Kind, ref.RecordID, s.now())
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: record %s", ErrNotFound, ref.RecordID)
		}
		return nil, internal("force expire", err)
	}

	if rec.Status != closed.Status {
		log.Printf("[membership] %s %s closed by %s", closed.Kind, closed.ID, actor.UserID)
		s.metrics.expired(ctx, "forced", 1)
		s.publish(ctx, closedTopic(closed.Kind), recordPayload(closed))
	}
	return closed, nil
}
