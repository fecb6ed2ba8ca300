package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"clubpass/internal/identity"
	"clubpass/internal/ledger"
)

const maxAnomalyPage = 500

// AssembleMemberships joins records with their clubs in one directory round
// trip. A club missing from the directory leaves Club nil.
func AssembleMemberships(ctx context.Context, dir Directory, recs []ledger.Record) ([]MembershipView, error) {
	if len(recs) == 0 {
		return []MembershipView{}, nil
	}
	clubs, err := dir.GetClubsByIDs(ctx, subjectIDs(recs))
	if err != nil {
		return nil, err
	}

	views := make([]MembershipView, 0, len(recs))
	for _, rec := range recs {
		v := MembershipView{Record: rec}
		if c, ok := clubs[rec.SubjectID]; ok {
			v.Club = &c
		}
		views = append(views, v)
	}
	return views, nil
}

// AssembleRegistrations is AssembleMemberships for events.
func AssembleRegistrations(ctx context.Context, dir Directory, recs []ledger.Record) ([]RegistrationView, error) {
	if len(recs) == 0 {
		return []RegistrationView{}, nil
	}
	events, err := dir.GetEventsByIDs(ctx, subjectIDs(recs))
	if err != nil {
		return nil, err
	}

	views := make([]RegistrationView, 0, len(recs))
	for _, rec := range recs {
		v := RegistrationView{Record: rec}
		if e, ok := events[rec.SubjectID]; ok {
			v.Event = &e
		}
		views = append(views, v)
	}
	return views, nil
}

func subjectIDs(recs []ledger.Record) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(recs))
	ids := make([]uuid.UUID, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.SubjectID]; ok {
			continue
		}
		seen[r.SubjectID] = struct{}{}
		ids = append(ids, r.SubjectID)
	}
	return ids
}

// subjectUser resolves whose records are being read. Members read their own;
// admins read anyone's.
func subjectUser(actor identity.Actor, userID string) (string, error) {
	if err := requireActor(actor); err != nil {
		return "", err
	}
	if userID == "" || userID == actor.UserID {
		return actor.UserID, nil
	}
	if !actor.IsAdmin() {
		return "", forbidden()
	}
	return userID, nil
}

// ListActiveMemberships returns memberships that grant access right now.
// Records past their expiry are excluded even before the sweep closes them.
func (s *service) ListActiveMemberships(ctx context.Context, actor identity.Actor, userID string) ([]MembershipView, error) {
	uid, err := subjectUser(actor, userID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecordsByUser(ctx, ledger.KindMembership, uid)
	if err != nil {
		return nil, internal("list memberships", err)
	}

	now := s.now()
	live := recs[:0]
	for _, r := range recs {
		if r.LiveAt(now) {
			live = append(live, r)
		}
	}
	views, err := AssembleMemberships(ctx, s.directory, live)
	if err != nil {
		return nil, internal("load clubs", err)
	}
	return views, nil
}

// ListRegistrations returns confirmed registrations plus those still
// awaiting payment inside their window.
func (s *service) ListRegistrations(ctx context.Context, actor identity.Actor, userID string) ([]RegistrationView, error) {
	uid, err := subjectUser(actor, userID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecordsByUser(ctx, ledger.KindEvent, uid)
	if err != nil {
		return nil, internal("list registrations", err)
	}

	now := s.now()
	visible := recs[:0]
	for _, r := range recs {
		if r.LiveAt(now) || (r.Status == ledger.StatusPendingPayment && !r.Lapsed(now)) {
			visible = append(visible, r)
		}
	}
	views, err := AssembleRegistrations(ctx, s.directory, visible)
	if err != nil {
		return nil, internal("load events", err)
	}
	return views, nil
}

// History returns the lifecycle log of one record. The owner, the club's
// manager and admins may read it.
func (s *service) History(ctx context.Context, actor identity.Actor, ref RecordRef) ([]ledger.Event, error) {
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
	if rec.UserID != actor.UserID && !actor.IsAdmin() {
		managerID, err := s.managerOf(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !actor.CanManage(managerID) {
			return nil, forbidden()
		}
	}

	events, err := s.store.History(ctx, rec.ID)
	if err != nil {
		return nil, internal("load history", err)
	}
	return events, nil
}

func (s *service) ListAnomalies(ctx context.Context, actor identity.Actor, limit int) ([]ledger.Anomaly, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, forbidden()
	}
	if limit > maxAnomalyPage {
		limit = maxAnomalyPage
	}
	anomalies, err := s.store.ListAnomalies(ctx, limit)
	if err != nil {
		return nil, internal("list anomalies", err)
	}
	return anomalies, nil
}
