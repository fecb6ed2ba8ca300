package membership

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
)

func TestListMembershipsBatchesDirectoryLookups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		club := h.dir.addClub("mgr", 0, directory.ClubApproved)
		_, err := h.svc.Join(ctx, member("u1"), JoinInput{ClubID: club.ID})
		require.NoError(t, err)
	}

	views, err := h.svc.ListActiveMemberships(ctx, member("u1"), "u1")
	require.NoError(t, err)
	assert.Len(t, views, 5)
	assert.Equal(t, 1, h.dir.batchCalls)
	for _, v := range views {
		require.NotNil(t, v.Club)
		assert.Equal(t, v.Record.SubjectID, v.Club.ID)
	}
}

func TestListMembershipsAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	club := h.dir.addClub("mgr", 0, directory.ClubApproved)
	_, err := h.svc.Join(ctx, member("u1"), JoinInput{ClubID: club.ID})
	require.NoError(t, err)

	_, err = h.svc.ListActiveMemberships(ctx, member("u2"), "u1")
	assert.ErrorIs(t, err, identity.ErrForbidden)

	_, err = h.svc.ListActiveMemberships(ctx, identity.Actor{}, "u1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	views, err := h.svc.ListActiveMemberships(ctx, admin, "u1")
	require.NoError(t, err)
	assert.Len(t, views, 1)

	views, err = h.svc.ListActiveMemberships(ctx, member("u2"), "")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestAssembleKeepsRecordsWithoutDirectoryEntry(t *testing.T) {
	dir := newFakeDirectory()
	club := dir.addClub("mgr", 0, directory.ClubApproved)
	recs := []ledger.Record{
		{ID: uuid.New(), Kind: ledger.KindMembership, SubjectID: club.ID},
		{ID: uuid.New(), Kind: ledger.KindMembership, SubjectID: uuid.New()},
		{ID: uuid.New(), Kind: ledger.KindMembership, SubjectID: club.ID},
	}

	views, err := AssembleMemberships(context.Background(), dir, recs)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.NotNil(t, views[0].Club)
	assert.Nil(t, views[1].Club)
	assert.NotNil(t, views[2].Club)

	empty, err := AssembleRegistrations(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 1, dir.batchCalls)
}

func TestListRegistrationsHidesLapsedPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	club := h.dir.addClub("mgr", 0, directory.ClubApproved)
	paidEvent := h.dir.addEvent(club.ID, 1500)
	freeEvent := h.dir.addEvent(club.ID, 0)

	_, err := h.svc.Register(ctx, member("u1"), RegisterInput{EventID: paidEvent.ID})
	require.NoError(t, err)
	_, err = h.svc.Register(ctx, member("u1"), RegisterInput{EventID: freeEvent.ID})
	require.NoError(t, err)

	views, err := h.svc.ListRegistrations(ctx, member("u1"), "")
	require.NoError(t, err)
	assert.Len(t, views, 2)

	h.clock.Advance(2 * time.Hour)
	views, err = h.svc.ListRegistrations(ctx, member("u1"), "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, freeEvent.ID, views[0].Record.SubjectID)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	club := h.dir.addClub("mgr", 25, directory.ClubApproved)
	conf := h.joinAndPay(t, member("u1"), club, "pi_hist")
	ref := RecordRef{Kind: ledger.KindMembership, RecordID: conf.Record.ID}

	for _, actor := range []identity.Actor{member("u1"), manager("mgr"), admin} {
		events, err := h.svc.History(ctx, actor, ref)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, ledger.EventMembershipRequested, events[0].EventType)
		assert.Equal(t, ledger.EventMembershipActivated, events[1].EventType)
		assert.Equal(t, []int{1, 2}, []int{events[0].Version, events[1].Version})
	}

	_, err := h.svc.History(ctx, member("u2"), ref)
	assert.ErrorIs(t, err, identity.ErrForbidden)

	_, err = h.svc.History(ctx, member("u1"), RecordRef{Kind: ledger.KindMembership, RecordID: uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAnomaliesAdminOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ListAnomalies(ctx, manager("mgr"), 10)
	assert.ErrorIs(t, err, identity.ErrForbidden)

	anomalies, err := h.svc.ListAnomalies(ctx, admin, 10)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}
